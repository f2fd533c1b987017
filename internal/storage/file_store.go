package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps archives under a root directory as {root}/{model_id}/{revision}.zip.
// Staged blobs live in {root}/.staging on the same filesystem so publishing
// is a rename.
type FileStore struct {
	root string
}

// NewFileStore creates the root and staging directories if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("model root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, StagingPrefix), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimSuffix(key, "/") {
		return "", errors.New("invalid blob key " + key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *FileStore) Stage(ctx context.Context, r io.Reader) (string, int64, error) {
	key := StagingPrefix + uuid.NewString() + ".zip"
	p, err := s.path(key)
	if err != nil {
		return "", 0, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return "", 0, err
	}
	return key, n, nil
}

func (s *FileStore) Publish(ctx context.Context, stagingKey, key string) error {
	src, err := s.path(stagingKey)
	if err != nil {
		return err
	}
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	// A rename keeps the staging time; the published age starts now.
	now := time.Now()
	return os.Chtimes(dst, now, now)
}

func (s *FileStore) Discard(ctx context.Context, stagingKey string) error {
	return s.Remove(ctx, stagingKey)
}

func (s *FileStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, notFound(key)
	}
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *FileStore) Remove(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) RemoveDir(ctx context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if p == s.root {
		return errors.New("refusing to remove the model root")
	}
	return os.RemoveAll(p)
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	return s.list(ctx, time.Time{})
}

func (s *FileStore) ListBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.list(ctx, cutoff)
}

// list walks the published tree. A non-zero cutoff keeps only files modified before it.
func (s *FileStore) list(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel+"/" == StagingPrefix {
				return filepath.SkipDir
			}
			return nil
		}
		if !cutoff.IsZero() {
			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			if !info.ModTime().Before(cutoff) {
				return nil
			}
		}
		keys = append(keys, rel)
		return ctx.Err()
	})
	return keys, err
}

func (s *FileStore) ListStaged(ctx context.Context, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, StagingPrefix))
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if info.ModTime().Before(cutoff) {
			keys = append(keys, StagingPrefix+e.Name())
		}
	}
	return keys, nil
}
