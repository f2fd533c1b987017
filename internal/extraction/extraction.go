package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/pkg/errors"

	"reservoir/internal/models"
	"reservoir/internal/wavefront"
)

// MaxUncompressedSize bounds the total uncompressed size of an uploaded archive.
const MaxUncompressedSize int64 = 100_000_000

// Result describes an archive that passed validation.
type Result struct {
	ObjEntry         string
	Entries          []string
	UncompressedSize int64
	Scene            *wavefront.Scene
}

// Validator checks uploaded model archives.
type Validator struct {
	// MaxUncompressedSize defaults to the package constant when zero.
	MaxUncompressedSize int64
	// ScratchRoot is where extraction directories are created; empty means os.TempDir.
	ScratchRoot string
}

// NewValidator returns a Validator with the default size bound.
func NewValidator() *Validator {
	return &Validator{MaxUncompressedSize: MaxUncompressedSize}
}

// scratchError marks failures of the local scratch area, which are not the
// uploader's fault.
type scratchError struct{ error }

func (e scratchError) Unwrap() error { return e.error }

// ValidateArchive checks the zip archive at archivePath: it must contain exactly
// one .obj entry, no unsafe paths and stay under the size bound. It is then
// extracted into a private scratch directory, which is always removed, and the
// OBJ scene (with its materials) is parsed.
func (v *Validator) ValidateArchive(ctx context.Context, archivePath string) (*Result, error) {
	limit := v.MaxUncompressedSize
	if limit <= 0 {
		limit = MaxUncompressedSize
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.Wrap(err, "could not open uploaded archive")
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, "", f)
	if err != nil {
		return nil, models.ErrInvalidArchive.New("uploaded file was not a valid zip file")
	}
	zipFormat, ok := format.(archives.Zip)
	if !ok {
		return nil, models.ErrInvalidArchive.New("uploaded file was not a valid zip file")
	}

	result := &Result{}
	var objEntries []string
	var unsafe []string
	err = zipFormat.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		name := info.NameInArchive
		result.Entries = append(result.Entries, name)
		if unsafePath(name) {
			unsafe = append(unsafe, name)
		}
		if strings.HasSuffix(name, ".obj") {
			objEntries = append(objEntries, name)
		}
		if !info.IsDir() {
			result.UncompressedSize += info.Size()
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.ErrInvalidArchive.New("uploaded file was not a valid zip file: %v", err)
	}
	if len(objEntries) != 1 {
		return nil, models.ErrInvalidArchive.New("no single .obj file found in the uploaded zip file (found %d)", len(objEntries))
	}
	if len(unsafe) > 0 {
		return nil, models.ErrInvalidArchive.New("archive contains unsafe paths: %v", unsafe)
	}
	if result.UncompressedSize > limit {
		return nil, models.ErrInvalidArchive.New("archive expands to %d bytes, limit is %d", result.UncompressedSize, limit)
	}
	result.ObjEntry = objEntries[0]

	scratch, err := os.MkdirTemp(v.ScratchRoot, "extract-*")
	if err != nil {
		return nil, errors.Wrap(err, "could not create scratch directory")
	}
	defer os.RemoveAll(scratch)

	if err := extractTo(ctx, zipFormat, f, scratch, limit); err != nil {
		var serr scratchError
		if errors.As(err, &serr) {
			return nil, errors.Wrap(serr.error, "could not extract archive")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.ErrInvalidArchive.New("error while extracting zip file: %v", err)
	}

	scene, err := wavefront.ParseFile(filepath.Join(scratch, filepath.FromSlash(result.ObjEntry)))
	if err != nil {
		return nil, models.ErrInvalidArchive.New("error parsing OBJ/MTL files: %v", err)
	}
	result.Scene = scene
	return result, nil
}

// extractTo writes every regular file and directory of the archive below dest.
// The declared sizes were checked already; the copy is bounded again in case
// the headers lie.
func extractTo(ctx context.Context, format archives.Zip, archive io.Reader, dest string, limit int64) error {
	remaining := limit
	return format.Extract(ctx, archive, func(ctx context.Context, info archives.FileInfo) error {
		target := filepath.Join(dest, filepath.FromSlash(strings.ReplaceAll(info.NameInArchive, `\`, "/")))
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return scratchError{err}
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return scratchError{err}
		}

		reader, err := info.Open()
		if err != nil {
			return err
		}
		defer reader.Close()

		outFile, err := os.Create(target)
		if err != nil {
			return scratchError{err}
		}
		defer outFile.Close()

		n, err := io.Copy(outFile, io.LimitReader(reader, remaining+1))
		if err != nil {
			var perr *os.PathError
			if errors.As(err, &perr) {
				return scratchError{err}
			}
			return err
		}
		remaining -= n
		if remaining < 0 {
			return fmt.Errorf("archive expands beyond %d bytes", limit)
		}
		return nil
	})
}

// unsafePath reports absolute names and names with a parent directory segment.
func unsafePath(name string) bool {
	n := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(n, "/") {
		return true
	}
	if len(n) >= 2 && n[1] == ':' {
		return true
	}
	for _, segment := range strings.Split(n, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

type seekReaderAt interface {
	io.ReaderAt
	io.Seeker
}

func seekable(archive io.Reader) (io.Reader, error) {
	if _, ok := archive.(seekReaderAt); ok {
		return archive, nil
	}
	data, err := io.ReadAll(archive)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// ListEntries returns the entry names of a stored archive in archive order.
func ListEntries(ctx context.Context, archive io.Reader) ([]string, error) {
	archive, err := seekable(archive)
	if err != nil {
		return nil, err
	}
	var names []string
	err = archives.Zip{}.Extract(ctx, archive, func(ctx context.Context, info archives.FileInfo) error {
		names = append(names, info.NameInArchive)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not read archive")
	}
	return names, nil
}

// ReadEntry returns the contents of the file entry called name in a stored
// archive. A missing entry is reported as models.ErrNotFound.
func ReadEntry(ctx context.Context, archive io.Reader, name string) ([]byte, error) {
	archive, err := seekable(archive)
	if err != nil {
		return nil, err
	}
	var data []byte
	found := false
	err = archives.Zip{}.Extract(ctx, archive, func(ctx context.Context, info archives.FileInfo) error {
		if found || info.IsDir() || info.NameInArchive != name {
			return nil
		}
		found = true
		rc, err := info.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(io.LimitReader(rc, MaxUncompressedSize+1))
		if err == nil && int64(len(data)) > MaxUncompressedSize {
			err = fmt.Errorf("entry %s exceeds %d bytes", name, MaxUncompressedSize)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not read archive")
	}
	if !found {
		return nil, models.ErrNotFound.New("file %q", name)
	}
	return data, nil
}
