package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"time"

	"github.com/mholt/archives"
	"github.com/pkg/errors"

	"reservoir/internal/logger"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
)

// Stored archives are already compressed; only the index is deflated.
var exportFormat = archives.Zip{Compression: zip.Deflate, SelectiveCompression: true}

// NightlyService writes the bulk export of every visible model: an info.json
// index plus models/{model_id}.zip holding each latest archive.
type NightlyService struct {
	Models repository.ModelRepository
	Store  storage.BlobStore
	Log    *logger.Logger
}

func NewNightlyService(modelRepo repository.ModelRepository, store storage.BlobStore, log *logger.Logger) *NightlyService {
	return &NightlyService{Models: modelRepo, Store: store, Log: log.With("service", "nightly")}
}

// Dump writes the export to w and returns the number of models it holds.
func (s *NightlyService) Dump(ctx context.Context, w io.Writer) (int, error) {
	latest, err := s.Models.ListLatest(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "list latest models")
	}

	now := time.Now()
	index := make(map[string]ModelInfo, len(latest))
	files := make([]archives.FileInfo, 0, len(latest)+1)
	for i := range latest {
		m := &latest[i]
		index[strconv.Itoa(m.ModelID)] = NewModelInfo(m)
		files = append(files, storedEntry(ctx, s.Store, fmt.Sprintf("models/%d.zip", m.ModelID), m))
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return 0, err
	}
	files = append([]archives.FileInfo{memoryEntry("info.json", data, now)}, files...)

	if err := exportFormat.Archive(ctx, w, files); err != nil {
		return 0, errors.Wrap(err, "write nightly archive")
	}
	s.Log.Info("nightly export written", "models", len(latest))
	return len(latest), nil
}

// storedEntry streams the stored archive of m into an export lazily.
func storedEntry(ctx context.Context, store storage.BlobStore, name string, m *models.Model) archives.FileInfo {
	key := m.StorageKey()
	info := &entryInfo{name: path.Base(name), modTime: m.UploadDate}
	return archives.FileInfo{
		FileInfo:      info,
		NameInArchive: name,
		Open: func() (fs.File, error) {
			rc, size, err := store.Open(ctx, key)
			if err != nil {
				return nil, errors.Wrapf(err, "open %s", key)
			}
			info.size = size
			return &entryFile{ReadCloser: rc, info: info}, nil
		},
	}
}

func memoryEntry(name string, data []byte, modTime time.Time) archives.FileInfo {
	info := &entryInfo{name: name, size: int64(len(data)), modTime: modTime}
	return archives.FileInfo{
		FileInfo:      info,
		NameInArchive: name,
		Open: func() (fs.File, error) {
			return &entryFile{ReadCloser: io.NopCloser(bytes.NewReader(data)), info: info}, nil
		},
	}
}

type entryInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i *entryInfo) Name() string       { return i.name }
func (i *entryInfo) Size() int64        { return i.size }
func (i *entryInfo) Mode() fs.FileMode  { return 0o644 }
func (i *entryInfo) ModTime() time.Time { return i.modTime }
func (i *entryInfo) IsDir() bool        { return false }
func (i *entryInfo) Sys() any           { return nil }

type entryFile struct {
	io.ReadCloser
	info fs.FileInfo
}

func (f *entryFile) Stat() (fs.FileInfo, error) { return f.info, nil }
