package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reservoir/internal/cache"
	"reservoir/internal/extraction"
	"reservoir/internal/logger"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
	"reservoir/internal/testutil"
)

type fixture struct {
	db       *gorm.DB
	files    *storage.FileStore
	models   *repository.ModelRepositoryImpl
	changes  *repository.ChangeRepositoryImpl
	upload   *UploadService
	deletion *DeletionService
	reads    *ModelService
	author   *models.Author
}

// flakyStore fails selected operations of a FileStore.
type flakyStore struct {
	*storage.FileStore
	failPublish   bool
	failRemoveDir bool
	// afterPublish runs once a publish succeeded, inside the upload transaction.
	afterPublish func(key string)
}

func (s *flakyStore) Publish(ctx context.Context, stagingKey, key string) error {
	if s.failPublish {
		return errors.New("disk full")
	}
	if err := s.FileStore.Publish(ctx, stagingKey, key); err != nil {
		return err
	}
	if s.afterPublish != nil {
		s.afterPublish(key)
	}
	return nil
}

func (s *flakyStore) RemoveDir(ctx context.Context, prefix string) error {
	if s.failRemoveDir {
		return errors.New("permission denied")
	}
	return s.FileStore.RemoveDir(ctx, prefix)
}

func newFixture(t *testing.T) (*fixture, *flakyStore) {
	t.Helper()
	return newFixtureOn(t, testutil.NewDB(t))
}

func newFixtureOn(t *testing.T, db *gorm.DB) (*fixture, *flakyStore) {
	t.Helper()
	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := &flakyStore{FileStore: files}

	log := logger.NewNop()
	modelRepo := repository.NewModelRepository(db)
	changeRepo := repository.NewChangeRepository(db)
	downloads := cache.NewLayered(1<<20, log, nil, cache.NewMemoryCache(1<<22, 0, nil))

	validator := extraction.NewValidator()
	validator.ScratchRoot = t.TempDir()

	author, err := repository.NewAuthorRepository(db).GetOrCreateByEmail(context.Background(), nil, "alice@example.org")
	require.NoError(t, err)

	return &fixture{
		db:      db,
		files:   files,
		models:  modelRepo,
		changes: changeRepo,
		upload: NewUploadService(db, modelRepo, repository.NewCategoryRepository(db), changeRepo,
			store, validator, t.TempDir(), log, nil),
		deletion: NewDeletionService(db, modelRepo, changeRepo, store, downloads, log, nil),
		reads:    NewModelService(modelRepo, store, downloads),
		author:   author,
	}, store
}

// scriptedModels records calls into a ModelRepository and can fail Create.
type scriptedModels struct {
	repository.ModelRepository
	mu          sync.Mutex
	calls       []string
	createErr   error
	createCalls int
}

func (m *scriptedModels) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *scriptedModels) Create(ctx context.Context, tx *gorm.DB, model *models.Model) error {
	m.record("Create")
	m.mu.Lock()
	m.createCalls++
	m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	return m.ModelRepository.Create(ctx, tx, model)
}

func (m *scriptedModels) LockLatest(ctx context.Context, tx *gorm.DB, modelID int) (*models.LatestModel, error) {
	m.record("LockLatest")
	return m.ModelRepository.LockLatest(ctx, tx, modelID)
}

func (m *scriptedModels) ListRevisions(ctx context.Context, tx *gorm.DB, modelID int, lock bool) ([]models.Model, error) {
	m.record("ListRevisions")
	return m.ModelRepository.ListRevisions(ctx, tx, modelID, lock)
}

func (f *fixture) send(t *testing.T, archive []byte, metadata string, target int) (*UploadResult, error) {
	t.Helper()
	return f.upload.Upload(context.Background(), UploadRequest{
		Archive:  bytes.NewReader(archive),
		Metadata: []byte(metadata),
		Author:   f.author,
		ModelID:  target,
	})
}

func (f *fixture) mustSend(t *testing.T, metadata string) *UploadResult {
	t.Helper()
	res, err := f.send(t, testutil.ModelArchive(t, metadata), metadata, 0)
	require.NoError(t, err)
	return res
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}
