package services

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"reservoir/internal/cache"
	"reservoir/internal/logger"
	"reservoir/internal/metrics"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
)

// DeletionService removes whole models: every revision row, the rows they
// own and the model's storage directory.
type DeletionService struct {
	DB      *gorm.DB
	Models  repository.ModelRepository
	Changes repository.ChangeRepository
	Store   storage.BlobStore
	Cache   *cache.Layered
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

func NewDeletionService(
	db *gorm.DB,
	modelRepo repository.ModelRepository,
	changeRepo repository.ChangeRepository,
	store storage.BlobStore,
	downloads *cache.Layered,
	log *logger.Logger,
	m *metrics.Metrics,
) *DeletionService {
	return &DeletionService{
		DB:      db,
		Models:  modelRepo,
		Changes: changeRepo,
		Store:   store,
		Cache:   downloads,
		Log:     log.With("service", "deletion"),
		Metrics: m,
	}
}

// Delete removes every revision of modelID. The catalog part is atomic. A
// storage directory that cannot be removed afterwards is logged as orphaned
// and left to reconciliation; the deletion still succeeds. Change records
// are kept with their model reference cleared.
func (s *DeletionService) Delete(ctx context.Context, modelID int) error {
	var revisions int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Revisions lock the projection row before numbering; taking it first
		// keeps a concurrent revision from adding a row this delete misses.
		if _, err := s.Models.LockLatest(ctx, tx, modelID); err != nil && !models.ErrNotFound.Has(err) {
			return errors.Wrap(err, "lock latest model")
		}
		rows, err := s.Models.ListRevisions(ctx, tx, modelID, true)
		if err != nil {
			return errors.Wrap(err, "list revisions")
		}
		if len(rows) == 0 {
			return models.ErrNotFound.New("model %d", modelID)
		}
		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := s.Changes.Detach(ctx, tx, ids); err != nil {
			return errors.Wrap(err, "detach changes")
		}
		if err := s.Models.DeleteRows(ctx, tx, rows); err != nil {
			return errors.Wrap(err, "delete rows")
		}
		revisions = len(rows)
		return nil
	})
	if err != nil {
		if models.ErrNotFound.Has(err) {
			s.Metrics.RecordDeletion("not_found")
			return err
		}
		s.Metrics.RecordDeletion("error")
		s.Log.Error("model deletion failed", "model_id", modelID, "error", err)
		return models.ErrStorageFailure.Wrap(err)
	}

	if s.Cache != nil {
		s.Cache.InvalidateModel(ctx, modelID)
	}
	prefix := models.ModelPrefix(modelID)
	if err := s.Store.RemoveDir(context.WithoutCancel(ctx), prefix); err != nil {
		s.Metrics.RecordOrphan()
		s.Log.Error("orphaned model directory", "model_id", modelID, "prefix", prefix, "error", err)
	}
	s.Metrics.RecordDeletion("ok")
	s.Log.Info("model deleted", "model_id", modelID, "revisions", revisions)
	return nil
}

// Purge deletes every model. Failures are collected per model id and do not
// stop the run.
func (s *DeletionService) Purge(ctx context.Context) (int, map[int]error, error) {
	ids, err := s.Models.ListModelIDs(ctx, nil)
	if err != nil {
		return 0, nil, errors.Wrap(err, "list models")
	}
	failures := make(map[int]error)
	deleted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, failures, err
		}
		if err := s.Delete(ctx, id); err != nil {
			failures[id] = err
			continue
		}
		deleted++
	}
	return deleted, failures, nil
}
