package services

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"reservoir/internal/extraction"
	"reservoir/internal/logger"
	"reservoir/internal/metadata"
	"reservoir/internal/metrics"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
)

// maxCommitAttempts bounds retries of a transaction that lost a unique
// constraint race.
const maxCommitAttempts = 3

// UploadRequest is one inbound upload or revision.
type UploadRequest struct {
	Archive  io.Reader
	Metadata []byte
	Author   *models.Author
	// ModelID forces a revision of that model when positive.
	ModelID int
}

// UploadResult is what callers render back to the client.
type UploadResult struct {
	ModelID    int       `json:"model_id"`
	Revision   int       `json:"revision"`
	Author     string    `json:"author"`
	UploadDate time.Time `json:"upload_date"`
}

// UploadService runs the upload pipeline: validation and normalization in
// parallel, revision resolution, then one transaction that writes the
// catalog rows and publishes the archive.
type UploadService struct {
	DB         *gorm.DB
	Models     repository.ModelRepository
	Categories repository.CategoryRepository
	Changes    repository.ChangeRepository
	Store      storage.BlobStore
	Validator  *extraction.Validator
	Normalizer *metadata.Normalizer
	Resolver   *Resolver
	ScratchDir string
	Log        *logger.Logger
	Metrics    *metrics.Metrics
}

func NewUploadService(
	db *gorm.DB,
	modelRepo repository.ModelRepository,
	categoryRepo repository.CategoryRepository,
	changeRepo repository.ChangeRepository,
	store storage.BlobStore,
	validator *extraction.Validator,
	scratchDir string,
	log *logger.Logger,
	m *metrics.Metrics,
) *UploadService {
	return &UploadService{
		DB:         db,
		Models:     modelRepo,
		Categories: categoryRepo,
		Changes:    changeRepo,
		Store:      store,
		Validator:  validator,
		Normalizer: metadata.NewNormalizer(),
		Resolver:   NewResolver(modelRepo),
		ScratchDir: scratchDir,
		Log:        log.With("service", "upload"),
		Metrics:    m,
	}
}

// Upload validates and stores one model archive. The catalog rows and the
// published archive appear together or not at all.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	start := time.Now()
	kind := ActionCreate
	if req.ModelID > 0 {
		kind = ActionRevise
	}

	result, plan, err := s.upload(ctx, req)
	if plan != nil {
		kind = plan.Action
	}
	s.Metrics.ObserveUpload(kind.String(), resultLabel(err), time.Since(start))
	switch {
	case err == nil:
		s.Log.Info("model uploaded",
			"model_id", result.ModelID, "revision", result.Revision, "author", result.Author, "action", kind.String())
	case models.ErrInvalidArchive.Has(err):
		s.Metrics.RecordRejection("invalid_archive")
		s.Log.Info("upload rejected", "reason", err.Error())
	case models.ErrValidationFailed.Has(err):
		s.Metrics.RecordRejection("validation_failed")
		s.Log.Info("upload rejected", "reason", err.Error())
	case models.ErrNotFound.Has(err):
		s.Log.Info("upload target not found", "model_id", req.ModelID)
	default:
		s.Log.Error("upload failed", "model_id", req.ModelID, "error", err)
	}
	return result, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case models.ErrInvalidArchive.Has(err), models.ErrValidationFailed.Has(err):
		return "rejected"
	case models.ErrNotFound.Has(err):
		return "not_found"
	case models.ErrConflict.Has(err):
		return "conflict"
	default:
		return "error"
	}
}

func (s *UploadService) upload(ctx context.Context, req UploadRequest) (*UploadResult, *Plan, error) {
	if req.Author == nil || req.Author.ID == 0 {
		return nil, nil, models.ErrValidationFailed.New("upload has no author")
	}
	if req.Archive == nil {
		return nil, nil, models.ErrInvalidArchive.New("no model file")
	}

	spooled, err := s.spool(req.Archive)
	if err != nil {
		return nil, nil, models.ErrUploadFailed.Wrap(errors.Wrap(err, "could not spool upload"))
	}
	defer os.Remove(spooled)

	var md *metadata.Metadata
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.Validator.ValidateArchive(gctx, spooled)
		return err
	})
	g.Go(func() error {
		var err error
		md, err = s.Normalizer.Decode(req.Metadata)
		return err
	})
	if err := g.Wait(); err != nil {
		if models.ErrInvalidArchive.Has(err) || models.ErrValidationFailed.Has(err) {
			return nil, nil, err
		}
		return nil, nil, models.ErrUploadFailed.Wrap(err)
	}

	plan, err := s.Resolver.Resolve(ctx, md, req.ModelID)
	if err != nil {
		if models.ErrNotFound.Has(err) || models.ErrValidationFailed.Has(err) {
			return nil, nil, err
		}
		return nil, nil, models.ErrUploadFailed.Wrap(err)
	}

	f, err := os.Open(spooled)
	if err != nil {
		return nil, plan, models.ErrUploadFailed.Wrap(err)
	}
	stagingKey, _, err := s.Store.Stage(ctx, f)
	f.Close()
	if err != nil {
		return nil, plan, models.ErrUploadFailed.Wrap(models.ErrStorageFailure.Wrap(err))
	}
	// After a successful publish the staged blob is gone and this is a no-op.
	defer func() {
		if err := s.Store.Discard(context.WithoutCancel(ctx), stagingKey); err != nil {
			s.Log.Warn("could not discard staged upload", "staging_key", stagingKey, "error", err)
		}
	}()

	for attempt := 1; ; attempt++ {
		result, published, err := s.commit(ctx, plan, stagingKey, req.Author)
		if err == nil {
			return result, plan, nil
		}
		if published || !errors.Is(err, gorm.ErrDuplicatedKey) {
			if models.ErrNotFound.Has(err) {
				return nil, plan, err
			}
			return nil, plan, models.ErrUploadFailed.Wrap(err)
		}
		if attempt == maxCommitAttempts {
			return nil, plan, models.ErrConflict.New("model %d: gave up after %d attempts: %v", plan.ModelID, attempt, err)
		}
		s.Log.Warn("upload lost a race, retrying", "model_id", plan.ModelID, "attempt", attempt, "error", err)
	}
}

// spool copies the request body to a private file so the validator and the
// blob store can both read it.
func (s *UploadService) spool(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.ScratchDir, "upload-*.zip")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// commit writes the catalog rows and publishes the staged archive as the last
// step of the transaction. If the commit itself fails the published archive
// is removed again. published reports whether the archive was made visible
// during this attempt.
func (s *UploadService) commit(ctx context.Context, plan *Plan, stagingKey string, author *models.Author) (*UploadResult, bool, error) {
	var result *UploadResult
	var publishedKey string

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m := plan.Draft
		m.AuthorID = author.ID
		m.UploadDate = time.Now().UTC()

		changeType := models.ChangeCreate
		switch plan.Action {
		case ActionCreate:
			id, err := s.Models.NextModelID(ctx, tx)
			if err != nil {
				return errors.Wrap(err, "allocate model id")
			}
			m.ModelID, m.Revision = id, 1
		case ActionRevise:
			latest, err := s.Models.LockLatest(ctx, tx, plan.ModelID)
			if err != nil {
				return err
			}
			m.ModelID, m.Revision = plan.ModelID, latest.Revision+1
			changeType = models.ChangeRevise
		}

		if plan.Location != nil {
			m.Location = &models.Location{Latitude: plan.Location.Latitude, Longitude: plan.Location.Longitude}
		}
		categories, err := s.Categories.GetOrCreate(ctx, tx, plan.Categories)
		if err != nil {
			return errors.Wrap(err, "resolve categories")
		}
		m.Categories = categories

		if err := s.Models.Create(ctx, tx, &m); err != nil {
			return errors.Wrapf(err, "insert model %d revision %d", m.ModelID, m.Revision)
		}
		change := &models.Change{
			AuthorID:   author.ID,
			ModelRowID: &m.ID,
			ModelID:    m.ModelID,
			Revision:   m.Revision,
			Type:       changeType,
		}
		if err := s.Changes.Create(ctx, tx, change); err != nil {
			return errors.Wrap(err, "insert change")
		}
		if err := s.Models.RefreshLatest(ctx, tx, &m); err != nil {
			return errors.Wrap(err, "refresh latest model")
		}

		key := m.StorageKey()
		if err := s.Store.Publish(ctx, stagingKey, key); err != nil {
			return models.ErrStorageFailure.Wrap(errors.Wrapf(err, "publish %s", key))
		}
		publishedKey = key

		result = &UploadResult{
			ModelID:    m.ModelID,
			Revision:   m.Revision,
			Author:     author.Username,
			UploadDate: m.UploadDate,
		}
		return nil
	})
	if err != nil && publishedKey != "" {
		if rerr := s.Store.Remove(context.WithoutCancel(ctx), publishedKey); rerr != nil {
			s.Log.Error("commit failed and published archive could not be removed",
				"key", publishedKey, "error", rerr)
		}
	}
	return result, publishedKey != "", err
}
