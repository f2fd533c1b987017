package services

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"reservoir/internal/logger"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
)

// DefaultStagingAge is how old a staged upload or an unreferenced archive
// must be before reconciliation treats it as abandoned.
const DefaultStagingAge = 6 * time.Hour

// ReconcileReport lists what a reconciliation pass found and, unless it was a
// dry run, repaired.
type ReconcileReport struct {
	DryRun      bool     `json:"dry_run"`
	Projected   int      `json:"projected"`
	StaleStaged []string `json:"stale_staged"`
	Orphans     []string `json:"orphans"`
	// Pending archives have no catalog row yet but are too young to remove.
	Pending  []string `json:"pending"`
	Dangling []string `json:"dangling"`
}

// ReconcileService repairs drift between the catalog and the blob store. It
// runs outside the request path.
type ReconcileService struct {
	DB     *gorm.DB
	Models repository.ModelRepository
	Store  storage.BlobStore
	Log    *logger.Logger
}

func NewReconcileService(db *gorm.DB, modelRepo repository.ModelRepository, store storage.BlobStore, log *logger.Logger) *ReconcileService {
	return &ReconcileService{DB: db, Models: modelRepo, Store: store, Log: log.With("service", "reconcile")}
}

// Run recomputes the LatestModel projection, drops staged uploads older than
// stagingAge, removes archives without a catalog row and reports catalog rows
// whose archive is missing. Archives younger than stagingAge are never removed:
// an upload publishes its archive before its transaction commits. A dry run
// changes nothing.
func (s *ReconcileService) Run(ctx context.Context, dryRun bool, stagingAge time.Duration) (*ReconcileReport, error) {
	report := &ReconcileReport{DryRun: dryRun, StaleStaged: []string{}, Orphans: []string{}, Pending: []string{}, Dangling: []string{}}

	if dryRun {
		ids, err := s.Models.ListModelIDs(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "list models")
		}
		report.Projected = len(ids)
	} else {
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			n, err := s.Models.RecomputeLatest(ctx, tx)
			report.Projected = n
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "recompute latest models")
		}
	}

	staged, err := s.Store.ListStaged(ctx, time.Now().Add(-stagingAge))
	if err != nil {
		return nil, errors.Wrap(err, "list staged uploads")
	}
	for _, key := range staged {
		report.StaleStaged = append(report.StaleStaged, key)
		if dryRun {
			continue
		}
		if err := s.Store.Discard(ctx, key); err != nil {
			s.Log.Warn("could not remove stale staged upload", "key", key, "error", err)
		}
	}

	if err := s.sweepArchives(ctx, dryRun, time.Now().Add(-stagingAge), report); err != nil {
		return nil, err
	}
	sort.Strings(report.StaleStaged)
	sort.Strings(report.Orphans)
	sort.Strings(report.Pending)
	sort.Strings(report.Dangling)

	s.Log.Info("reconciliation finished",
		"dry_run", dryRun,
		"projected", report.Projected,
		"stale_staged", len(report.StaleStaged),
		"orphans", len(report.Orphans),
		"pending", len(report.Pending),
		"dangling", len(report.Dangling))
	return report, nil
}

// sweepArchives compares the store with the catalog. Unreferenced archives
// modified before cutoff are orphans; younger ones are reported as pending.
func (s *ReconcileService) sweepArchives(ctx context.Context, dryRun bool, cutoff time.Time, report *ReconcileReport) error {
	aged, err := s.Store.ListBefore(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "list aged archives")
	}
	stored, err := s.Store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list stored archives")
	}
	rows, err := s.Models.ListAll(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "list catalog rows")
	}

	inCatalog := make(map[string]bool, len(rows))
	for _, m := range rows {
		inCatalog[m.StorageKey()] = true
	}
	isAged := make(map[string]bool, len(aged))
	for _, key := range aged {
		isAged[key] = true
	}
	inStore := make(map[string]bool, len(stored))
	for _, key := range stored {
		inStore[key] = true
		if inCatalog[key] {
			continue
		}
		if !isAged[key] {
			report.Pending = append(report.Pending, key)
			continue
		}
		report.Orphans = append(report.Orphans, key)
		if dryRun {
			continue
		}
		if err := s.removeOrphan(ctx, key); err != nil {
			s.Log.Warn("could not remove orphaned archive", "key", key, "error", err)
		}
	}
	for key := range inCatalog {
		if !inStore[key] {
			report.Dangling = append(report.Dangling, key)
			s.Log.Error("catalog row without archive", "key", key)
		}
	}
	return nil
}

// removeOrphan deletes key unless a row for it was committed in the meantime.
func (s *ReconcileService) removeOrphan(ctx context.Context, key string) error {
	if modelID, revision, ok := models.ParseArchiveKey(key); ok {
		_, err := s.Models.GetRevision(ctx, nil, modelID, revision)
		if err == nil {
			return nil
		}
		if !models.ErrNotFound.Has(err) {
			return err
		}
	}
	return s.Store.Remove(ctx, key)
}
