package services

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/mholt/archives"
	"github.com/pkg/errors"

	"reservoir/internal/cache"
	"reservoir/internal/extraction"
	"reservoir/internal/models"
	"reservoir/internal/repository"
	"reservoir/internal/storage"
	"reservoir/internal/utils"
)

// ModelService serves the read paths. Latest revisions are looked up through
// the LatestModel projection; hidden revisions do not exist for readers.
type ModelService struct {
	Models repository.ModelRepository
	Store  storage.BlobStore
	Cache  *cache.Layered
}

func NewModelService(modelRepo repository.ModelRepository, store storage.BlobStore, downloads *cache.Layered) *ModelService {
	return &ModelService{Models: modelRepo, Store: store, Cache: downloads}
}

// Get returns revision of modelID, or its latest revision when revision is 0.
func (s *ModelService) Get(ctx context.Context, modelID, revision int) (*models.Model, error) {
	var m *models.Model
	var err error
	if revision > 0 {
		m, err = s.Models.GetRevision(ctx, nil, modelID, revision)
	} else {
		m, err = s.Models.Latest(ctx, nil, modelID)
	}
	if err != nil {
		return nil, err
	}
	if m.IsHidden {
		return nil, models.ErrNotFound.New("model %d", modelID)
	}
	return m, nil
}

// Open streams the archive of a revision (latest when revision is 0).
func (s *ModelService) Open(ctx context.Context, modelID, revision int) (io.ReadCloser, int64, *models.Model, error) {
	m, err := s.Get(ctx, modelID, revision)
	if err != nil {
		return nil, 0, nil, err
	}
	key := m.StorageKey()
	load := func(ctx context.Context) (io.ReadCloser, int64, error) {
		return s.Store.Open(ctx, key)
	}
	var rc io.ReadCloser
	var size int64
	if s.Cache != nil {
		rc, size, err = s.Cache.Open(ctx, key, load)
	} else {
		rc, size, err = load(ctx)
	}
	if err != nil {
		if models.ErrNotFound.Has(err) {
			return nil, 0, nil, err
		}
		return nil, 0, nil, models.ErrStorageFailure.Wrap(err)
	}
	return rc, size, m, nil
}

// FileList returns the entry names of a revision's archive.
func (s *ModelService) FileList(ctx context.Context, modelID, revision int) ([]string, error) {
	rc, _, _, err := s.Open(ctx, modelID, revision)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	names, err := extraction.ListEntries(ctx, rc)
	if err != nil {
		return nil, models.ErrStorageFailure.Wrap(err)
	}
	return names, nil
}

// SearchBuildingID lists visible models whose latest revision carries
// buildingID, newest first.
func (s *ModelService) SearchBuildingID(ctx context.Context, buildingID string) ([]int, error) {
	return s.Models.SearchByBuildingID(ctx, nil, buildingID)
}

// ResultsPerPage is the page size of search results.
const ResultsPerPage = 20

// SearchRange lists visible models within distance meters of a point, 20 per
// page starting at page 1. The match is a bounding box, not a circle.
func (s *ModelService) SearchRange(ctx context.Context, latitude, longitude, distance float64, page int) ([]int, error) {
	switch {
	case math.IsNaN(latitude) || latitude < -90 || latitude > 90:
		return nil, models.ErrValidationFailed.New("latitude must be within [-90, 90]")
	case math.IsNaN(longitude) || longitude < -180 || longitude > 180:
		return nil, models.ErrValidationFailed.New("longitude must be within [-180, 180]")
	case math.IsNaN(distance) || math.IsInf(distance, 0) || distance < 0:
		return nil, models.ErrValidationFailed.New("range must be a non-negative distance in meters")
	case page < 1:
		return nil, models.ErrValidationFailed.New("page must be positive")
	}
	box := utils.RangeBox(latitude, longitude, distance)
	return s.Models.SearchRange(ctx, nil, box, (page-1)*ResultsPerPage, ResultsPerPage)
}

// OpenByBuildingID streams the latest archive of the newest model carrying
// buildingID.
func (s *ModelService) OpenByBuildingID(ctx context.Context, buildingID string) (io.ReadCloser, int64, *models.Model, error) {
	ids, err := s.SearchBuildingID(ctx, buildingID)
	if err != nil {
		return nil, 0, nil, err
	}
	if len(ids) == 0 {
		return nil, 0, nil, models.ErrNotFound.New("building %q", buildingID)
	}
	return s.Open(ctx, ids[0], 0)
}

func checkPage(page int) error {
	if page < 1 {
		return models.ErrValidationFailed.New("page must be positive")
	}
	return nil
}

func (s *ModelService) search(ctx context.Context, filter repository.SearchFilter, page int) ([]int, error) {
	if err := checkPage(page); err != nil {
		return nil, err
	}
	return s.Models.Search(ctx, nil, filter, (page-1)*ResultsPerPage, ResultsPerPage)
}

// LookupTag lists visible models whose latest revision carries the tag
// written as key=value.
func (s *ModelService) LookupTag(ctx context.Context, tag string, page int) ([]int, error) {
	key, value, ok := strings.Cut(tag, "=")
	if !ok || key == "" {
		return nil, models.ErrValidationFailed.New("tag must be written as key=value")
	}
	return s.search(ctx, repository.SearchFilter{TagKey: key, TagValue: value}, page)
}

func (s *ModelService) LookupCategory(ctx context.Context, category string, page int) ([]int, error) {
	if category == "" {
		return nil, models.ErrValidationFailed.New("category is required")
	}
	return s.search(ctx, repository.SearchFilter{Category: category}, page)
}

func (s *ModelService) LookupAuthor(ctx context.Context, username string, page int) ([]int, error) {
	if username == "" {
		return nil, models.ErrValidationFailed.New("username is required")
	}
	return s.search(ctx, repository.SearchFilter{Author: username}, page)
}

// SearchTitle matches title case-insensitively anywhere in the latest title.
func (s *ModelService) SearchTitle(ctx context.Context, title string, page int) ([]int, error) {
	if title == "" {
		return nil, models.ErrValidationFailed.New("title is required")
	}
	return s.search(ctx, repository.SearchFilter{Title: title}, page)
}

// GetFile returns one entry of a revision's archive (latest when revision is 0).
func (s *ModelService) GetFile(ctx context.Context, modelID, revision int, name string) ([]byte, error) {
	rc, _, _, err := s.Open(ctx, modelID, revision)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := extraction.ReadEntry(ctx, rc, name)
	if err != nil {
		if models.ErrNotFound.Has(err) {
			return nil, err
		}
		return nil, models.ErrStorageFailure.Wrap(err)
	}
	return data, nil
}

// MaxBatchBuildings bounds the building ids of one batch download.
const MaxBatchBuildings = 100

// BuildingBatch is a resolved batch download. Found maps each known building
// id to the latest revision of its newest model.
type BuildingBatch struct {
	Found   map[string]*models.Model
	Order   []string
	Missing []string
}

type batchManifestEntry struct {
	ModelID  int `json:"model_id"`
	Revision int `json:"revision"`
}

type batchManifest struct {
	Models  map[string]batchManifestEntry `json:"models"`
	Missing []string                      `json:"missing"`
}

// ResolveBuildings looks up every building id of a batch download. Unknown
// ids are reported in Missing rather than failing the batch.
func (s *ModelService) ResolveBuildings(ctx context.Context, buildingIDs []string) (*BuildingBatch, error) {
	if len(buildingIDs) == 0 {
		return nil, models.ErrValidationFailed.New("no building ids")
	}
	if len(buildingIDs) > MaxBatchBuildings {
		return nil, models.ErrValidationFailed.New("at most %d building ids per batch", MaxBatchBuildings)
	}
	batch := &BuildingBatch{Found: map[string]*models.Model{}, Missing: []string{}}
	seen := map[string]bool{}
	for _, id := range buildingIDs {
		// Entries are named after the id, so it must be a clean relative path.
		if !fs.ValidPath(id) || id == "." {
			return nil, models.ErrValidationFailed.New("invalid building id %q", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		ids, err := s.SearchBuildingID(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "search building %q", id)
		}
		if len(ids) == 0 {
			batch.Missing = append(batch.Missing, id)
			continue
		}
		m, err := s.Get(ctx, ids[0], 0)
		if models.ErrNotFound.Has(err) {
			batch.Missing = append(batch.Missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		batch.Found[id] = m
		batch.Order = append(batch.Order, id)
	}
	return batch, nil
}

// WriteBatch writes a zip holding manifest.json and {building_id}.zip for
// every building found.
func (s *ModelService) WriteBatch(ctx context.Context, w io.Writer, batch *BuildingBatch) error {
	manifest := batchManifest{Models: map[string]batchManifestEntry{}, Missing: batch.Missing}
	files := make([]archives.FileInfo, 0, len(batch.Order)+1)
	for _, id := range batch.Order {
		m := batch.Found[id]
		manifest.Models[id] = batchManifestEntry{ModelID: m.ModelID, Revision: m.Revision}
		files = append(files, storedEntry(ctx, s.Store, id+".zip", m))
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	files = append([]archives.FileInfo{memoryEntry("manifest.json", data, time.Now())}, files...)
	return errors.Wrap(exportFormat.Archive(ctx, w, files), "write batch archive")
}
