package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reservoir/internal/models"
	"reservoir/internal/utils"
)

// ModelRepository defines catalog operations on model revisions and the
// LatestModel projection. Every method runs inside tx when it is non-nil.
type ModelRepository interface {
	Create(ctx context.Context, tx *gorm.DB, m *models.Model) error
	Latest(ctx context.Context, tx *gorm.DB, modelID int) (*models.Model, error)
	LockLatest(ctx context.Context, tx *gorm.DB, modelID int) (*models.LatestModel, error)
	GetRevision(ctx context.Context, tx *gorm.DB, modelID, revision int) (*models.Model, error)
	GetRow(ctx context.Context, tx *gorm.DB, id uint) (*models.Model, error)
	LatestByBuildingID(ctx context.Context, tx *gorm.DB, buildingID string) (*models.Model, error)
	SearchByBuildingID(ctx context.Context, tx *gorm.DB, buildingID string) ([]int, error)
	SearchRange(ctx context.Context, tx *gorm.DB, box utils.BoundingBox, offset, limit int) ([]int, error)
	Search(ctx context.Context, tx *gorm.DB, filter SearchFilter, offset, limit int) ([]int, error)
	ListRevisions(ctx context.Context, tx *gorm.DB, modelID int, lock bool) ([]models.Model, error)
	ListLatest(ctx context.Context, tx *gorm.DB) ([]models.Model, error)
	ListAll(ctx context.Context, tx *gorm.DB) ([]models.Model, error)
	ListModelIDs(ctx context.Context, tx *gorm.DB) ([]int, error)
	NextModelID(ctx context.Context, tx *gorm.DB) (int, error)
	RefreshLatest(ctx context.Context, tx *gorm.DB, m *models.Model) error
	RecomputeLatest(ctx context.Context, tx *gorm.DB) (int, error)
	DeleteRows(ctx context.Context, tx *gorm.DB, rows []models.Model) error
}

// ModelRepositoryImpl is the gorm backed ModelRepository.
type ModelRepositoryImpl struct {
	db *gorm.DB
}

// NewModelRepository creates a new ModelRepositoryImpl instance with the provided GORM database connection.
func NewModelRepository(db *gorm.DB) *ModelRepositoryImpl {
	return &ModelRepositoryImpl{db: db}
}

func withRelations(db *gorm.DB) *gorm.DB {
	return db.Preload("Author").Preload("Location").Preload("Categories")
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound.New(format, args...)
	}
	return err
}

// Create inserts a revision together with its location and category links.
// The author must already exist.
func (r *ModelRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, m *models.Model) error {
	return conn(ctx, r.db, tx).Omit("Author").Create(m).Error
}

// Latest loads the revision the projection points at for modelID.
func (r *ModelRepositoryImpl) Latest(ctx context.Context, tx *gorm.DB, modelID int) (*models.Model, error) {
	var m models.Model
	err := withRelations(conn(ctx, r.db, tx)).
		Joins("JOIN latest_models ON latest_models.model_row_id = models.id").
		Where("latest_models.model_id = ?", modelID).
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "model %d", modelID)
	}
	return &m, nil
}

// LockLatest reads the projection row for modelID with FOR UPDATE semantics,
// serializing concurrent revisions of the same model.
func (r *ModelRepositoryImpl) LockLatest(ctx context.Context, tx *gorm.DB, modelID int) (*models.LatestModel, error) {
	var latest models.LatestModel
	err := conn(ctx, r.db, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("model_id = ?", modelID).
		First(&latest).Error
	if err != nil {
		return nil, notFound(err, "model %d", modelID)
	}
	return &latest, nil
}

func (r *ModelRepositoryImpl) GetRevision(ctx context.Context, tx *gorm.DB, modelID, revision int) (*models.Model, error) {
	var m models.Model
	err := withRelations(conn(ctx, r.db, tx)).
		Where("model_id = ? AND revision = ?", modelID, revision).
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "model %d revision %d", modelID, revision)
	}
	return &m, nil
}

func (r *ModelRepositoryImpl) GetRow(ctx context.Context, tx *gorm.DB, id uint) (*models.Model, error) {
	var m models.Model
	if err := withRelations(conn(ctx, r.db, tx)).First(&m, id).Error; err != nil {
		return nil, notFound(err, "model row %d", id)
	}
	return &m, nil
}

// LatestByBuildingID returns the newest revision, by (revision, insertion
// order), of any row carrying buildingID.
func (r *ModelRepositoryImpl) LatestByBuildingID(ctx context.Context, tx *gorm.DB, buildingID string) (*models.Model, error) {
	var m models.Model
	err := withRelations(conn(ctx, r.db, tx)).
		Where("building_id = ?", buildingID).
		Order("revision DESC").
		Order("id DESC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "building %q", buildingID)
	}
	return &m, nil
}

// SearchByBuildingID lists the visible models whose latest revision carries
// buildingID, newest model first.
func (r *ModelRepositoryImpl) SearchByBuildingID(ctx context.Context, tx *gorm.DB, buildingID string) ([]int, error) {
	ids := []int{}
	err := conn(ctx, r.db, tx).
		Model(&models.Model{}).
		Joins("JOIN latest_models ON latest_models.model_row_id = models.id").
		Where("models.building_id = ? AND models.is_hidden = ?", buildingID, false).
		Order("models.model_id DESC").
		Pluck("models.model_id", &ids).Error
	return ids, err
}

// SearchRange returns the ids of visible models whose latest revision lies
// inside box, in model id order.
func (r *ModelRepositoryImpl) SearchRange(ctx context.Context, tx *gorm.DB, box utils.BoundingBox, offset, limit int) ([]int, error) {
	q := conn(ctx, r.db, tx).
		Model(&models.Model{}).
		Joins("JOIN latest_models ON latest_models.model_row_id = models.id").
		Joins("JOIN locations ON locations.id = models.location_id").
		Where("models.is_hidden = ?", false).
		Where("locations.latitude BETWEEN ? AND ?", box.MinLatitude, box.MaxLatitude)
	if box.Wraps() {
		q = q.Where("(locations.longitude >= ? OR locations.longitude <= ?)", box.MinLongitude, box.MaxLongitude)
	} else {
		q = q.Where("locations.longitude BETWEEN ? AND ?", box.MinLongitude, box.MaxLongitude)
	}
	ids := []int{}
	err := q.Order("models.model_id").Offset(offset).Limit(limit).Pluck("models.model_id", &ids).Error
	return ids, err
}

// SearchFilter narrows Search. Empty fields do not filter.
type SearchFilter struct {
	TagKey   string
	TagValue string
	Category string
	Author   string
	// Title matches case-insensitively anywhere in the title.
	Title string
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// Search returns the ids of visible models whose latest revision matches
// every set field of filter, in model id order.
func (r *ModelRepositoryImpl) Search(ctx context.Context, tx *gorm.DB, filter SearchFilter, offset, limit int) ([]int, error) {
	q := conn(ctx, r.db, tx).
		Model(&models.Model{}).
		Joins("JOIN latest_models ON latest_models.model_row_id = models.id").
		Where("models.is_hidden = ?", false)
	if filter.TagKey != "" {
		q = q.Where(datatypes.JSONQuery("models.tags").Equals(filter.TagValue, filter.TagKey))
	}
	if filter.Category != "" {
		q = q.Joins("JOIN model_categories ON model_categories.model_row_id = models.id").
			Joins("JOIN categories ON categories.id = model_categories.category_id").
			Where("categories.name = ?", filter.Category)
	}
	if filter.Author != "" {
		q = q.Joins("JOIN authors ON authors.id = models.author_id").
			Where("authors.username = ?", filter.Author)
	}
	if filter.Title != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(filter.Title)) + "%"
		q = q.Where(`LOWER(models.title) LIKE ? ESCAPE '\'`, pattern)
	}
	ids := []int{}
	err := q.Order("models.model_id").Offset(offset).Limit(limit).Pluck("models.model_id", &ids).Error
	return ids, err
}

// ListRevisions returns every revision of modelID in revision order.
func (r *ModelRepositoryImpl) ListRevisions(ctx context.Context, tx *gorm.DB, modelID int, lock bool) ([]models.Model, error) {
	q := conn(ctx, r.db, tx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []models.Model
	err := q.Where("model_id = ?", modelID).Order("revision").Order("id").Find(&rows).Error
	return rows, err
}

// ListLatest returns the latest visible revision of every model.
func (r *ModelRepositoryImpl) ListLatest(ctx context.Context, tx *gorm.DB) ([]models.Model, error) {
	var rows []models.Model
	err := withRelations(conn(ctx, r.db, tx)).
		Joins("JOIN latest_models ON latest_models.model_row_id = models.id").
		Where("models.is_hidden = ?", false).
		Order("models.model_id").
		Find(&rows).Error
	return rows, err
}

// ListAll returns the identifying columns of every revision.
func (r *ModelRepositoryImpl) ListAll(ctx context.Context, tx *gorm.DB) ([]models.Model, error) {
	var rows []models.Model
	err := conn(ctx, r.db, tx).
		Select("id", "model_id", "revision").
		Order("model_id").Order("revision").Order("id").
		Find(&rows).Error
	return rows, err
}

func (r *ModelRepositoryImpl) ListModelIDs(ctx context.Context, tx *gorm.DB) ([]int, error) {
	ids := []int{}
	err := conn(ctx, r.db, tx).
		Model(&models.Model{}).
		Distinct("model_id").
		Order("model_id").
		Pluck("model_id", &ids).Error
	return ids, err
}

// NextModelID hands out the next model id from the sequence row. The row is
// seeded from the highest id in the catalog the first time it is used, and
// is never decremented, so ids of deleted models are not reused.
func (r *ModelRepositoryImpl) NextModelID(ctx context.Context, tx *gorm.DB) (int, error) {
	db := conn(ctx, r.db, tx)

	var highest int
	if err := db.Model(&models.Model{}).Select("COALESCE(MAX(model_id), 0)").Scan(&highest).Error; err != nil {
		return 0, err
	}
	seed := models.Sequence{Name: models.ModelIDSequence, Value: highest}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}

	var seq models.Sequence
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", models.ModelIDSequence).
		First(&seq).Error
	if err != nil {
		return 0, err
	}
	seq.Value++
	if err := db.Model(&seq).Update("value", seq.Value).Error; err != nil {
		return 0, err
	}
	return seq.Value, nil
}

// RefreshLatest points the projection for m.ModelID at m.
func (r *ModelRepositoryImpl) RefreshLatest(ctx context.Context, tx *gorm.DB, m *models.Model) error {
	row := models.LatestModel{ModelID: m.ModelID, ModelRowID: m.ID, Revision: m.Revision}
	return conn(ctx, r.db, tx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"model_row_id", "revision", "updated_at"}),
	}).Create(&row).Error
}

// RecomputeLatest rebuilds the projection from the model table and returns
// the number of projected models.
func (r *ModelRepositoryImpl) RecomputeLatest(ctx context.Context, tx *gorm.DB) (int, error) {
	db := conn(ctx, r.db, tx)
	rows, err := r.ListAll(ctx, db)
	if err != nil {
		return 0, err
	}

	latest := make(map[int]models.Model)
	order := make([]int, 0)
	for _, m := range rows {
		cur, ok := latest[m.ModelID]
		if !ok {
			order = append(order, m.ModelID)
		}
		if !ok || m.Revision > cur.Revision || (m.Revision == cur.Revision && m.ID > cur.ID) {
			latest[m.ModelID] = m
		}
	}

	if err := db.Where("1 = 1").Delete(&models.LatestModel{}).Error; err != nil {
		return 0, err
	}
	projection := make([]models.LatestModel, 0, len(order))
	for _, id := range order {
		m := latest[id]
		projection = append(projection, models.LatestModel{ModelID: m.ModelID, ModelRowID: m.ID, Revision: m.Revision})
	}
	if len(projection) > 0 {
		if err := db.CreateInBatches(&projection, 200).Error; err != nil {
			return 0, err
		}
	}
	return len(projection), nil
}

// DeleteRows removes the given revisions along with their category links,
// their projection entry and the locations they own.
func (r *ModelRepositoryImpl) DeleteRows(ctx context.Context, tx *gorm.DB, rows []models.Model) error {
	if len(rows) == 0 {
		return nil
	}
	db := conn(ctx, r.db, tx)

	ids := make([]uint, 0, len(rows))
	locationIDs := make([]uint, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.ID)
		if m.LocationID != nil {
			locationIDs = append(locationIDs, *m.LocationID)
		}
	}

	if err := db.Exec("DELETE FROM model_categories WHERE model_row_id IN ?", ids).Error; err != nil {
		return err
	}
	if err := db.Where("model_row_id IN ?", ids).Delete(&models.LatestModel{}).Error; err != nil {
		return err
	}
	if err := db.Where("id IN ?", ids).Delete(&models.Model{}).Error; err != nil {
		return err
	}
	if len(locationIDs) > 0 {
		if err := db.Where("id IN ?", locationIDs).Delete(&models.Location{}).Error; err != nil {
			return err
		}
	}
	return nil
}
