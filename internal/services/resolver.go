package services

import (
	"context"

	"gorm.io/datatypes"

	"reservoir/internal/markdown"
	"reservoir/internal/metadata"
	"reservoir/internal/models"
	"reservoir/internal/repository"
)

// Action tells the upload transaction whether to start a new model or to
// append a revision to an existing one.
type Action int

const (
	ActionCreate Action = iota
	ActionRevise
)

func (a Action) String() string {
	if a == ActionRevise {
		return "revise"
	}
	return "create"
}

// Plan is the outcome of revision resolution. Draft carries every metadata
// field already merged with the prior revision; the transaction only assigns
// identifiers, the author and the upload date.
type Plan struct {
	Action     Action
	ModelID    int
	Prior      *models.Model
	Draft      models.Model
	Location   *metadata.Coordinates
	Categories []string
}

// Resolver decides between creating and revising a model.
type Resolver struct {
	Models repository.ModelRepository
}

func NewResolver(modelRepo repository.ModelRepository) *Resolver {
	return &Resolver{Models: modelRepo}
}

// Resolve plans an upload. A positive target forces a revision of that
// model; otherwise the building identifier picks an existing model, if any.
func (r *Resolver) Resolve(ctx context.Context, md *metadata.Metadata, target int) (*Plan, error) {
	var prior *models.Model
	switch {
	case target > 0:
		m, err := r.Models.Latest(ctx, nil, target)
		if err != nil {
			return nil, err
		}
		prior = m
	case md.BuildingID != "":
		match, err := r.Models.LatestByBuildingID(ctx, nil, md.BuildingID)
		if err != nil && !models.ErrNotFound.Has(err) {
			return nil, err
		}
		if match != nil {
			m, err := r.Models.Latest(ctx, nil, match.ModelID)
			if err != nil {
				return nil, err
			}
			prior = m
		}
	}

	if prior == nil {
		if md.Location == nil {
			return nil, models.ErrValidationFailed.New("latitude and longitude are required for new models")
		}
		plan := &Plan{Action: ActionCreate}
		if err := Merge(plan, nil, md); err != nil {
			return nil, err
		}
		return plan, nil
	}

	plan := &Plan{Action: ActionRevise, ModelID: prior.ModelID, Prior: prior}
	if err := Merge(plan, prior, md); err != nil {
		return nil, err
	}
	return plan, nil
}

// Merge fills plan's draft from md, taking every field md does not provide
// from prior. prior may be nil, in which case md's defaults apply.
func Merge(plan *Plan, prior *models.Model, md *metadata.Metadata) error {
	d := &plan.Draft
	if prior == nil {
		prior = &models.Model{Scale: 1, License: models.LicenseCC0}
	}

	d.Title = prior.Title
	if md.Provided(metadata.FieldTitle) {
		d.Title = md.Title
	}

	d.Description, d.RenderedDescription = prior.Description, prior.RenderedDescription
	if md.Provided(metadata.FieldDescription) {
		rendered, err := markdown.Render(md.Description)
		if err != nil {
			return models.ErrValidationFailed.New("description: %v", err)
		}
		d.Description, d.RenderedDescription = md.Description, rendered
	}

	plan.Location = nil
	if prior.Location != nil {
		plan.Location = &metadata.Coordinates{Latitude: prior.Location.Latitude, Longitude: prior.Location.Longitude}
	}
	if md.Provided(metadata.FieldLocation) {
		plan.Location = md.Location
	}

	plan.Categories = prior.CategoryNames()
	if md.Provided(metadata.FieldCategories) {
		plan.Categories = append([]string(nil), md.Categories...)
	}

	tags := prior.TagMap()
	if md.Provided(metadata.FieldTags) {
		tags = md.Tags
	}
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	d.Tags = datatypes.NewJSONType(copied)

	// stored translations are copied verbatim, new ones go through the
	// sign convention
	d.TranslationX, d.TranslationY, d.TranslationZ = prior.TranslationX, prior.TranslationY, prior.TranslationZ
	if md.Provided(metadata.FieldTranslation) {
		d.SetTranslation(md.Translation)
	}

	d.Rotation = prior.Rotation
	if md.Provided(metadata.FieldRotation) {
		d.Rotation = md.Rotation
	}
	d.Scale = prior.Scale
	if md.Provided(metadata.FieldScale) {
		d.Scale = md.Scale
	}
	d.License = prior.License
	if md.Provided(metadata.FieldLicense) {
		d.License = md.License
	}
	d.BuildingID = prior.BuildingID
	if md.Provided(metadata.FieldBuildingID) {
		d.BuildingID = md.BuildingID
	}
	d.IsHidden = prior.IsHidden
	return nil
}
