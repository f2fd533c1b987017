// Package metadata turns client supplied model metadata into a validated,
// fully defaulted record.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"reservoir/internal/models"
)

// Field names a metadata field a client may supply.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldLocation    Field = "location"
	FieldCategories  Field = "categories"
	FieldTags        Field = "tags"
	FieldTranslation Field = "translation"
	FieldRotation    Field = "rotation"
	FieldScale       Field = "scale"
	FieldLicense     Field = "license"
	FieldBuildingID  Field = "building_id"
)

// BuildingIDTag is the legacy tag some clients use to carry the building identifier.
const BuildingIDTag = "building_id"

// Raw is the metadata payload as sent by clients. Unknown fields are ignored.
type Raw struct {
	Title       *string           `json:"title" validate:"omitempty,max=128"`
	Description *string           `json:"description" validate:"omitempty,max=1028"`
	Latitude    *float64          `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64          `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Categories  CategoryList      `json:"categories" validate:"omitempty,max=64,dive,max=256"`
	Tags        map[string]string `json:"tags" validate:"omitempty,dive,keys,required,max=256,endkeys,max=1024"`
	Origin      []float64         `json:"origin" validate:"omitempty,len=3"`
	Translation []float64         `json:"translation" validate:"omitempty,len=3"`
	Rotation    *float64          `json:"rotation"`
	Scale       *float64          `json:"scale" validate:"omitempty,gt=0"`
	License     *int              `json:"license" validate:"omitempty,oneof=0 1"`
	BuildingID  *string           `json:"building_id" validate:"omitempty,max=256"`

	// ClearLocation is set when latitude and longitude are both sent as null.
	ClearLocation bool `json:"-"`
}

// CategoryList accepts either a comma separated string or a list of names.
type CategoryList []string

func (c *CategoryList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	var names []string
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		names = strings.Split(s, ",")
	} else if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*c = cleanCategories(names)
	return nil
}

func cleanCategories(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Metadata is the normalized record. Every field holds a usable value;
// Provided tells which ones the client actually sent.
type Metadata struct {
	Title       string
	Description string
	Location    *Coordinates
	Categories  []string
	Tags        map[string]string
	Translation models.Vector3
	Rotation    float64
	Scale       float64
	License     models.License
	BuildingID  string

	provided map[Field]bool
}

// Provided reports whether the client supplied f.
func (m *Metadata) Provided(f Field) bool {
	return m.provided[f]
}

// Normalizer validates and defaults metadata payloads.
type Normalizer struct {
	validate *validator.Validate
}

func NewNormalizer() *Normalizer {
	return &Normalizer{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Decode parses a JSON metadata payload and normalizes it. An empty payload
// yields the defaults.
func (n *Normalizer) Decode(data []byte) (*Metadata, error) {
	raw := &Raw{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, raw); err != nil {
			return nil, models.ErrValidationFailed.New("malformed metadata: %v", err)
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(data, &fields); err == nil {
			raw.ClearLocation = sentNull(fields, "latitude") && sentNull(fields, "longitude")
		}
	}
	return n.Normalize(raw)
}

// Normalize validates raw and resolves every default.
func (n *Normalizer) Normalize(raw *Raw) (*Metadata, error) {
	if err := n.validate.Struct(raw); err != nil {
		return nil, models.ErrValidationFailed.New("%s", describe(err))
	}
	if (raw.Latitude == nil) != (raw.Longitude == nil) {
		return nil, models.ErrValidationFailed.New("latitude and longitude must be given together")
	}
	if raw.Scale != nil && *raw.Scale <= 0 {
		return nil, models.ErrValidationFailed.New("scale must be positive")
	}
	if raw.License != nil && !models.License(*raw.License).Valid() {
		return nil, models.ErrValidationFailed.New("unknown license %d", *raw.License)
	}

	md := &Metadata{
		Categories: []string{},
		Tags:       map[string]string{},
		Scale:      1,
		License:    models.LicenseCC0,
		provided:   make(map[Field]bool),
	}
	if raw.Title != nil {
		md.Title = strings.TrimSpace(*raw.Title)
		md.provided[FieldTitle] = true
	}
	if raw.Description != nil {
		md.Description = *raw.Description
		md.provided[FieldDescription] = true
	}
	switch {
	case raw.Latitude != nil:
		md.Location = &Coordinates{Latitude: *raw.Latitude, Longitude: *raw.Longitude}
		md.provided[FieldLocation] = true
	case raw.ClearLocation:
		md.provided[FieldLocation] = true
	}
	if raw.Categories != nil {
		md.Categories = append(md.Categories, raw.Categories...)
		md.provided[FieldCategories] = true
	}
	// An empty object replaces the tags; null or absent keeps them.
	if raw.Tags != nil {
		for k, v := range raw.Tags {
			md.Tags[k] = v
		}
		md.provided[FieldTags] = true
	}
	// translation wins over origin when both are present
	switch {
	case len(raw.Translation) == 3:
		md.Translation = models.Vector3{raw.Translation[0], raw.Translation[1], raw.Translation[2]}
		md.provided[FieldTranslation] = true
	case len(raw.Origin) == 3:
		md.Translation = models.Vector3{raw.Origin[0], raw.Origin[1], raw.Origin[2]}
		md.provided[FieldTranslation] = true
	}
	if raw.Rotation != nil {
		md.Rotation = *raw.Rotation
		md.provided[FieldRotation] = true
	}
	if raw.Scale != nil {
		md.Scale = *raw.Scale
		md.provided[FieldScale] = true
	}
	if raw.License != nil {
		md.License = models.License(*raw.License)
		md.provided[FieldLicense] = true
	}
	if raw.BuildingID != nil {
		md.BuildingID = strings.TrimSpace(*raw.BuildingID)
	}
	if md.BuildingID == "" {
		md.BuildingID = strings.TrimSpace(md.Tags[BuildingIDTag])
	}
	md.provided[FieldBuildingID] = md.BuildingID != ""
	return md, nil
}

func sentNull(fields map[string]interface{}, name string) bool {
	v, ok := fields[name]
	return ok && v == nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
