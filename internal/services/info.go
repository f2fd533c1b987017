package services

import "reservoir/internal/models"

// ModelInfo is the public description of a model revision. Translation is
// given in display convention.
type ModelInfo struct {
	ModelID             int               `json:"model_id"`
	Revision            int               `json:"revision"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	RenderedDescription string            `json:"rendered_description"`
	Author              string            `json:"author"`
	UploadDate          int64             `json:"upload_date"`
	Latitude            *float64          `json:"latitude"`
	Longitude           *float64          `json:"longitude"`
	License             models.License    `json:"license"`
	LicenseName         string            `json:"license_name"`
	Categories          []string          `json:"categories"`
	Tags                map[string]string `json:"tags"`
	Rotation            float64           `json:"rotation"`
	Scale               float64           `json:"scale"`
	Translation         models.Vector3    `json:"translation"`
	BuildingID          string            `json:"building_id,omitempty"`
}

func NewModelInfo(m *models.Model) ModelInfo {
	info := ModelInfo{
		ModelID:             m.ModelID,
		Revision:            m.Revision,
		Title:               m.Title,
		Description:         m.Description,
		RenderedDescription: m.RenderedDescription,
		UploadDate:          m.UploadDate.Unix(),
		License:             m.License,
		LicenseName:         m.License.String(),
		Categories:          m.CategoryNames(),
		Tags:                m.TagMap(),
		Rotation:            m.Rotation,
		Scale:               m.Scale,
		Translation:         m.Translation(),
		BuildingID:          m.BuildingID,
	}
	if m.Author != nil {
		info.Author = m.Author.Username
	}
	if m.Location != nil {
		lat, lon := m.Location.Latitude, m.Location.Longitude
		info.Latitude, info.Longitude = &lat, &lon
	}
	return info
}
