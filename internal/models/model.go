package models

import (
	"time"

	"gorm.io/datatypes"
)

// Model is one revision of a 3D model. Revisions of the same model share ModelID.
type Model struct {
	ID                  uint                                  `gorm:"primaryKey" json:"-"`
	ModelID             int                                   `gorm:"not null;uniqueIndex:idx_model_revision,priority:1" json:"model_id"`
	Revision            int                                   `gorm:"not null;uniqueIndex:idx_model_revision,priority:2" json:"revision"`
	Title               string                                `gorm:"size:128" json:"title"`
	Description         string                                `gorm:"size:1028" json:"description"`
	RenderedDescription string                                `gorm:"size:4096" json:"rendered_description"`
	License             License                               `gorm:"not null" json:"license"`
	Rotation            float64                               `gorm:"not null" json:"rotation"`
	Scale               float64                               `gorm:"not null" json:"scale"`
	TranslationX        float64                               `gorm:"not null" json:"-"`
	TranslationY        float64                               `gorm:"not null" json:"-"`
	TranslationZ        float64                               `gorm:"not null" json:"-"`
	Tags                datatypes.JSONType[map[string]string] `json:"tags"`
	IsHidden            bool                                  `gorm:"not null" json:"is_hidden"`
	UploadDate          time.Time                             `gorm:"not null" json:"upload_date"`
	BuildingID          string                                `gorm:"size:256;index" json:"building_id,omitempty"`

	AuthorID   uint       `gorm:"not null;index" json:"-"`
	Author     *Author    `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	LocationID *uint      `gorm:"uniqueIndex" json:"-"`
	Location   *Location  `gorm:"foreignKey:LocationID" json:"location,omitempty"`
	Categories []Category `gorm:"many2many:model_categories;joinForeignKey:ModelRowID;joinReferences:CategoryID" json:"categories,omitempty"`
}

// Location is the geolocation owned by exactly one Model revision.
type Location struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	Latitude  float64 `gorm:"not null" json:"latitude"`
	Longitude float64 `gorm:"not null" json:"longitude"`
}

// Category is a named tag shared between revisions.
type Category struct {
	ID   uint   `gorm:"primaryKey" json:"-"`
	Name string `gorm:"size:256;not null;uniqueIndex" json:"name"`
}

// LatestModel is the refreshed projection pointing at the newest revision of each model.
type LatestModel struct {
	ModelID    int       `gorm:"primaryKey;autoIncrement:false"`
	ModelRowID uint      `gorm:"not null;uniqueIndex"`
	Revision   int       `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`

	Model *Model `gorm:"foreignKey:ModelRowID"`
}

// TagMap returns the tags as a plain map, never nil.
func (m *Model) TagMap() map[string]string {
	tags := m.Tags.Data()
	if tags == nil {
		return map[string]string{}
	}
	return tags
}

// CategoryNames lists the names of the loaded categories.
func (m *Model) CategoryNames() []string {
	names := make([]string, 0, len(m.Categories))
	for _, c := range m.Categories {
		names = append(names, c.Name)
	}
	return names
}

// StorageKey is the blob key of this revision's archive.
func (m *Model) StorageKey() string {
	return ArchiveKey(m.ModelID, m.Revision)
}
