package models

import "time"

// ChangeType is the kind of catalog change recorded in the audit log.
type ChangeType int

const (
	ChangeCreate ChangeType = 0
	ChangeRevise ChangeType = 1
)

func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "Upload"
	case ChangeRevise:
		return "Revise"
	default:
		return "Unknown"
	}
}

// Change is an append-only audit record. ModelID and Revision are kept so the
// record stays meaningful after the model itself is deleted.
type Change struct {
	ID         uint       `gorm:"primaryKey"`
	AuthorID   uint       `gorm:"not null;index"`
	ModelRowID *uint      `gorm:"index"`
	ModelID    int        `gorm:"not null;index"`
	Revision   int        `gorm:"not null"`
	Type       ChangeType `gorm:"column:typeof;not null"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
}
