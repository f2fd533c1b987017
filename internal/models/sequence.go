package models

// ModelIDSequence is the name of the sequence row handing out model ids.
const ModelIDSequence = "model_id"

// Sequence is a named monotonically increasing counter.
type Sequence struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int    `gorm:"not null"`
}
