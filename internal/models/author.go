package models

import "time"

// Author is the identity an upload or revision is attributed to.
type Author struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Username  string    `gorm:"size:254;not null;uniqueIndex" json:"username"`
	Email     string    `gorm:"size:254;not null;uniqueIndex" json:"email"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"-"`
}
