package model

import "time"

// DefaultUsername owns conversations created without a bearer token.
const DefaultUsername = "default"

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Email        *string   `gorm:"size:255;uniqueIndex" json:"email,omitempty"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
