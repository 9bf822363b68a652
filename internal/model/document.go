package model

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentChunk is a contiguous substring of Document.Content starting at
// byte Offset.
type DocumentChunk struct {
	Index  int    `json:"index"`
	Offset int    `json:"offset"`
	Text   string `json:"text"`
}

// Document is immutable once created; re-uploading creates a new row.
type Document struct {
	ID        uint                               `gorm:"primaryKey" json:"id"`
	Filename  string                             `gorm:"size:255;not null" json:"filename"`
	Content   string                             `gorm:"type:longtext" json:"content,omitempty"`
	Chunks    datatypes.JSONSlice[DocumentChunk] `json:"chunks,omitempty"`
	Metadata  datatypes.JSONMap                  `json:"metadata,omitempty"`
	CreatedAt time.Time                          `json:"created_at"`
}
