package model

import "time"

type Mode string

const (
	ModeOpen Mode = "open"
	ModeRAG  Mode = "rag"
)

func (m Mode) Valid() bool {
	return m == ModeOpen || m == ModeRAG
}

// Conversation owns its messages and document links. Mode is fixed at creation.
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"size:255" json:"title"`
	Mode      Mode      `gorm:"size:16;not null;default:open" json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`

	Messages      []Message              `gorm:"constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	DocumentLinks []ConversationDocument `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// ConversationDocument links a conversation to a shared document. Deleting
// the conversation removes the link, never the document.
type ConversationDocument struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;uniqueIndex:idx_conversation_document" json:"conversation_id"`
	DocumentID     uint      `gorm:"not null;uniqueIndex:idx_conversation_document;index" json:"document_id"`
	CreatedAt      time.Time `json:"created_at"`
}
