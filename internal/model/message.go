package model

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index:idx_messages_conversation_created" json:"conversation_id"`
	Role           Role      `gorm:"size:20;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	TokensUsed     int       `gorm:"not null;default:0" json:"tokens_used"`
	ModelUsed      *string   `gorm:"size:100" json:"model_used"`
	UsageEstimated bool      `gorm:"not null;default:false" json:"usage_estimated"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created" json:"created_at"`
}

// IsFallback reports whether m is a synthesized failure notice rather than
// model output.
func (m *Message) IsFallback() bool {
	return m.Role == RoleAssistant && m.ModelUsed == nil
}
