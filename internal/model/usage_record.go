package model

import "time"

type TurnOutcome string

const (
	OutcomeCompleted           TurnOutcome = "completed"
	OutcomeUpstreamUnavailable TurnOutcome = "upstream_unavailable"
	OutcomeUpstreamRejected    TurnOutcome = "upstream_rejected"
)

// TurnEvent is published once per orchestrated turn.
type TurnEvent struct {
	EventID          string      `json:"event_id"`
	ConversationID   uint        `json:"conversation_id"`
	MessageID        uint        `json:"message_id"`
	Outcome          TurnOutcome `json:"outcome"`
	Model            string      `json:"model,omitempty"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	UsageEstimated   bool        `json:"usage_estimated"`
	ContextTokens    int         `json:"context_tokens"`
	Truncated        bool        `json:"truncated"`
	RetrievedChunks  int         `json:"retrieved_chunks"`
	Attempts         int         `json:"attempts"`
	OccurredAt       time.Time   `json:"occurred_at"`
}

// UsageRecord is the persisted ledger row for a TurnEvent.
type UsageRecord struct {
	ID               uint        `gorm:"primaryKey" json:"id"`
	EventID          string      `gorm:"size:36;not null;uniqueIndex" json:"event_id"`
	ConversationID   uint        `gorm:"not null;index" json:"conversation_id"`
	MessageID        uint        `gorm:"not null" json:"message_id"`
	Outcome          TurnOutcome `gorm:"size:32;not null" json:"outcome"`
	Model            string      `gorm:"size:100" json:"model"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	UsageEstimated   bool        `json:"usage_estimated"`
	ContextTokens    int         `json:"context_tokens"`
	Truncated        bool        `json:"truncated"`
	RetrievedChunks  int         `json:"retrieved_chunks"`
	Attempts         int         `json:"attempts"`
	OccurredAt       time.Time   `json:"occurred_at"`
	CreatedAt        time.Time   `json:"created_at"`
}

func NewUsageRecord(e TurnEvent) UsageRecord {
	return UsageRecord{
		EventID:          e.EventID,
		ConversationID:   e.ConversationID,
		MessageID:        e.MessageID,
		Outcome:          e.Outcome,
		Model:            e.Model,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		TotalTokens:      e.TotalTokens,
		UsageEstimated:   e.UsageEstimated,
		ContextTokens:    e.ContextTokens,
		Truncated:        e.Truncated,
		RetrievedChunks:  e.RetrievedChunks,
		Attempts:         e.Attempts,
		OccurredAt:       e.OccurredAt,
	}
}
