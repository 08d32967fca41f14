// Package transcript persists the conversation log: one entry per completed
// participant or agent turn. Interrupted agent utterances are never written
// here; a barge-in discards the partial utterance entirely.
package transcript

import (
	"context"
	"time"
)

const (
	RoleParticipant = "participant"
	RoleAgent       = "agent"
)

// Entry stores a single completed conversational turn.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Participant string    `json:"participant_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Proactive   bool      `json:"proactive"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves transcript entries.
type Store interface {
	SaveEntry(ctx context.Context, entry Entry) error
	RecentEntries(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
