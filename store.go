package scout

import (
	"context"
	"errors"
	"time"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a session.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Store defines the interface for terminal checkpoint persistence.
// Implementations must be idempotent with respect to session id.
type Store interface {
	// SaveCheckpoint writes cp unless a checkpoint for cp.SessionID already
	// exists. It reports whether a write happened.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) (bool, error)

	// GetCheckpoint loads the checkpoint for a session.
	GetCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
}

// Checkpoint is the persisted record of a terminated session.
type Checkpoint struct {
	ID          string            `db:"id" type:"uuid" constraints:"primarykey" default:"gen_random_uuid()"`
	SessionID   string            `db:"session_id" type:"text" constraints:"notnull,unique"`
	Variant     string            `db:"variant" type:"text" constraints:"notnull"`
	Termination TerminationReason `db:"termination" type:"text" constraints:"notnull"`
	Iteration   int               `db:"iteration" type:"integer" constraints:"notnull"`
	Artifact    *Artifact         `db:"artifact" type:"jsonb"`
	Quotas      QuotaUsage        `db:"quotas" type:"jsonb" default:"'[]'"`
	Transcript  Transcript        `db:"transcript" type:"jsonb" default:"'[]'"`
	CreatedAt   time.Time         `db:"created_at" type:"timestamp" constraints:"notnull"`
}

// NewCheckpoint snapshots a terminated session. Cancelled and running
// sessions are never persisted.
func NewCheckpoint(s *Session) (*Checkpoint, error) {
	switch s.Termination() {
	case "":
		return nil, invariantf("checkpoint of running session %s", s.ID)
	case TerminationCancelled:
		return nil, invariantf("checkpoint of cancelled session %s", s.ID)
	}
	return &Checkpoint{
		SessionID:   s.ID,
		Variant:     s.Variant,
		Termination: s.Termination(),
		Iteration:   s.Iteration(),
		Artifact:    s.Draft(),
		Quotas:      QuotaUsage(s.Quotas()),
		Transcript:  Transcript(s.Transcript()),
		CreatedAt:   time.Now(),
	}, nil
}
