package scout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/zoobzio/astql/postgres"
	"github.com/zoobzio/soy"
)

// uniqueViolation is the postgres error code for a unique constraint failure.
const uniqueViolation = "23505"

// SoyStore implements Store using soy for persistence.
type SoyStore struct {
	checkpoints *soy.Soy[Checkpoint]
	db          *sqlx.DB
}

// NewSoyStore creates a new soy-backed Store implementation.
func NewSoyStore(db *sqlx.DB) (*SoyStore, error) {
	renderer := postgres.New()

	checkpoints, err := soy.New[Checkpoint](db, "checkpoints", renderer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoints table: %w", err)
	}

	return &SoyStore{
		checkpoints: checkpoints,
		db:          db,
	}, nil
}

// SaveCheckpoint inserts cp unless the session already has a checkpoint.
// A concurrent insert that loses the race on the unique session_id
// constraint is reported as a duplicate, not an error.
func (m *SoyStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) (bool, error) {
	existing, err := m.find(ctx, cp.SessionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	if _, err := m.checkpoints.Insert().Exec(ctx, cp); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return false, nil
		}
		if again, findErr := m.find(ctx, cp.SessionID); findErr == nil && again != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return true, nil
}

// GetCheckpoint loads the checkpoint for a session.
func (m *SoyStore) GetCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	cp, err := m.find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrCheckpointNotFound)
	}
	return cp, nil
}

// ListCheckpoints returns the most recent checkpoints for a variant, newest first.
func (m *SoyStore) ListCheckpoints(ctx context.Context, variant string, limit int) ([]*Checkpoint, error) {
	if limit < 1 {
		limit = 20
	}
	cps, err := m.checkpoints.Query().
		Where("variant", "=", "variant").
		OrderBy("created_at", "desc").
		Limit(limit).
		Exec(ctx, map[string]any{"variant": variant})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return cps, nil
}

func (m *SoyStore) find(ctx context.Context, sessionID string) (*Checkpoint, error) {
	cps, err := m.checkpoints.Query().
		Where("session_id", "=", "session_id").
		Limit(1).
		Exec(ctx, map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// Close closes the underlying database connection.
func (m *SoyStore) Close() error {
	return m.db.Close()
}

var _ Store = (*SoyStore)(nil)
