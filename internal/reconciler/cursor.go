package reconciler

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// CursorStore persists the polling cursor (the end of the last observed
// window). Persistence is best-effort: a failed save costs at most a
// re-scan of one window after restart, and duplicate events from that
// re-scan are the consumer's concern. A failed tick still advances the
// cursor; its window is never replayed.
type CursorStore interface {
	// Load returns the persisted cursor, or the zero time when none exists.
	Load(ctx context.Context) (time.Time, error)
	// Save persists the cursor.
	Save(ctx context.Context, endTime time.Time) error
}

// MemoryCursorStore holds the cursor in memory. Used by tests and by
// deployments that accept re-scanning from "now" after a restart.
type MemoryCursorStore struct {
	mu      sync.Mutex
	endTime time.Time
}

// NewMemoryCursorStore creates an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

func (m *MemoryCursorStore) Load(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endTime, nil
}

func (m *MemoryCursorStore) Save(ctx context.Context, endTime time.Time) error {
	m.mu.Lock()
	m.endTime = endTime
	m.mu.Unlock()
	return nil
}

// PostgresCursorStore persists the cursor in Postgres so a restarted
// process resumes from the last observed window edge.
type PostgresCursorStore struct {
	db *sql.DB
	id string
}

// NewPostgresCursorStore creates a cursor store keyed by session id, so
// multiple plugin instances can share one database.
func NewPostgresCursorStore(db *sql.DB, sessionID string) *PostgresCursorStore {
	return &PostgresCursorStore{db: db, id: sessionID}
}

func (p *PostgresCursorStore) Load(ctx context.Context) (time.Time, error) {
	var endTime time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT end_time FROM reconciler_cursor WHERE id = $1`, p.id,
	).Scan(&endTime)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return endTime, nil
}

func (p *PostgresCursorStore) Save(ctx context.Context, endTime time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciler_cursor (id, end_time, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET end_time = $2, updated_at = NOW()`,
		p.id, endTime)
	return err
}
