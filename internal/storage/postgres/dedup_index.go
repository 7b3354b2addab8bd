package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"news_ingest/internal/dedup"
)

// DedupIndexStore is the durable key→timestamp index behind cross-run
// deduplication. Expired keys are filtered at lookup rather than swept,
// so the index never competes with ingestion for the table.
type DedupIndexStore struct {
	db *sqlx.DB
}

func NewDedupIndexStore(db *sqlx.DB) *DedupIndexStore {
	return &DedupIndexStore{db: db}
}

// Seen reports whether key was recorded at or after since.
func (s *DedupIndexStore) Seen(ctx context.Context, key string, kind dedup.KeyKind, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM dedup_index
			WHERE key = $1 AND kind = $2 AND seen_at >= $3
		)`

	var seen bool
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query, key, string(kind), since).Scan(&seen)
	if err != nil {
		return false, err
	}
	return seen, nil
}

// Record upserts one key atomically. Concurrent writers racing on the
// same (key, kind) both succeed with the later seen_at winning, so
// admission needs no global lock.
func (s *DedupIndexStore) Record(ctx context.Context, key string, kind dedup.KeyKind, seenAt time.Time) error {
	query := `
		INSERT INTO dedup_index (key, kind, seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, kind) DO UPDATE SET
			seen_at = GREATEST(dedup_index.seen_at, EXCLUDED.seen_at)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, key, string(kind), seenAt)
	return err
}

// DeleteExpired removes keys older than cutoff. Dedup correctness never
// depends on it; it exists for operational cleanup of a long-lived table.
func (s *DedupIndexStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dedup_index WHERE seen_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
