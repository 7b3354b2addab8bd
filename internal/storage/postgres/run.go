package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"news_ingest/internal/domain"
)

// RunStore persists ScrapeRun records for operational visibility.
type RunStore struct {
	db *sqlx.DB
}

func NewRunStore(db *sqlx.DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts the run in its running state at run start.
func (s *RunStore) Create(ctx context.Context, run *domain.ScrapeRun) error {
	query := `
		INSERT INTO scrape_runs (run_id, job_name, started_at, stage, status)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		run.RunID,
		run.JobName,
		run.StartedAt,
		string(run.Stage),
		string(run.Status),
	)
	return err
}

// Finalize writes the run's terminal state and counters. The record is
// immutable afterwards.
func (s *RunStore) Finalize(ctx context.Context, run *domain.ScrapeRun) error {
	failures, err := json.Marshal(run.SourcesFailed)
	if err != nil {
		return fmt.Errorf("marshal source failures: %w", err)
	}

	query := `
		UPDATE scrape_runs SET
			finished_at = $2,
			stage = $3,
			status = $4,
			sources_attempted = $5,
			sources_failed = $6,
			articles_fetched = $7,
			articles_rejected = $8,
			articles_deduped_out = $9,
			articles_delivered = $10,
			batches_failed = $11
		WHERE run_id = $1 AND finished_at IS NULL`

	_, err = GetExecutor(ctx, s.db).ExecContext(ctx, query,
		run.RunID,
		run.FinishedAt,
		string(run.Stage),
		string(run.Status),
		run.SourcesAttempted,
		failures,
		run.ArticlesFetched,
		run.ArticlesRejected,
		run.ArticlesDedupedOut,
		run.ArticlesDelivered,
		run.BatchesFailed,
	)
	return err
}

// Get loads one run by id.
func (s *RunStore) Get(ctx context.Context, runID string) (*domain.ScrapeRun, error) {
	query := `
		SELECT run_id, job_name, started_at, finished_at, stage, status,
			sources_attempted, sources_failed, articles_fetched, articles_rejected,
			articles_deduped_out, articles_delivered, batches_failed
		FROM scrape_runs
		WHERE run_id = $1`

	var row struct {
		RunID              string     `db:"run_id"`
		JobName            string     `db:"job_name"`
		StartedAt          time.Time  `db:"started_at"`
		FinishedAt         *time.Time `db:"finished_at"`
		Stage              string     `db:"stage"`
		Status             string     `db:"status"`
		SourcesAttempted   int        `db:"sources_attempted"`
		SourcesFailed      []byte     `db:"sources_failed"`
		ArticlesFetched    int        `db:"articles_fetched"`
		ArticlesRejected   int        `db:"articles_rejected"`
		ArticlesDedupedOut int        `db:"articles_deduped_out"`
		ArticlesDelivered  int        `db:"articles_delivered"`
		BatchesFailed      int        `db:"batches_failed"`
	}

	if err := s.db.GetContext(ctx, &row, query, runID); err != nil {
		return nil, err
	}

	run := &domain.ScrapeRun{
		RunID:              row.RunID,
		JobName:            row.JobName,
		StartedAt:          row.StartedAt,
		Stage:              domain.RunStage(row.Stage),
		Status:             domain.RunStatus(row.Status),
		SourcesAttempted:   row.SourcesAttempted,
		ArticlesFetched:    row.ArticlesFetched,
		ArticlesRejected:   row.ArticlesRejected,
		ArticlesDedupedOut: row.ArticlesDedupedOut,
		ArticlesDelivered:  row.ArticlesDelivered,
		BatchesFailed:      row.BatchesFailed,
	}
	if row.FinishedAt != nil {
		run.FinishedAt = *row.FinishedAt
	}
	if len(row.SourcesFailed) > 0 {
		if err := json.Unmarshal(row.SourcesFailed, &run.SourcesFailed); err != nil {
			return nil, fmt.Errorf("unmarshal source failures: %w", err)
		}
	}

	return run, nil
}
