// Package coordinator orchestrates one ingestion run: concurrent source
// fetches, normalization, deduplication, batching and delivery, with the
// run record tracking every stage.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"news_ingest/internal/domain"
	"news_ingest/internal/publisher"
)

// Config bounds a run's resource usage.
type Config struct {
	MaxBatchSize       int
	ConcurrencyCeiling int
}

// Coordinator runs the fetch→normalize→dedupe→deliver pipeline. One
// coordinator serves many runs; the fetch pool is shared across them and
// caps outbound connections.
type Coordinator struct {
	normalizer Normalizer
	newDeduper func() Deduper
	deliverer  Deliverer
	runs       RunStore
	publisher  Publisher
	pool       *ants.Pool
	logger     *slog.Logger
	config     Config
}

// New creates a Coordinator. newDeduper must return a fresh per-run
// Deduper. publisher may be nil to disable downstream events.
func New(
	normalizer Normalizer,
	newDeduper func() Deduper,
	deliverer Deliverer,
	runs RunStore,
	pub Publisher,
	logger *slog.Logger,
	cfg Config,
) (*Coordinator, error) {
	pool, err := ants.NewPool(cfg.ConcurrencyCeiling)
	if err != nil {
		return nil, fmt.Errorf("create fetch pool: %w", err)
	}

	return &Coordinator{
		normalizer: normalizer,
		newDeduper: newDeduper,
		deliverer:  deliverer,
		runs:       runs,
		publisher:  pub,
		pool:       pool,
		logger:     logger,
		config:     cfg,
	}, nil
}

// Close releases the fetch pool.
func (c *Coordinator) Close() {
	c.pool.Release()
}

type fetchResult struct {
	articles []domain.RawArticle
	err      error
}

// Run executes one ingestion run over sources. It never propagates
// source or batch failures as errors; those degrade the run status. The
// returned error is non-nil only for cancellation between stages, and
// the run record is finalized regardless.
func (c *Coordinator) Run(ctx context.Context, jobName string, sources []Source) (*domain.ScrapeRun, error) {
	run := &domain.ScrapeRun{
		RunID:            uuid.NewString(),
		JobName:          jobName,
		StartedAt:        time.Now().UTC(),
		Stage:            domain.StageScheduled,
		Status:           domain.RunStatusRunning,
		SourcesAttempted: len(sources),
	}

	logger := c.logger.With("run_id", run.RunID, "job", jobName)
	logger.Info("starting run", "sources", len(sources))

	if err := c.runs.Create(ctx, run); err != nil {
		logger.Error("failed to persist run record", "error", err)
	}

	run.Stage = domain.StageFetching
	results := c.fetchAll(ctx, sources)

	for i, res := range results {
		run.ArticlesFetched += len(res.articles)
		if res.err != nil {
			run.SourcesFailed = append(run.SourcesFailed, domain.SourceFailure{
				SourceID: sources[i].ID(),
				Reason:   res.err.Error(),
			})
			logger.Warn("source failed",
				"source", sources[i].ID(),
				"partial_articles", len(res.articles),
				"error", res.err,
			)
		}
	}

	if err := ctx.Err(); err != nil {
		return c.finalize(ctx, run, logger), err
	}

	deduper := c.newDeduper()

	run.Stage = domain.StageNormalizing
	var normalized []domain.NormalizedArticle
	for _, res := range results {
		for _, raw := range res.articles {
			article, err := c.normalizer.Normalize(raw)
			if err != nil {
				run.ArticlesRejected++
				logger.Debug("rejected article", "source", raw.SourceID, "reason", err)
				continue
			}
			normalized = append(normalized, *article)
		}
	}

	run.Stage = domain.StageDeduping
	for i := range normalized {
		admitted, err := deduper.ShouldAdmit(ctx, &normalized[i])
		if err != nil {
			logger.Error("dedup check failed, skipping article",
				"canonical_url", normalized[i].CanonicalURL,
				"error", err,
			)
			continue
		}
		if !admitted {
			run.ArticlesDedupedOut++
		}
	}

	if err := ctx.Err(); err != nil {
		return c.finalize(ctx, run, logger), err
	}

	run.Stage = domain.StageDelivering
	c.deliverAll(ctx, run, deduper.Admitted(), logger)

	return c.finalize(ctx, run, logger), ctx.Err()
}

// fetchAll dispatches all sources onto the shared pool and joins them.
// Each source's articles keep that source's fetch order; no order is
// guaranteed across sources.
func (c *Coordinator) fetchAll(ctx context.Context, sources []Source) []fetchResult {
	results := make([]fetchResult, len(sources))
	var wg sync.WaitGroup

	for i, src := range sources {
		i, src := i, src
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			articles, err := src.Fetch(ctx)
			results[i] = fetchResult{articles: articles, err: err}
		})
		if err != nil {
			wg.Done()
			results[i] = fetchResult{err: fmt.Errorf("submit fetch: %w", err)}
		}
	}

	wg.Wait()
	return results
}

// deliverAll groups admitted articles into batches of at most
// MaxBatchSize and delivers each. One batch's failure never blocks the
// next.
func (c *Coordinator) deliverAll(ctx context.Context, run *domain.ScrapeRun, admitted []domain.NormalizedArticle, logger *slog.Logger) {
	for start := 0; start < len(admitted); start += c.config.MaxBatchSize {
		if ctx.Err() != nil {
			run.BatchesFailed++
			continue
		}

		end := start + c.config.MaxBatchSize
		if end > len(admitted) {
			end = len(admitted)
		}

		batch := domain.DeliveryBatch{
			BatchID:  uuid.NewString(),
			Articles: admitted[start:end],
		}

		accepted, err := c.deliverer.Deliver(ctx, batch)
		if err != nil {
			run.BatchesFailed++
			logger.Warn("batch delivery failed",
				"batch_id", batch.BatchID,
				"articles", len(batch.Articles),
				"error", err,
			)
			continue
		}

		run.ArticlesDelivered += accepted
		c.publishBatch(ctx, run, batch, logger)
	}
}

func (c *Coordinator) publishBatch(ctx context.Context, run *domain.ScrapeRun, batch domain.DeliveryBatch, logger *slog.Logger) {
	if c.publisher == nil {
		return
	}

	event := publisher.BatchIngestedEvent{
		RunID:        run.RunID,
		BatchID:      batch.BatchID,
		ArticleCount: len(batch.Articles),
		SourceIDs:    sourceIDs(batch.Articles),
	}
	if err := c.publisher.PublishBatchIngested(ctx, event); err != nil {
		logger.Warn("failed to publish batch event", "batch_id", batch.BatchID, "error", err)
	}
}

func (c *Coordinator) finalize(ctx context.Context, run *domain.ScrapeRun, logger *slog.Logger) *domain.ScrapeRun {
	run.Stage = domain.StageDone
	run.FinishedAt = time.Now().UTC()
	run.Status = runStatus(run)

	if err := c.runs.Finalize(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to finalize run record", "error", err)
	}

	logger.Info("run finished",
		"status", run.Status,
		"fetched", run.ArticlesFetched,
		"rejected", run.ArticlesRejected,
		"deduped_out", run.ArticlesDedupedOut,
		"delivered", run.ArticlesDelivered,
		"sources_failed", len(run.SourcesFailed),
		"batches_failed", run.BatchesFailed,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)

	return run
}

// runStatus classifies the finished run. A run with no failures is a
// success even when zero new articles showed up. Any failure alongside
// at least one delivered article degrades to partial; failed is reserved
// for runs where batches existed and none got through.
func runStatus(run *domain.ScrapeRun) domain.RunStatus {
	failures := len(run.SourcesFailed) > 0 || run.BatchesFailed > 0
	if !failures {
		return domain.RunStatusSuccess
	}
	if run.ArticlesDelivered > 0 {
		return domain.RunStatusPartial
	}
	if run.BatchesFailed > 0 {
		return domain.RunStatusFailed
	}
	return domain.RunStatusPartial
}

func sourceIDs(articles []domain.NormalizedArticle) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, a := range articles {
		if _, ok := seen[a.SourceID]; ok {
			continue
		}
		seen[a.SourceID] = struct{}{}
		ids = append(ids, a.SourceID)
	}
	return ids
}
