package coordinator

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"news_ingest/internal/domain"
	"news_ingest/internal/publisher"
)

// Source is one configured external feed or API. Fetch may return a
// partial article set alongside an error (e.g. quota exhaustion after
// page N); the articles are processed and the source is recorded as
// failed.
type Source interface {
	ID() string
	Name() string
	Fetch(ctx context.Context) ([]domain.RawArticle, error)
}

// Normalizer converts raw records into the canonical shape, or rejects
// them with a reason.
type Normalizer interface {
	Normalize(raw domain.RawArticle) (*domain.NormalizedArticle, error)
}

// Deduper serves a single run: admission decisions plus the accumulated
// admitted set in admission order.
type Deduper interface {
	ShouldAdmit(ctx context.Context, article *domain.NormalizedArticle) (bool, error)
	Admitted() []domain.NormalizedArticle
}

// Deliverer sends one batch to the backend, returning how many articles
// it accepted.
type Deliverer interface {
	Deliver(ctx context.Context, batch domain.DeliveryBatch) (int, error)
}

// RunStore persists run records.
type RunStore interface {
	Create(ctx context.Context, run *domain.ScrapeRun) error
	Finalize(ctx context.Context, run *domain.ScrapeRun) error
}

// Publisher announces acknowledged batches to downstream consumers.
type Publisher interface {
	PublishBatchIngested(ctx context.Context, event publisher.BatchIngestedEvent) error
}
