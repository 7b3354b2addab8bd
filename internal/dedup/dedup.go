// Package dedup decides whether a normalized article has already been
// ingested, within the current run and across runs via a durable key
// index.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"news_ingest/internal/domain"
)

// KeyKind distinguishes the two dedup keys stored in the index.
type KeyKind string

const (
	KindURL  KeyKind = "url"
	KindHash KeyKind = "hash"
)

// Index is the durable key→timestamp store backing cross-run dedup.
// Implementations must make Record an atomic upsert per (key, kind) so
// concurrent admission decisions stay safe without a global lock.
type Index interface {
	Seen(ctx context.Context, key string, kind KeyKind, since time.Time) (bool, error)
	Record(ctx context.Context, key string, kind KeyKind, seenAt time.Time) error
}

// TransactionManager groups the two key writes of one admission.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deduplicator serves one run. Articles are first deduplicated against
// each other in memory, so two sources reporting the same story in the
// same run cost no redundant index writes; only then is the durable
// index consulted. TTL eviction is lazy: expired keys are ignored at
// lookup, never swept.
type Deduplicator struct {
	index  Index
	tx     TransactionManager
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	admitted []domain.NormalizedArticle
	byURL    map[string]int
	byHash   map[string]int
}

func New(index Index, tx TransactionManager, ttl time.Duration, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		index:  index,
		tx:     tx,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		byURL:  make(map[string]int),
		byHash: make(map[string]int),
	}
}

// ShouldAdmit reports whether article is new. Admission records both keys
// in the durable index as a side effect. A within-run collision on the
// canonical URL is last-write-wins: the article with the richer summary
// replaces the earlier one in place, and the call still reports false.
func (d *Deduplicator) ShouldAdmit(ctx context.Context, article *domain.NormalizedArticle) (bool, error) {
	if slot, ok := d.byURL[article.CanonicalURL]; ok {
		if len(article.Summary) > len(d.admitted[slot].Summary) {
			d.logger.Debug("within-run url collision, keeping richer body",
				"canonical_url", article.CanonicalURL,
				"kept_source", article.SourceID,
			)
			if err := d.replace(ctx, slot, article); err != nil {
				return false, fmt.Errorf("record replacement hash key: %w", err)
			}
		}
		return false, nil
	}
	if _, ok := d.byHash[article.ContentHash]; ok {
		return false, nil
	}

	since := d.now().Add(-d.ttl)

	seen, err := d.index.Seen(ctx, article.CanonicalURL, KindURL, since)
	if err != nil {
		return false, fmt.Errorf("lookup url key: %w", err)
	}
	if seen {
		return false, nil
	}

	seen, err = d.index.Seen(ctx, article.ContentHash, KindHash, since)
	if err != nil {
		return false, fmt.Errorf("lookup hash key: %w", err)
	}
	if seen {
		return false, nil
	}

	if err := d.record(ctx, article); err != nil {
		return false, fmt.Errorf("record keys: %w", err)
	}

	d.admitted = append(d.admitted, *article)
	d.byURL[article.CanonicalURL] = len(d.admitted) - 1
	d.byHash[article.ContentHash] = len(d.admitted) - 1

	return true, nil
}

// Admitted returns the run's admitted articles in admission order,
// reflecting any within-run replacements.
func (d *Deduplicator) Admitted() []domain.NormalizedArticle {
	return d.admitted
}

func (d *Deduplicator) record(ctx context.Context, article *domain.NormalizedArticle) error {
	seenAt := d.now().UTC()
	return d.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := d.index.Record(txCtx, article.CanonicalURL, KindURL, seenAt); err != nil {
			return err
		}
		return d.index.Record(txCtx, article.ContentHash, KindHash, seenAt)
	})
}

// replace swaps the richer variant into the admitted slot and records its
// content hash durably. The earlier variant's keys stay recorded too, so
// neither spelling of the story can be re-admitted in a later run.
func (d *Deduplicator) replace(ctx context.Context, slot int, article *domain.NormalizedArticle) error {
	old := d.admitted[slot]
	delete(d.byHash, old.ContentHash)
	d.admitted[slot] = *article
	d.byHash[article.ContentHash] = slot
	return d.index.Record(ctx, article.ContentHash, KindHash, d.now().UTC())
}
