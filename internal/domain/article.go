package domain

import "time"

// RawArticle is the adapter-level shape: one fetched entry before
// normalization. Field availability varies by source; the Normalizer is
// the only consumer.
type RawArticle struct {
	SourceID       string
	SourceNativeID string // adapter-specific identifier, may be empty
	Title          string
	Body           string // full content or summary, whichever the source gives
	LinkURL        string
	Author         *string
	ImageURL       *string
	PublishedAt    time.Time // zero when the source omitted or mangled it
	FetchedAt      time.Time
}

// NormalizedArticle is the canonical downstream shape. CanonicalURL and
// ContentHash are always populated; an article that cannot satisfy that
// is rejected at normalization, never passed downstream with empty keys.
type NormalizedArticle struct {
	CanonicalURL           string    `json:"canonical_url"`
	ContentHash            string    `json:"content_hash"`
	Title                  string    `json:"title"`
	Summary                string    `json:"summary"`
	SourceID               string    `json:"source_id"`
	Author                 *string   `json:"author,omitempty"`
	ImageURL               *string   `json:"image_url,omitempty"`
	PublishedAt            time.Time `json:"published_at"`
	PublishedAtIsEstimated bool      `json:"published_at_is_estimated"`
	FetchedAt              time.Time `json:"fetched_at"`
	RawRef                 string    `json:"raw_ref,omitempty"` // points back at the source record, for debugging
}

// DeliveryBatch is the unit sent to the backend. BatchID is the
// idempotency key: the backend treats a resend of the same BatchID as a
// no-op, which is what makes at-least-once retries safe.
type DeliveryBatch struct {
	BatchID  string              `json:"batch_id"`
	Articles []NormalizedArticle `json:"articles"`
}
