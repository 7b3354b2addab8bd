package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"html"
	"regexp"
	"strings"

	"news_ingest/internal/domain"
)

// Reject reasons. These are counted by the coordinator, never propagated
// as pipeline failures.
var (
	ErrEmptyContent = errors.New("empty title and body")
	ErrNoUsableURL  = errors.New("no usable link url")
)

// hashBodyLimit bounds how much body text feeds the content hash. Long
// articles hash cheaply while the lead still catches near-duplicates.
const hashBodyLimit = 2000

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Normalizer converts heterogeneous RawArticle records into the canonical
// NormalizedArticle shape. Pure and deterministic, no I/O.
type Normalizer struct{}

func New() *Normalizer {
	return &Normalizer{}
}

// Normalize returns the canonical form of raw, or a reject reason
// (ErrEmptyContent, ErrNoUsableURL) when the record is unusable.
func (n *Normalizer) Normalize(raw domain.RawArticle) (*domain.NormalizedArticle, error) {
	title := CleanText(raw.Title)
	body := CleanText(raw.Body)

	if title == "" && body == "" {
		return nil, ErrEmptyContent
	}

	canonical, err := CanonicalURL(raw.LinkURL)
	if err != nil {
		return nil, ErrNoUsableURL
	}

	article := &domain.NormalizedArticle{
		CanonicalURL:           canonical,
		ContentHash:            ContentHash(raw.Title, raw.Body),
		Title:                  title,
		Summary:                body,
		SourceID:               raw.SourceID,
		Author:                 raw.Author,
		ImageURL:               raw.ImageURL,
		PublishedAt:            raw.PublishedAt,
		PublishedAtIsEstimated: false,
		FetchedAt:              raw.FetchedAt,
		RawRef:                 rawRef(raw),
	}

	if article.PublishedAt.IsZero() {
		article.PublishedAt = raw.FetchedAt
		article.PublishedAtIsEstimated = true
	}

	return article, nil
}

// ContentHash computes the secondary dedup key: a stable digest of the
// normalized title and the leading body text, catching the same story
// syndicated under a different URL.
func ContentHash(title, body string) string {
	t := strings.ToLower(CleanText(title))
	b := strings.ToLower(CleanText(body))
	if len(b) > hashBodyLimit {
		b = b[:hashBodyLimit]
	}
	sum := sha256.Sum256([]byte(t + "\n" + b))
	return hex.EncodeToString(sum[:])
}

// CleanText strips markup and collapses whitespace.
func CleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func rawRef(raw domain.RawArticle) string {
	if raw.SourceNativeID == "" {
		return raw.SourceID
	}
	return raw.SourceID + ":" + raw.SourceNativeID
}
