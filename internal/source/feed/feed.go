// Package feed implements the syndication (RSS/Atom) source adapter.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"news_ingest/internal/domain"
	"news_ingest/internal/source"
)

// Source fetches and parses one syndication feed. gofeed handles both
// RSS (RFC-822 dates) and Atom (ISO-8601 dates); entries with unparsable
// dates come through with a zero PublishedAt and the normalizer falls
// back to the fetch time.
type Source struct {
	client  *source.Client
	parser  *gofeed.Parser
	id      string
	feedURL string
	logger  *slog.Logger
}

func New(id, feedURL string, cfg source.Config, logger *slog.Logger) *Source {
	return &Source{
		client:  source.NewClient(cfg, logger.With("source", id)),
		parser:  gofeed.NewParser(),
		id:      id,
		feedURL: feedURL,
		logger:  logger.With("source", id),
	}
}

func (s *Source) ID() string {
	return s.id
}

func (s *Source) Name() string {
	return s.id + " (feed)"
}

// Fetch downloads the feed document and maps its entries onto RawArticle
// in document order.
func (s *Source) Fetch(ctx context.Context) ([]domain.RawArticle, error) {
	body, err := s.client.Get(ctx, s.feedURL, "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	parsed, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	fetchedAt := time.Now().UTC()
	articles := make([]domain.RawArticle, 0, len(parsed.Items))

	for _, item := range parsed.Items {
		article := domain.RawArticle{
			SourceID:       s.id,
			SourceNativeID: item.GUID,
			Title:          item.Title,
			Body:           itemBody(item),
			LinkURL:        item.Link,
			FetchedAt:      fetchedAt,
		}

		if item.PublishedParsed != nil {
			article.PublishedAt = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			article.PublishedAt = item.UpdatedParsed.UTC()
		}

		if len(item.Authors) > 0 && item.Authors[0].Name != "" {
			name := item.Authors[0].Name
			article.Author = &name
		}
		if item.Image != nil && item.Image.URL != "" {
			imageURL := item.Image.URL
			article.ImageURL = &imageURL
		}

		articles = append(articles, article)
	}

	s.logger.Debug("fetched feed", "entries", len(articles))

	return articles, nil
}

func itemBody(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}
