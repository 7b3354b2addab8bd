// Package newsapi implements the paginated news-aggregation API adapter.
package newsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"news_ingest/internal/domain"
	"news_ingest/internal/source"
)

// ErrQuotaExhausted marks a fetch cut short by the daily request budget.
// The articles returned alongside it are still valid and proceed through
// the pipeline; the source is recorded as a partial failure.
var ErrQuotaExhausted = errors.New("daily request quota exhausted")

// Config holds news-API source configuration.
type Config struct {
	BaseURL  string
	APIKey   string
	PageSize int
	MaxPages int
}

// Source fetches articles from a paginated, rate-limited news API. All
// instances hitting the same API share one Budget.
type Source struct {
	client   *source.Client
	id       string
	baseURL  string
	apiKey   string
	pageSize int
	maxPages int
	budget   *Budget
	logger   *slog.Logger
}

func New(id string, cfg Config, httpCfg source.Config, budget *Budget, logger *slog.Logger) *Source {
	return &Source{
		client:   source.NewClient(httpCfg, logger.With("source", id)),
		id:       id,
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
		budget:   budget,
		logger:   logger.With("source", id),
	}
}

func (s *Source) ID() string {
	return s.id
}

func (s *Source) Name() string {
	return s.id + " (news api)"
}

// Fetch pulls up to maxPages pages, stopping early when the daily budget
// runs out. On budget exhaustion it returns the pages already fetched
// together with ErrQuotaExhausted rather than failing the whole fetch.
func (s *Source) Fetch(ctx context.Context) ([]domain.RawArticle, error) {
	var all []domain.RawArticle
	fetchedAt := time.Now().UTC()

	for page := 1; page <= s.maxPages; page++ {
		if !s.budget.Take() {
			s.logger.Warn("quota exhausted mid-pagination",
				"page", page,
				"fetched_so_far", len(all),
			)
			return all, ErrQuotaExhausted
		}

		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			return all, fmt.Errorf("fetch page %d: %w", page, err)
		}

		all = append(all, s.transform(resp.Articles, fetchedAt)...)

		s.logger.Debug("fetched page",
			"page", page,
			"articles", len(resp.Articles),
			"total", len(all),
		)

		if page*s.pageSize >= resp.TotalResults || len(resp.Articles) == 0 {
			break
		}
	}

	return all, nil
}

func (s *Source) fetchPage(ctx context.Context, page int) (*apiResponse, error) {
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(s.pageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("apiKey", s.apiKey)

	body, err := s.client.Get(ctx, s.baseURL+"?"+params.Encode(), "application/json")
	if err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("api status %q", resp.Status)
	}

	return &resp, nil
}

func (s *Source) transform(items []apiArticle, fetchedAt time.Time) []domain.RawArticle {
	articles := make([]domain.RawArticle, 0, len(items))

	for _, item := range items {
		article := domain.RawArticle{
			SourceID:    s.id,
			Title:       item.Title,
			Body:        itemBody(item),
			LinkURL:     item.URL,
			PublishedAt: item.PublishedAt.UTC(),
			FetchedAt:   fetchedAt,
		}

		if item.Author != "" {
			author := item.Author
			article.Author = &author
		}
		if item.URLToImage != "" {
			imageURL := item.URLToImage
			article.ImageURL = &imageURL
		}

		articles = append(articles, article)
	}

	return articles
}

func itemBody(item apiArticle) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}
