package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"news_ingest/internal/coordinator/mocks"
	"news_ingest/internal/domain"
	"news_ingest/internal/normalize"
	"news_ingest/internal/publisher"
	"news_ingest/internal/source/newsapi"
)

type CoordinatorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	deduper   *mocks.MockDeduper
	deliverer *mocks.MockDeliverer
	runs      *mocks.MockRunStore
	publisher *mocks.MockPublisher

	coord  *Coordinator
	logger *slog.Logger
}

func (s *CoordinatorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.deduper = mocks.NewMockDeduper(s.ctrl)
	s.deliverer = mocks.NewMockDeliverer(s.ctrl)
	s.runs = mocks.NewMockRunStore(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	coord, err := New(
		normalize.New(),
		func() Deduper { return s.deduper },
		s.deliverer,
		s.runs,
		s.publisher,
		s.logger,
		Config{MaxBatchSize: 100, ConcurrencyCeiling: 4},
	)
	s.Require().NoError(err)
	s.coord = coord

	s.runs.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	s.runs.EXPECT().Finalize(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

func (s *CoordinatorTestSuite) TearDownTest() {
	s.coord.Close()
	s.ctrl.Finish()
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}

func (s *CoordinatorTestSuite) newSource(id string, articles []domain.RawArticle, err error) *mocks.MockSource {
	src := mocks.NewMockSource(s.ctrl)
	src.EXPECT().ID().Return(id).AnyTimes()
	src.EXPECT().Name().Return(id).AnyTimes()
	src.EXPECT().Fetch(gomock.Any()).Return(articles, err)
	return src
}

func rawArticle(sourceID, title, url string) domain.RawArticle {
	return domain.RawArticle{
		SourceID:  sourceID,
		Title:     title,
		Body:      "body of " + title,
		LinkURL:   url,
		FetchedAt: time.Now().UTC(),
	}
}

// admitAll programs the deduper to admit every article and return the
// admitted set in order.
func (s *CoordinatorTestSuite) admitAll() *[]domain.NormalizedArticle {
	admitted := &[]domain.NormalizedArticle{}
	s.deduper.EXPECT().ShouldAdmit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, a *domain.NormalizedArticle) (bool, error) {
			*admitted = append(*admitted, *a)
			return true, nil
		},
	).AnyTimes()
	s.deduper.EXPECT().Admitted().DoAndReturn(func() []domain.NormalizedArticle {
		return *admitted
	}).AnyTimes()
	return admitted
}

func (s *CoordinatorTestSuite) TestRun_RejectsInvalidAndDeliversRest() {
	ctx := context.Background()

	// Three entries, one with nothing usable in it.
	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
		{SourceID: "feed-a", Title: " ", Body: "", LinkURL: "https://example.com/2", FetchedAt: time.Now()},
		rawArticle("feed-a", "Third", "https://example.com/3"),
	}, nil)

	s.admitAll()

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, batch domain.DeliveryBatch) (int, error) {
			s.Len(batch.Articles, 2)
			s.NotEmpty(batch.BatchID)
			return len(batch.Articles), nil
		},
	)
	s.publisher.EXPECT().PublishBatchIngested(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event publisher.BatchIngestedEvent) error {
			s.Equal(2, event.ArticleCount)
			s.Equal([]string{"feed-a"}, event.SourceIDs)
			s.NotEmpty(event.BatchID)
			s.NotEmpty(event.RunID)
			return nil
		},
	)

	run, err := s.coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)

	s.Equal(domain.RunStatusSuccess, run.Status)
	s.Equal(3, run.ArticlesFetched)
	s.Equal(1, run.ArticlesRejected)
	s.Equal(0, run.ArticlesDedupedOut)
	s.Equal(2, run.ArticlesDelivered)
	s.Empty(run.SourcesFailed)
	s.False(run.FinishedAt.IsZero())
}

func (s *CoordinatorTestSuite) TestRun_AllDuplicatesIsStillSuccess() {
	ctx := context.Background()

	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
		rawArticle("feed-a", "Second", "https://example.com/2"),
	}, nil)

	// Refetch five minutes later: everything matches the durable index.
	s.deduper.EXPECT().ShouldAdmit(gomock.Any(), gomock.Any()).Return(false, nil).Times(2)
	s.deduper.EXPECT().Admitted().Return(nil)

	run, err := s.coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)

	s.Equal(domain.RunStatusSuccess, run.Status)
	s.Equal(2, run.ArticlesDedupedOut)
	s.Equal(0, run.ArticlesDelivered)
}

func (s *CoordinatorTestSuite) TestRun_PartialFailureIsolation() {
	ctx := context.Background()

	failing := s.newSource("feed-a", nil, errors.New("connection refused"))
	working := s.newSource("feed-b", []domain.RawArticle{
		rawArticle("feed-b", "Still here", "https://example.com/b/1"),
	}, nil)

	s.admitAll()

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, batch domain.DeliveryBatch) (int, error) {
			return len(batch.Articles), nil
		},
	)
	s.publisher.EXPECT().PublishBatchIngested(gomock.Any(), gomock.Any()).Return(nil)

	run, err := s.coord.Run(ctx, "feeds", []Source{failing, working})
	s.NoError(err)

	s.Equal(domain.RunStatusPartial, run.Status)
	s.Equal(1, run.ArticlesDelivered)
	s.Require().Len(run.SourcesFailed, 1)
	s.Equal("feed-a", run.SourcesFailed[0].SourceID)
	s.Contains(run.SourcesFailed[0].Reason, "connection refused")
}

func (s *CoordinatorTestSuite) TestRun_QuotaExhaustionKeepsPartialSet() {
	ctx := context.Background()

	// The adapter got one page out before the daily budget ran dry.
	src := s.newSource("api-a", []domain.RawArticle{
		rawArticle("api-a", "Page one story", "https://example.com/api/1"),
	}, fmt.Errorf("fetch page 2: %w", newsapi.ErrQuotaExhausted))

	s.admitAll()

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, batch domain.DeliveryBatch) (int, error) {
			return len(batch.Articles), nil
		},
	)
	s.publisher.EXPECT().PublishBatchIngested(gomock.Any(), gomock.Any()).Return(nil)

	run, err := s.coord.Run(ctx, "apis", []Source{src})
	s.NoError(err)

	s.Equal(domain.RunStatusPartial, run.Status)
	s.Equal(1, run.ArticlesFetched)
	s.Equal(1, run.ArticlesDelivered)
	s.Require().Len(run.SourcesFailed, 1)
	s.Contains(run.SourcesFailed[0].Reason, "quota exhausted")
}

func (s *CoordinatorTestSuite) TestRun_BatchSizeBound() {
	ctx := context.Background()

	coord, err := New(
		normalize.New(),
		func() Deduper { return s.deduper },
		s.deliverer,
		s.runs,
		nil,
		s.logger,
		Config{MaxBatchSize: 2, ConcurrencyCeiling: 4},
	)
	s.Require().NoError(err)
	defer coord.Close()

	var articles []domain.RawArticle
	for i := 0; i < 5; i++ {
		articles = append(articles, rawArticle("feed-a", fmt.Sprintf("Story %d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	src := s.newSource("feed-a", articles, nil)

	s.admitAll()

	var batchSizes []int
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, batch domain.DeliveryBatch) (int, error) {
			batchSizes = append(batchSizes, len(batch.Articles))
			return len(batch.Articles), nil
		},
	).Times(3)

	run, err := coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)

	s.Equal([]int{2, 2, 1}, batchSizes)
	s.Equal(5, run.ArticlesDelivered)
	s.Equal(domain.RunStatusSuccess, run.Status)
}

func (s *CoordinatorTestSuite) TestRun_BatchFailureDoesNotBlockOthers() {
	ctx := context.Background()

	coord, err := New(
		normalize.New(),
		func() Deduper { return s.deduper },
		s.deliverer,
		s.runs,
		nil,
		s.logger,
		Config{MaxBatchSize: 1, ConcurrencyCeiling: 4},
	)
	s.Require().NoError(err)
	defer coord.Close()

	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
		rawArticle("feed-a", "Second", "https://example.com/2"),
	}, nil)

	s.admitAll()

	first := s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(0, errors.New("backend 500"))
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(1, nil).After(first)

	run, err := coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)

	s.Equal(domain.RunStatusPartial, run.Status)
	s.Equal(1, run.ArticlesDelivered)
	s.Equal(1, run.BatchesFailed)
}

func (s *CoordinatorTestSuite) TestRun_AllBatchesFailedIsFailed() {
	ctx := context.Background()

	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
	}, nil)

	s.admitAll()

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(0, errors.New("backend down"))

	run, err := s.coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)

	s.Equal(domain.RunStatusFailed, run.Status)
	s.Equal(0, run.ArticlesDelivered)
	s.Equal(1, run.BatchesFailed)
}

func (s *CoordinatorTestSuite) TestRun_NilPublisher() {
	ctx := context.Background()

	coord, err := New(
		normalize.New(),
		func() Deduper { return s.deduper },
		s.deliverer,
		s.runs,
		nil,
		s.logger,
		Config{MaxBatchSize: 100, ConcurrencyCeiling: 4},
	)
	s.Require().NoError(err)
	defer coord.Close()

	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
	}, nil)

	s.admitAll()
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(1, nil)

	run, err := coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)
	s.Equal(domain.RunStatusSuccess, run.Status)
}

func (s *CoordinatorTestSuite) TestRun_RunStoreFailuresAreNotFatal() {
	ctx := context.Background()

	coord, err := New(
		normalize.New(),
		func() Deduper { return s.deduper },
		s.deliverer,
		mockRunStoreAlwaysFailing(s.ctrl),
		nil,
		s.logger,
		Config{MaxBatchSize: 100, ConcurrencyCeiling: 4},
	)
	s.Require().NoError(err)
	defer coord.Close()

	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
	}, nil)

	s.admitAll()
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(1, nil)

	run, err := coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)
	s.Equal(domain.RunStatusSuccess, run.Status)
	s.Equal(1, run.ArticlesDelivered)
}

func (s *CoordinatorTestSuite) TestRun_PreservesOrderWithinSource() {
	ctx := context.Background()

	src := s.newSource("feed-a", []domain.RawArticle{
		rawArticle("feed-a", "First", "https://example.com/1"),
		rawArticle("feed-a", "Second", "https://example.com/2"),
		rawArticle("feed-a", "Third", "https://example.com/3"),
	}, nil)

	admitted := s.admitAll()

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(3, nil)
	s.publisher.EXPECT().PublishBatchIngested(gomock.Any(), gomock.Any()).Return(nil)

	_, err := s.coord.Run(ctx, "feeds", []Source{src})
	s.NoError(err)

	s.Require().Len(*admitted, 3)
	s.Equal("First", (*admitted)[0].Title)
	s.Equal("Second", (*admitted)[1].Title)
	s.Equal("Third", (*admitted)[2].Title)
}

func mockRunStoreAlwaysFailing(ctrl *gomock.Controller) *mocks.MockRunStore {
	store := mocks.NewMockRunStore(ctrl)
	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("db down")).AnyTimes()
	store.EXPECT().Finalize(gomock.Any(), gomock.Any()).Return(errors.New("db down")).AnyTimes()
	return store
}
