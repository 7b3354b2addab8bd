package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"news_ingest/internal/coordinator"
	"news_ingest/internal/domain"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
	run   *domain.ScrapeRun
	err   error
}

func (f *fakeRunner) Run(_ context.Context, jobName string, _ []coordinator.Source) (*domain.ScrapeRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobName)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.run, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseCadence(t *testing.T) {
	c, err := parseCadence("@every 5m")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, c.every)
	assert.Nil(t, c.expr)

	c, err = parseCadence("*/15 * * * *")
	require.NoError(t, err)
	assert.NotNil(t, c.expr)

	_, err = parseCadence("@every soon")
	assert.Error(t, err)

	_, err = parseCadence("not a cron line")
	assert.Error(t, err)
}

func TestCadenceDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 7, 0, 0, time.UTC)

	every, err := parseCadence("@every 10m")
	require.NoError(t, err)

	assert.True(t, every.due(time.Time{}, now), "never-run job is due immediately")
	assert.False(t, every.due(now.Add(-5*time.Minute), now))
	assert.True(t, every.due(now.Add(-10*time.Minute), now))

	cron, err := parseCadence("*/15 * * * *")
	require.NoError(t, err)

	assert.True(t, cron.due(time.Time{}, now))
	assert.False(t, cron.due(now.Add(-time.Minute), now))
	assert.True(t, cron.due(now.Add(-16*time.Minute), now))
}

func TestNew_RejectsBadJobTable(t *testing.T) {
	_, err := New(&fakeRunner{}, []Job{
		{Name: "bad", Cadence: "@every nope", Enabled: true},
	}, time.Second, time.Minute, testLogger())
	assert.Error(t, err)

	_, err = New(&fakeRunner{}, []Job{
		{Name: "dup", Cadence: "@every 1m", Enabled: true},
		{Name: "dup", Cadence: "@every 2m", Enabled: true},
	}, time.Second, time.Minute, testLogger())
	assert.ErrorContains(t, err, "duplicate job")
}

func TestTriggerNow(t *testing.T) {
	runner := &fakeRunner{run: &domain.ScrapeRun{RunID: "r-1", Status: domain.RunStatusSuccess}}
	s, err := New(runner, []Job{
		{Name: "feeds", Cadence: "@every 15m", Enabled: true},
	}, time.Second, time.Minute, testLogger())
	require.NoError(t, err)

	run, err := s.TriggerNow(context.Background(), "feeds")
	require.NoError(t, err)
	assert.Equal(t, "r-1", run.RunID)
	assert.Equal(t, []string{"feeds"}, runner.calls)
}

func TestTriggerNow_UnknownJob(t *testing.T) {
	s, err := New(&fakeRunner{}, nil, time.Second, time.Minute, testLogger())
	require.NoError(t, err)

	_, err = s.TriggerNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestTriggerNow_BypassesCadenceButNotGuard(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block, run: &domain.ScrapeRun{Status: domain.RunStatusSuccess}}
	s, err := New(runner, []Job{
		{Name: "feeds", Cadence: "@every 15m", Enabled: true},
	}, time.Second, time.Minute, testLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.TriggerNow(context.Background(), "feeds")
		assert.NoError(t, err)
	}()

	// Wait for the first trigger to be inside the runner, then a second
	// trigger must be refused instead of queued.
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.TriggerNow(context.Background(), "feeds")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(block)
	<-done

	// Guard released: a fresh trigger goes through despite the cadence
	// not being due yet.
	_, err = s.TriggerNow(context.Background(), "feeds")
	assert.NoError(t, err)
	assert.Equal(t, 2, runner.callCount())
}

func TestTick_FiresDueJobsOnly(t *testing.T) {
	runner := &fakeRunner{run: &domain.ScrapeRun{Status: domain.RunStatusSuccess}}
	s, err := New(runner, []Job{
		{Name: "feeds", Cadence: "@every 15m", Enabled: true},
		{Name: "disabled", Cadence: "@every 1m", Enabled: false},
	}, time.Second, time.Minute, testLogger())
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, []string{"feeds"}, runner.calls)

	// Five minutes later the job is not due again.
	now = now.Add(5 * time.Minute)
	s.tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 1, runner.callCount())

	now = now.Add(10 * time.Minute)
	s.tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, 2, runner.callCount())
}

func TestTick_OverlapGuardSkips(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block, run: &domain.ScrapeRun{Status: domain.RunStatusSuccess}}
	s, err := New(runner, []Job{
		{Name: "slow", Cadence: "@every 1m", Enabled: true},
	}, time.Second, time.Minute, testLogger())
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	// The run outlives its cadence; the next due tick is skipped, not
	// queued behind it.
	now = now.Add(2 * time.Minute)
	s.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())

	close(block)
	s.wg.Wait()
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	runner := &fakeRunner{run: &domain.ScrapeRun{Status: domain.RunStatusSuccess}}
	s, err := New(runner, []Job{
		{Name: "feeds", Cadence: "@every 15m", Enabled: true},
	}, 10*time.Millisecond, time.Minute, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return runner.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestRunnerErrorDoesNotPoisonScheduler(t *testing.T) {
	runner := &fakeRunner{err: errors.New("run blew up")}
	s, err := New(runner, []Job{
		{Name: "feeds", Cadence: "@every 15m", Enabled: true},
	}, time.Second, time.Minute, testLogger())
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.tick(context.Background())
	s.wg.Wait()

	now = now.Add(20 * time.Minute)
	s.tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 2, runner.callCount())
}
