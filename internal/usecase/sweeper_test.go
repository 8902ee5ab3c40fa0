package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ordinal-bus/internal/domain"
	"ordinal-bus/internal/repository"
)

func TestSweepOnce_FinalizesOnlyStaleExchanges(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	stale := now.Add(-time.Hour)
	require.NoError(t, store.PutRequest(ctx, domain.Request{ID: "abandoned", Timestamp: stale, TimeoutSeconds: 60, Status: domain.StatusPending}))
	require.NoError(t, store.PutRequest(ctx, domain.Request{ID: "late-answer", Timestamp: stale, TimeoutSeconds: 60, Status: domain.StatusPending}))
	require.NoError(t, store.PutResponse(ctx, domain.Response{ID: "late-answer", Answer: "sorry, late"}))
	// Inside deadline plus grace: its Issuer may still be polling.
	require.NoError(t, store.PutRequest(ctx, domain.Request{ID: "live", Timestamp: now.Add(-5 * time.Minute), TimeoutSeconds: 60, Status: domain.StatusPending}))
	// Legacy record without a wait budget falls back to the default timeout.
	require.NoError(t, store.PutRequest(ctx, domain.Request{ID: "legacy", Timestamp: now.Add(-2 * time.Hour)}))

	w, err := NewSweeper(store, 10*time.Minute, testLogger)
	require.NoError(t, err)
	w.now = func() time.Time { return now }

	report, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{Answered: 1, TimedOut: 2}, report)

	open, err := store.ListOpenRequests(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "live", open[0].ID)

	hist, err := store.ListHistory(ctx, 0)
	require.NoError(t, err)
	statuses := map[string]domain.Status{}
	for _, ex := range hist {
		statuses[ex.Request.ID] = ex.EffectiveStatus()
	}
	require.Equal(t, map[string]domain.Status{
		"abandoned":   domain.StatusTimeout,
		"late-answer": domain.StatusAnswered,
		"legacy":      domain.StatusTimeout,
	}, statuses)

	again, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Total())
}

// staleListing archives every request right after listing it, as a racing
// Issuer would.
type staleListing struct {
	*repository.MemoryStore
}

func (s *staleListing) ListOpenRequests(ctx context.Context) ([]domain.Request, error) {
	reqs, err := s.MemoryStore.ListOpenRequests(ctx)
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if _, err := s.MemoryStore.Archive(ctx, req.ID, domain.StatusTimeout); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

func TestSweepOnce_StaleListingArchivesOnce(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore()
	require.NoError(t, mem.PutRequest(ctx, domain.Request{ID: "raced", Timestamp: time.Now().Add(-time.Hour), TimeoutSeconds: 1, Status: domain.StatusPending}))

	w, err := NewSweeper(&staleListing{MemoryStore: mem}, 0, testLogger)
	require.NoError(t, err)
	report, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Total(), "an exchange archived by someone else is not the sweeper's")

	hist, err := mem.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, domain.StatusTimeout, hist[0].Request.Status)
}

func TestSweepOnce_RunsFileStoreMaintenance(t *testing.T) {
	ctx := context.Background()
	store, err := repository.NewFileStore(t.TempDir(), testLogger)
	require.NoError(t, err)
	require.NoError(t, store.PutRequest(ctx, domain.Request{ID: "abc", Timestamp: time.Now().Add(-time.Hour), TimeoutSeconds: 1}))

	w, err := NewSweeper(store, 0, testLogger)
	require.NoError(t, err)
	report, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.TimedOut)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.Stats{History: 1}, stats)
}

func TestNewSweeper_Validation(t *testing.T) {
	_, err := NewSweeper(nil, time.Minute, nil)
	require.Error(t, err)
	_, err = NewSweeper(repository.NewMemoryStore(), -time.Second, nil)
	require.Error(t, err)
}

func TestSweeperRun_StopsOnCancel(t *testing.T) {
	w, err := NewSweeper(repository.NewMemoryStore(), time.Minute, testLogger)
	require.NoError(t, err)
	require.Error(t, w.Run(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx, time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
