package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokererrors "github.com/duetai/chatbridge/internal/errors"
	"github.com/duetai/chatbridge/internal/logging"
)

const (
	svcGemini  = "chat_gemini"
	svcChatGPT = "chat_chatgpt"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	if cfg.MaxParallelPerService == 0 {
		cfg.MaxParallelPerService = 2
	}

	if cfg.RequestTTL == 0 {
		cfg.RequestTTL = time.Second
	}

	if cfg.CompletedRetention == 0 {
		cfg.CompletedRetention = time.Minute
	}

	m := NewManager(logging.Nop(), cfg, svcGemini, svcChatGPT)
	t.Cleanup(m.CancelAll)

	return m
}

type addResult struct {
	text string
	err  error
}

// startRequest runs Add in a goroutine and waits until the request has left
// the admission path (active or pending).
func startRequest(t *testing.T, m *Manager, service, id string) <-chan addResult {
	t.Helper()

	done := make(chan addResult, 1)

	go func() {
		text, err := m.Add(context.Background(), service, "test prompt", nil, id)
		done <- addResult{text: text, err: err}
	}()

	require.Eventually(t, func() bool {
		_, ok := m.Status(id)

		return ok
	}, time.Second, time.Millisecond)

	return done
}

func TestStats_EmptyManager(t *testing.T) {
	m := newTestManager(t, Config{})

	stats := m.Stats()
	require.Zero(t, stats.TotalActive)
	require.Zero(t, stats.TotalPending)
	require.Zero(t, stats.TotalCompleted)
	require.Zero(t, stats.TotalFailed)
	require.Zero(t, stats.TotalTimedOut)
}

func TestAdd_ResolveRoundTrip(t *testing.T) {
	m := newTestManager(t, Config{})

	done := startRequest(t, m, svcGemini, "req-1")

	snap, ok := m.Status("req-1")
	require.True(t, ok)
	require.Equal(t, StatusActive, snap.Status)
	require.Equal(t, 1, m.Stats().TotalActive)

	m.Resolve("req-1", "the answer")

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "the answer", res.text)
	require.Equal(t, 1, m.Stats().TotalCompleted)
}

func TestAdd_UnknownService(t *testing.T) {
	m := newTestManager(t, Config{})

	_, err := m.Add(context.Background(), "chat_other", "prompt", nil, "")
	require.ErrorIs(t, err, brokererrors.ErrUnknownService)
}

func TestAdd_GeneratesIDWhenAbsent(t *testing.T) {
	m := newTestManager(t, Config{})

	ids := make(chan string, 1)

	m.SetDispatch(func(req Snapshot) {
		ids <- req.ID
	})

	done := make(chan addResult, 1)

	go func() {
		text, err := m.Add(context.Background(), svcGemini, "p", nil, "")
		done <- addResult{text: text, err: err}
	}()

	var id string
	select {
	case id = <-ids:
	case <-time.After(time.Second):
		t.Fatal("request was never dispatched")
	}

	require.NotEmpty(t, id)

	m.Resolve(id, "ok")
	require.NoError(t, (<-done).err)
}

func TestResolve_UnknownIDIsNoOp(t *testing.T) {
	m := newTestManager(t, Config{})

	require.NotPanics(t, func() {
		m.Resolve("unknown-id", "response")
		m.Reject("unknown-id", brokererrors.ErrRequestCancelled)
	})

	require.Zero(t, m.Stats().TotalCompleted)
	require.Zero(t, m.Stats().TotalFailed)
}

func TestResolve_RaceGuard(t *testing.T) {
	m := newTestManager(t, Config{})

	done := startRequest(t, m, svcGemini, "race-1")

	m.Resolve("race-1", "first")
	m.Resolve("race-1", "second")
	m.Reject("race-1", brokererrors.ErrRequestCancelled)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "first", res.text)

	stats := m.Stats()
	require.Equal(t, 1, stats.TotalCompleted)
	require.Zero(t, stats.TotalFailed)
}

func TestReject_RaceGuard(t *testing.T) {
	m := newTestManager(t, Config{})

	done := startRequest(t, m, svcGemini, "race-2")

	m.Reject("race-2", &brokererrors.AgentError{Code: "UNKNOWN", Message: "agent failed"})
	m.Reject("race-2", &brokererrors.AgentError{Code: "UNKNOWN", Message: "late duplicate"})
	m.Resolve("race-2", "too late")

	res := <-done
	require.EqualError(t, res.err, "agent failed")

	stats := m.Stats()
	require.Equal(t, 1, stats.TotalFailed)
	require.Zero(t, stats.TotalCompleted)
}

func TestAdmission_CapacitySplitAndFIFO(t *testing.T) {
	m := newTestManager(t, Config{MaxParallelPerService: 2})

	var (
		mu        sync.Mutex
		activated []string
	)

	m.SetDispatch(func(req Snapshot) {
		mu.Lock()
		activated = append(activated, req.ID)
		mu.Unlock()
	})

	done1 := startRequest(t, m, svcGemini, "a-1")
	done2 := startRequest(t, m, svcGemini, "a-2")
	done3 := startRequest(t, m, svcGemini, "a-3")

	// Scenario A: 3 requests, capacity 2.
	stats := m.Stats()
	require.Equal(t, 2, stats.ActiveByService[svcGemini])
	require.Equal(t, 1, stats.PendingByService[svcGemini])

	// Completing one active request synchronously promotes the queued one.
	m.Resolve("a-1", "r1")
	require.NoError(t, (<-done1).err)

	stats = m.Stats()
	require.Equal(t, 2, stats.ActiveByService[svcGemini])
	require.Zero(t, stats.PendingByService[svcGemini])
	require.Equal(t, 1, stats.TotalCompleted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(activated) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"a-1", "a-2", "a-3"}, activated)
	mu.Unlock()

	m.Resolve("a-2", "r2")
	m.Resolve("a-3", "r3")
	require.NoError(t, (<-done2).err)
	require.NoError(t, (<-done3).err)
}

func TestAdmission_ServicesAreIndependent(t *testing.T) {
	m := newTestManager(t, Config{MaxParallelPerService: 1})

	done1 := startRequest(t, m, svcGemini, "g-1")
	done2 := startRequest(t, m, svcChatGPT, "c-1")

	stats := m.Stats()
	require.Equal(t, 1, stats.ActiveByService[svcGemini])
	require.Equal(t, 1, stats.ActiveByService[svcChatGPT])

	m.Resolve("g-1", "r")
	m.Resolve("c-1", "r")
	require.NoError(t, (<-done1).err)
	require.NoError(t, (<-done2).err)
}

func TestTimeout_ExpiresActiveRequest(t *testing.T) {
	m := newTestManager(t, Config{RequestTTL: 50 * time.Millisecond})

	done := startRequest(t, m, svcGemini, "ttl-1")

	res := <-done
	require.Error(t, res.err)
	require.ErrorContains(t, res.err, "timed out after 50ms")

	var timeoutErr *brokererrors.TimeoutError
	require.ErrorAs(t, res.err, &timeoutErr)
	require.EqualValues(t, 50, timeoutErr.TTLMillis)

	stats := m.Stats()
	require.Equal(t, 1, stats.TotalTimedOut)
	require.Zero(t, stats.TotalActive)
}

func TestTimeout_ResolvedRequestDoesNotTimeOut(t *testing.T) {
	m := newTestManager(t, Config{RequestTTL: 50 * time.Millisecond})

	done := startRequest(t, m, svcGemini, "ttl-2")

	m.Resolve("ttl-2", "in time")
	require.NoError(t, (<-done).err)

	// Wait past the TTL; the stopped timer must not fail the request.
	time.Sleep(100 * time.Millisecond)

	stats := m.Stats()
	require.Equal(t, 1, stats.TotalCompleted)
	require.Zero(t, stats.TotalTimedOut)
}

func TestCancel_UnknownIDReturnsFalse(t *testing.T) {
	m := newTestManager(t, Config{})

	require.False(t, m.Cancel("unknown-id"))
	require.Zero(t, m.Stats().TotalFailed)
}

func TestCancel_ActiveRequest(t *testing.T) {
	m := newTestManager(t, Config{})

	done := startRequest(t, m, svcGemini, "cancel-1")

	require.True(t, m.Cancel("cancel-1"))

	res := <-done
	require.ErrorIs(t, res.err, brokererrors.ErrRequestCancelled)
	require.Equal(t, 1, m.Stats().TotalFailed)
}

func TestCancel_PendingRequest(t *testing.T) {
	m := newTestManager(t, Config{MaxParallelPerService: 1})

	done1 := startRequest(t, m, svcGemini, "cancel-2")
	done2 := startRequest(t, m, svcGemini, "cancel-3")

	require.Equal(t, 1, m.Stats().PendingByService[svcGemini])
	require.True(t, m.Cancel("cancel-3"))

	res := <-done2
	require.ErrorIs(t, res.err, brokererrors.ErrRequestCancelled)
	require.Zero(t, m.Stats().TotalPending)

	m.Resolve("cancel-2", "r")
	require.NoError(t, (<-done1).err)
}

func TestCancelAll_RejectsEverything(t *testing.T) {
	m := newTestManager(t, Config{MaxParallelPerService: 1})

	done1 := startRequest(t, m, svcGemini, "all-1")
	done2 := startRequest(t, m, svcGemini, "all-2")

	m.CancelAll()

	// Scenario B: active work is cancelled, queued work sees shutdown.
	res1 := <-done1
	require.ErrorIs(t, res1.err, brokererrors.ErrRequestCancelled)

	res2 := <-done2
	require.ErrorIs(t, res2.err, brokererrors.ErrShuttingDown)

	stats := m.Stats()
	require.Zero(t, stats.TotalActive)
	require.Zero(t, stats.TotalPending)
}

func TestCancelAll_RejectsSubsequentAdds(t *testing.T) {
	m := newTestManager(t, Config{})

	m.CancelAll()

	_, err := m.Add(context.Background(), svcGemini, "p", nil, "late-1")
	require.ErrorIs(t, err, brokererrors.ErrShuttingDown)
}

func TestAdd_ContextCancellation(t *testing.T) {
	m := newTestManager(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan addResult, 1)

	go func() {
		text, err := m.Add(ctx, svcGemini, "p", nil, "ctx-1")
		done <- addResult{text: text, err: err}
	}()

	require.Eventually(t, func() bool { return m.Stats().TotalActive == 1 }, time.Second, time.Millisecond)

	cancel()

	res := <-done
	require.ErrorIs(t, res.err, context.Canceled)
	require.Eventually(t, func() bool { return m.Stats().TotalActive == 0 }, time.Second, time.Millisecond)
}

func TestCleanupCompleted_EvictsOldEntries(t *testing.T) {
	m := newTestManager(t, Config{CompletedRetention: 10 * time.Millisecond})

	done := startRequest(t, m, svcGemini, "old-1")
	m.Resolve("old-1", "r")
	require.NoError(t, (<-done).err)

	require.Equal(t, 1, m.Stats().TotalCompleted)

	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, m.CleanupCompleted())
	require.Zero(t, m.Stats().TotalCompleted)

	_, ok := m.Status("old-1")
	require.False(t, ok)
}

func TestDispatch_CarriesPromptAndOptions(t *testing.T) {
	m := newTestManager(t, Config{})

	snaps := make(chan Snapshot, 1)

	m.SetDispatch(func(req Snapshot) { snaps <- req })

	done := make(chan addResult, 1)

	go func() {
		text, err := m.Add(
			context.Background(),
			svcGemini,
			"explain goroutines",
			map[string]any{"temperature": 0.2},
			"disp-1",
		)
		done <- addResult{text: text, err: err}
	}()

	var got Snapshot
	select {
	case got = <-snaps:
	case <-time.After(time.Second):
		t.Fatal("request was never dispatched")
	}

	require.Equal(t, "disp-1", got.ID)
	require.Equal(t, svcGemini, got.Service)
	require.Equal(t, "explain goroutines", got.Prompt)
	require.Equal(t, map[string]any{"temperature": 0.2}, got.Options)
	require.Equal(t, StatusActive, got.Status)

	m.Resolve("disp-1", "r")
	require.NoError(t, (<-done).err)
}
