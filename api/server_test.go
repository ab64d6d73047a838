package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/driftwoodlabs/allocator/pkg/alloc"
	"github.com/driftwoodlabs/allocator/pkg/epoch"
	"github.com/driftwoodlabs/allocator/pkg/store"
	"github.com/driftwoodlabs/allocator/pkg/sweep"
	"github.com/driftwoodlabs/allocator/pkg/testutil"
	"github.com/driftwoodlabs/allocator/pkg/vote"
)

type testHarness struct {
	server *httptest.Server
	store  *store.Memory
	clock  *clockwork.FakeClock
	sweeps *sweep.Ledger
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }

func (failingStrategy) Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
	return "", errors.New("venue unavailable")
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	log := testutil.NewLogger()
	clock := clockwork.NewFakeClock()

	m, err := store.NewMemory(store.MemoryConfig{Logger: log})
	require.NoError(t, err)

	votes, err := vote.NewLedger(vote.LedgerConfig{Logger: log, Store: m, Power: vote.FixedPowerSource(100)})
	require.NoError(t, err)

	engine, err := alloc.NewEngine(alloc.EngineConfig{Logger: log})
	require.NoError(t, err)

	sweeps, err := sweep.NewLedger(sweep.LedgerConfig{Logger: log, Store: m, Clock: clock})
	require.NoError(t, err)

	manual, err := sweep.NewManual(sweep.ManualConfig{Logger: log})
	require.NoError(t, err)
	require.NoError(t, sweeps.RegisterStrategy(manual))
	require.NoError(t, sweeps.RegisterStrategy(failingStrategy{}))

	planner, err := sweep.NewPlanner(sweep.PlannerConfig{
		Logger:     log,
		Engine:     engine,
		Ledger:     sweeps,
		Yield:      sweep.StaticYield(100),
		SampleSize: 2,
	})
	require.NoError(t, err)

	scheduler, err := epoch.NewScheduler(epoch.SchedulerConfig{
		Logger:           log,
		Clock:            clock,
		Store:            m,
		MinEpochDuration: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.AddHandler(planner))

	srv, err := NewServer(Config{
		Logger:    log,
		Store:     m,
		Votes:     votes,
		Scheduler: scheduler,
		Sweeps:    sweeps,
		Planner:   planner,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testHarness{server: ts, store: m, clock: clock, sweeps: sweeps}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestAllocator_API_Health(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAllocator_API_Votes(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/v1/collections", map[string]string{"id": "alpha"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("cast and replace", func(t *testing.T) {
		resp, body := h.do(t, http.MethodPost, "/v1/votes", map[string]any{
			"voter": "v1", "collection": "alpha", "magnitude": 5,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			NetVotes int64 `json:"net_votes"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, int64(5), out.NetVotes)

		resp, body = h.do(t, http.MethodPost, "/v1/votes", map[string]any{
			"voter": "v1", "collection": "alpha", "magnitude": -2,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &out))
		require.Equal(t, int64(-2), out.NetVotes)
	})

	t.Run("over capacity is unprocessable", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodPost, "/v1/votes", map[string]any{
			"voter": "v2", "collection": "alpha", "magnitude": 101,
		})
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("unknown collection is a bad request", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodPost, "/v1/votes", map[string]any{
			"voter": "v1", "collection": "nope", "magnitude": 1,
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing fields are a bad request", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodPost, "/v1/votes", map[string]any{"magnitude": 1})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("clear", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodDelete, "/v1/votes/v1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		_, body := h.do(t, http.MethodGet, "/v1/collections", nil)
		var cols []struct {
			ID       string `json:"id"`
			NetVotes int64  `json:"net_votes"`
		}
		require.NoError(t, json.Unmarshal(body, &cols))
		require.Len(t, cols, 1)
		require.Equal(t, int64(0), cols[0].NetVotes)
	})
}

func TestAllocator_API_Collections(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/v1/collections", map[string]string{"id": "alpha"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/collections", map[string]string{"id": "alpha"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/v1/collections/alpha", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/v1/collections/alpha", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllocator_API_EpochAndSweeps(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	for _, id := range []string{"x", "y", "z"} {
		resp, _ := h.do(t, http.MethodPost, "/v1/collections", map[string]string{"id": id})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	for voter, votes := range map[string]map[string]int64{
		"v1": {"x": 3, "y": 10},
		"v2": {"z": 6},
	} {
		for collection, magnitude := range votes {
			resp, _ := h.do(t, http.MethodPost, "/v1/votes", map[string]any{
				"voter": voter, "collection": collection, "magnitude": magnitude,
			})
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}
	}

	resp, body := h.do(t, http.MethodPost, "/v1/epoch/transition", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr map[string]uint64
	require.NoError(t, json.Unmarshal(body, &tr))
	require.Equal(t, uint64(1), tr["epoch"])

	t.Run("second transition too early", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodPost, "/v1/epoch/transition", nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("sweep registered for the outgoing epoch", func(t *testing.T) {
		resp, body := h.do(t, http.MethodGet, "/v1/sweeps/0", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var sw struct {
			Kind        string   `json:"kind"`
			Collections []string `json:"collections"`
			Amounts     []uint64 `json:"amounts"`
			Completed   bool     `json:"completed"`
		}
		require.NoError(t, json.Unmarshal(body, &sw))
		require.Equal(t, string(store.SweepProportionalSplit), sw.Kind)
		require.Equal(t, []string{"y", "z"}, sw.Collections)
		require.Equal(t, []uint64{62, 37}, sw.Amounts)
		require.False(t, sw.Completed)
	})

	t.Run("execute and refuse a repeat", func(t *testing.T) {
		resp, body := h.do(t, http.MethodPost, "/v1/sweeps/0/execute", map[string]string{"strategy": "manual"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rcpt sweep.Receipt
		require.NoError(t, json.Unmarshal(body, &rcpt))
		require.Equal(t, "manual", rcpt.Strategy)
		require.NotEmpty(t, rcpt.Message)

		resp, _ = h.do(t, http.MethodPost, "/v1/sweeps/0/execute", map[string]string{"strategy": "manual"})
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		resp, _ = h.do(t, http.MethodPost, "/v1/sweeps/0/reexecute", map[string]string{"strategy": "manual"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodPost, "/v1/sweeps/0/execute", map[string]string{"strategy": "nope"})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("strategy failure is an upstream failure", func(t *testing.T) {
		h.clock.Advance(time.Hour)
		resp, _ := h.do(t, http.MethodPost, "/v1/epoch/transition", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = h.do(t, http.MethodPost, "/v1/sweeps/1/execute", map[string]string{"strategy": "failing"})
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("missing sweep", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodGet, "/v1/sweeps/99", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid epoch parameter", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodGet, "/v1/sweeps/banana", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAllocator_API_PlannerControls(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/v1/epoch/next-kind", map[string]string{"kind": string(store.SweepSingleWinner)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/epoch/next-kind", map[string]string{"kind": "confetti"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/epoch/skip-next", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := h.do(t, http.MethodGet, "/v1/epoch/handlers", nil)
	var handlers map[string][]string
	require.NoError(t, json.Unmarshal(body, &handlers))
	require.Equal(t, []string{"sweep-planner"}, handlers["handlers"])
}

func TestAllocator_API_Liquidations(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/v1/liquidations/0", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, h.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertLiquidation(ctx, store.LiquidationSnapshot{
			Epoch: 0, Collection: "bad", NegativeVotes: -4, GrossVotes: 19, Proceeds: 100, CreatedAt: now,
		})
	}))

	resp, body := h.do(t, http.MethodGet, "/v1/liquidations/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Collection string `json:"collection"`
		Proceeds   uint64 `json:"proceeds"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "bad", out.Collection)
	require.Equal(t, uint64(100), out.Proceeds)
}

func TestAllocator_API_RateLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/votes", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	require.Equal(t, http.StatusOK, statuses[0])
	require.Equal(t, http.StatusOK, statuses[1])
	require.Equal(t, http.StatusTooManyRequests, statuses[2])

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/v1/votes", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
