package sweep

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
	"github.com/driftwoodlabs/allocator/pkg/testutil"
)

type mockStrategy struct {
	name string
	fn   func(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error)
}

func (m *mockStrategy) Name() string { return m.name }

func (m *mockStrategy) Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
	if m.fn == nil {
		return "ok", nil
	}
	return m.fn(ctx, collections, amounts, aux, extra)
}

func newTestLedger(t *testing.T) (*Ledger, *store.Memory) {
	t.Helper()
	m, err := store.NewMemory(store.MemoryConfig{Logger: testutil.NewLogger()})
	require.NoError(t, err)
	l, err := NewLedger(LedgerConfig{Logger: testutil.NewLogger(), Store: m, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	return l, m
}

func registerSweep(t *testing.T, l *Ledger, m *store.Memory, sw store.Sweep) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.InTx(ctx, func(tx store.Tx) error {
		return l.Register(ctx, tx, sw)
	}))
}

func TestAllocator_Sweep_Register(t *testing.T) {
	t.Parallel()

	t.Run("rejects mismatched lists", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		ctx := context.Background()
		err := m.InTx(ctx, func(tx store.Tx) error {
			return l.Register(ctx, tx, store.Sweep{
				Epoch:       1,
				Kind:        store.SweepProportionalSplit,
				Collections: []string{"a", "b"},
				Amounts:     []uint64{10},
			})
		})
		require.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("rejects invalid kind", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		ctx := context.Background()
		err := m.InTx(ctx, func(tx store.Tx) error {
			return l.Register(ctx, tx, store.Sweep{Epoch: 1, Kind: "confetti"})
		})
		require.ErrorIs(t, err, ErrInvalidKind)
	})

	t.Run("one sweep per epoch", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		sw := store.Sweep{Epoch: 1, Kind: store.SweepSingleWinner, Collections: []string{"a"}, Amounts: []uint64{5}}
		registerSweep(t, l, m, sw)

		ctx := context.Background()
		err := m.InTx(ctx, func(tx store.Tx) error {
			return l.Register(ctx, tx, sw)
		})
		require.ErrorIs(t, err, store.ErrDuplicateSweep)
	})
}

func TestAllocator_Sweep_Execute(t *testing.T) {
	t.Parallel()

	baseSweep := store.Sweep{
		Epoch:       3,
		Kind:        store.SweepProportionalSplit,
		Collections: []string{"a", "b"},
		Amounts:     []uint64{60, 40},
	}

	t.Run("marks completed and records the message", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		registerSweep(t, l, m, baseSweep)

		var gotCollections []string
		var gotExtra uint64
		require.NoError(t, l.RegisterStrategy(&mockStrategy{
			name: "capture",
			fn: func(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
				gotCollections = collections
				gotExtra = extra
				return "disbursed 100", nil
			},
		}))

		rcpt, err := l.Execute(context.Background(), 3, "capture", nil, 7)
		require.NoError(t, err)
		require.Equal(t, uint64(3), rcpt.Epoch)
		require.Equal(t, "capture", rcpt.Strategy)
		require.Equal(t, "disbursed 100", rcpt.Message)
		require.Equal(t, []string{"a", "b"}, gotCollections)
		require.Equal(t, uint64(7), gotExtra)

		sw, err := l.Sweep(context.Background(), 3)
		require.NoError(t, err)
		require.True(t, sw.Completed)
		require.Equal(t, "disbursed 100", sw.Message)
		require.False(t, sw.ExecutedAt.IsZero())
	})

	t.Run("refuses a second execution", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		registerSweep(t, l, m, baseSweep)
		require.NoError(t, l.RegisterStrategy(&mockStrategy{name: "noop"}))

		_, err := l.Execute(context.Background(), 3, "noop", nil, 0)
		require.NoError(t, err)

		_, err = l.Execute(context.Background(), 3, "noop", nil, 0)
		require.ErrorIs(t, err, ErrSweepCompleted)
	})

	t.Run("strategy failure rolls back the completed marker", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		registerSweep(t, l, m, baseSweep)

		boom := errors.New("rpc timeout")
		require.NoError(t, l.RegisterStrategy(&mockStrategy{
			name: "failing",
			fn: func(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
				return "", boom
			},
		}))

		_, err := l.Execute(context.Background(), 3, "failing", nil, 0)
		require.ErrorIs(t, err, boom)

		sw, err := l.Sweep(context.Background(), 3)
		require.NoError(t, err)
		require.False(t, sw.Completed)
		require.Empty(t, sw.Message)
	})

	t.Run("failed execution counts no disbursed amount", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		registerSweep(t, l, m, baseSweep)

		// Strategy names are metric labels, so each gets a fresh counter.
		require.NoError(t, l.RegisterStrategy(&mockStrategy{
			name: "amount-failing",
			fn: func(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
				return "", errors.New("rpc timeout")
			},
		}))
		require.NoError(t, l.RegisterStrategy(&mockStrategy{name: "amount-ok"}))

		ctx := context.Background()
		_, err := l.Execute(ctx, 3, "amount-failing", nil, 5)
		require.Error(t, err)
		require.Equal(t, float64(0), promtest.ToFloat64(metrics.SweepAmountTotal.WithLabelValues("amount-failing")))

		_, err = l.Execute(ctx, 3, "amount-ok", nil, 5)
		require.NoError(t, err)
		require.Equal(t, float64(105), promtest.ToFloat64(metrics.SweepAmountTotal.WithLabelValues("amount-ok")))
	})

	t.Run("re-entrant execution is refused", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		registerSweep(t, l, m, baseSweep)

		var reentrant error
		require.NoError(t, l.RegisterStrategy(&mockStrategy{
			name: "reenter",
			fn: func(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
				_, reentrant = l.Execute(ctx, 3, "reenter", nil, 0)
				return "done", nil
			},
		}))

		_, err := l.Execute(context.Background(), 3, "reenter", nil, 0)
		require.NoError(t, err)
		require.ErrorIs(t, reentrant, ErrSweepInFlight)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		t.Parallel()

		l, m := newTestLedger(t)
		registerSweep(t, l, m, baseSweep)

		_, err := l.Execute(context.Background(), 3, "nope", nil, 0)
		require.ErrorIs(t, err, ErrUnknownStrategy)
	})

	t.Run("missing sweep", func(t *testing.T) {
		t.Parallel()

		l, _ := newTestLedger(t)
		require.NoError(t, l.RegisterStrategy(&mockStrategy{name: "noop"}))
		_, err := l.Execute(context.Background(), 99, "noop", nil, 0)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAllocator_Sweep_Reexecute(t *testing.T) {
	t.Parallel()

	l, m := newTestLedger(t)
	registerSweep(t, l, m, store.Sweep{
		Epoch:       5,
		Kind:        store.SweepSingleWinner,
		Collections: []string{"winner"},
		Amounts:     []uint64{100},
	})

	calls := 0
	require.NoError(t, l.RegisterStrategy(&mockStrategy{
		name: "counting",
		fn: func(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
			calls++
			if calls == 1 {
				return "first run", nil
			}
			return "second run", nil
		},
	}))

	ctx := context.Background()
	_, err := l.Execute(ctx, 5, "counting", nil, 0)
	require.NoError(t, err)

	// Plain Execute stays refused; the recovery path goes through.
	_, err = l.Execute(ctx, 5, "counting", nil, 0)
	require.ErrorIs(t, err, ErrSweepCompleted)

	rcpt, err := l.Reexecute(ctx, 5, "counting", nil, 0)
	require.NoError(t, err)
	require.Equal(t, "second run", rcpt.Message)
	require.Equal(t, 2, calls)

	sw, err := l.Sweep(ctx, 5)
	require.NoError(t, err)
	require.True(t, sw.Completed)
	require.Equal(t, "second run", sw.Message)
}

func TestAllocator_Sweep_StrategyRegistry(t *testing.T) {
	t.Parallel()

	t.Run("rejects duplicates", func(t *testing.T) {
		t.Parallel()

		l, _ := newTestLedger(t)
		require.NoError(t, l.RegisterStrategy(&mockStrategy{name: "s"}))
		require.ErrorIs(t, l.RegisterStrategy(&mockStrategy{name: "s"}), ErrStrategyRegistered)
	})

	t.Run("enforces the cap", func(t *testing.T) {
		t.Parallel()

		m, err := store.NewMemory(store.MemoryConfig{Logger: testutil.NewLogger()})
		require.NoError(t, err)
		l, err := NewLedger(LedgerConfig{Logger: testutil.NewLogger(), Store: m, MaxStrategies: 1})
		require.NoError(t, err)

		require.NoError(t, l.RegisterStrategy(&mockStrategy{name: "a"}))
		require.ErrorIs(t, l.RegisterStrategy(&mockStrategy{name: "b"}), ErrStrategyCapExceeded)
	})
}
