// Package sweep records and executes disbursement decisions. A sweep is
// registered once per epoch during the epoch transition and later executed by
// an operator through one of the pluggable disbursement strategies.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
)

var (
	ErrLengthMismatch      = errors.New("collections and amounts must have equal length")
	ErrInvalidKind         = errors.New("invalid sweep kind")
	ErrSweepInFlight       = errors.New("sweep execution already in flight")
	ErrSweepCompleted      = errors.New("sweep already completed")
	ErrUnknownStrategy     = errors.New("strategy not registered")
	ErrStrategyRegistered  = errors.New("strategy already registered")
	ErrStrategyCapExceeded = errors.New("maximum registered strategies reached")
)

// Strategy executes a disbursement. Implementations must be safe to call a
// second time with identical inputs (the recovery path re-executes completed
// sweeps) and must not retain unspent value.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error)
}

// Receipt describes a finished sweep execution.
type Receipt struct {
	Epoch      uint64    `json:"epoch"`
	Strategy   string    `json:"strategy"`
	Message    string    `json:"message"`
	ExecutedAt time.Time `json:"executed_at"`
}

// LedgerConfig holds the sweep ledger configuration.
type LedgerConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock

	// MaxStrategies caps the strategy registry.
	MaxStrategies int
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxStrategies <= 0 {
		cfg.MaxStrategies = 16
	}
	return nil
}

type Ledger struct {
	log *slog.Logger
	cfg LedgerConfig

	mu         sync.Mutex
	strategies map[string]Strategy
	inflight   map[uint64]struct{}
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		log:        cfg.Logger,
		cfg:        cfg,
		strategies: make(map[string]Strategy),
		inflight:   make(map[uint64]struct{}),
	}, nil
}

// RegisterStrategy adds a strategy to the registry, selected by name at
// execution time.
func (l *Ledger) RegisterStrategy(s Strategy) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.strategies[s.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrStrategyRegistered, s.Name())
	}
	if len(l.strategies) >= l.cfg.MaxStrategies {
		return fmt.Errorf("%w (%d)", ErrStrategyCapExceeded, l.cfg.MaxStrategies)
	}
	l.strategies[s.Name()] = s
	l.log.Info("disbursement strategy registered", "strategy", s.Name())
	return nil
}

// Strategies returns the registered strategy names.
func (l *Ledger) Strategies() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.strategies))
	for name := range l.strategies {
		names = append(names, name)
	}
	return names
}

// Register writes the sweep for its epoch inside the caller's transaction.
// One sweep per epoch; collections and amounts are parallel lists.
func (l *Ledger) Register(ctx context.Context, tx store.Tx, s store.Sweep) error {
	if len(s.Collections) != len(s.Amounts) {
		return fmt.Errorf("%w: %d collections, %d amounts", ErrLengthMismatch, len(s.Collections), len(s.Amounts))
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind)
	}
	s.CreatedAt = l.cfg.Clock.Now()
	if err := tx.InsertSweep(ctx, s); err != nil {
		return err
	}
	l.log.Info("sweep registered", "epoch", s.Epoch, "kind", s.Kind, "collections", len(s.Collections))
	return nil
}

// Sweep returns the registered sweep for an epoch.
func (l *Ledger) Sweep(ctx context.Context, epoch uint64) (store.Sweep, error) {
	return l.cfg.Store.Sweep(ctx, epoch)
}

// Execute runs the named strategy for the epoch's sweep. It fails with
// ErrSweepCompleted if the sweep has already been executed and with
// ErrSweepInFlight on concurrent or re-entrant execution of the same epoch.
// Extra is an out-of-band top-up passed through to the strategy.
func (l *Ledger) Execute(ctx context.Context, epoch uint64, strategy string, aux []byte, extra uint64) (Receipt, error) {
	return l.execute(ctx, epoch, strategy, aux, extra, false)
}

// Reexecute is the recovery path: identical to Execute but permitted on a
// completed sweep. The completed marker is never reset or duplicated.
func (l *Ledger) Reexecute(ctx context.Context, epoch uint64, strategy string, aux []byte, extra uint64) (Receipt, error) {
	return l.execute(ctx, epoch, strategy, aux, extra, true)
}

func (l *Ledger) execute(ctx context.Context, epoch uint64, strategyName string, aux []byte, extra uint64, allowCompleted bool) (Receipt, error) {
	l.mu.Lock()
	strategy, ok := l.strategies[strategyName]
	if !ok {
		l.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyName)
	}
	// Single-flight guard per epoch, taken before any state is touched so a
	// strategy that re-enters the ledger fails here instead of double
	// disbursing.
	if _, busy := l.inflight[epoch]; busy {
		l.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: epoch %d", ErrSweepInFlight, epoch)
	}
	l.inflight[epoch] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.inflight, epoch)
		l.mu.Unlock()
	}()

	var rcpt Receipt
	var total uint64
	err := l.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		sw, err := tx.Sweep(ctx, epoch)
		if err != nil {
			return err
		}
		if sw.Completed && !allowCompleted {
			return fmt.Errorf("%w: epoch %d", ErrSweepCompleted, epoch)
		}

		now := l.cfg.Clock.Now()

		// Mark completed before crossing into collaborator code. A strategy
		// failure rolls the mark back with the rest of the transaction.
		if err := tx.CompleteSweep(ctx, epoch, sw.Message, now); err != nil {
			return err
		}

		msg, err := strategy.Execute(ctx, sw.Collections, sw.Amounts, aux, extra)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", strategyName, err)
		}

		if err := tx.CompleteSweep(ctx, epoch, msg, now); err != nil {
			return err
		}
		rcpt = Receipt{Epoch: epoch, Strategy: strategyName, Message: msg, ExecutedAt: now}

		total = 0
		for _, a := range sw.Amounts {
			total += a
		}
		return nil
	})
	if err != nil {
		metrics.SweepExecutionsTotal.WithLabelValues(strategyName, "error").Inc()
		return Receipt{}, err
	}

	// Counted only after the transaction commits, so a commit-time failure
	// never reports the amount as disbursed.
	metrics.SweepAmountTotal.WithLabelValues(strategyName).Add(float64(total + extra))
	metrics.SweepExecutionsTotal.WithLabelValues(strategyName, "success").Inc()
	l.log.Info("sweep executed", "epoch", epoch, "strategy", strategyName, "reexecution", allowCompleted)
	return rcpt, nil
}
