package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftwoodlabs/allocator/pkg/alloc"
	"github.com/driftwoodlabs/allocator/pkg/store"
)

// YieldReporter supplies the yield accumulated for the outgoing epoch.
type YieldReporter interface {
	PendingYield(ctx context.Context) (uint64, error)
}

// StaticYield reports a fixed yield amount every epoch. Intended for
// development and tests.
type StaticYield uint64

func (y StaticYield) PendingYield(ctx context.Context) (uint64, error) {
	return uint64(y), nil
}

// PlannerConfig holds the sweep planner configuration.
type PlannerConfig struct {
	Logger *slog.Logger
	Engine *alloc.Engine
	Ledger *Ledger
	Yield  YieldReporter

	// SampleSize is how many top-voted collections share a proportional
	// split.
	SampleSize int

	// MinSweepAmount substitutes for a zero-yield epoch so every epoch still
	// registers a sweep.
	MinSweepAmount uint64
}

func (cfg *PlannerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("allocation engine is required")
	}
	if cfg.Ledger == nil {
		return errors.New("sweep ledger is required")
	}
	if cfg.Yield == nil {
		return errors.New("yield reporter is required")
	}
	if cfg.SampleSize <= 0 {
		return errors.New("sample size must be greater than 0")
	}
	if cfg.MinSweepAmount == 0 {
		cfg.MinSweepAmount = 1
	}
	return nil
}

// Planner is the end-of-epoch handler that snapshots the vote state into the
// epoch's sweep. The next epoch's kind can be switched to a single-winner
// sweep administratively; the switch applies to exactly one transition.
type Planner struct {
	log *slog.Logger
	cfg PlannerConfig

	mu       sync.Mutex
	nextKind store.SweepKind
	skipNext bool
}

func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Planner{log: cfg.Logger, cfg: cfg, nextKind: store.SweepProportionalSplit}, nil
}

func (p *Planner) Name() string { return "sweep-planner" }

// SetNextKind selects the sweep kind for the next epoch transition only.
func (p *Planner) SetNextKind(kind store.SweepKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextKind = kind
	return nil
}

// SkipNext suppresses sweep registration for the next epoch transition only.
func (p *Planner) SkipNext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipNext = true
}

// OnEpochCommitted resets the one-shot overrides once the transition that read
// them has durably committed. An aborted transition keeps them armed, so a
// retried transition still honors the administrator's instruction.
func (p *Planner) OnEpochCommitted(epoch uint64) {
	p.mu.Lock()
	p.nextKind = store.SweepProportionalSplit
	p.skipNext = false
	p.mu.Unlock()
}

func (p *Planner) OnEpochEnd(ctx context.Context, tx store.Tx, epoch uint64) error {
	p.mu.Lock()
	kind := p.nextKind
	skip := p.skipNext
	p.mu.Unlock()

	if skip {
		p.log.Info("sweep registration suppressed", "epoch", epoch)
		return nil
	}

	yield, err := p.cfg.Yield.PendingYield(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending yield: %w", err)
	}
	total := yield
	if total == 0 {
		total = p.cfg.MinSweepAmount
	}

	sampleSize := p.cfg.SampleSize
	if kind == store.SweepSingleWinner {
		sampleSize = 1
	}

	collections, amounts, err := p.cfg.Engine.ProportionalSplit(ctx, tx, total, sampleSize)
	if err != nil {
		return fmt.Errorf("failed to compute split: %w", err)
	}

	return p.cfg.Ledger.Register(ctx, tx, store.Sweep{
		Epoch:       epoch,
		Kind:        kind,
		Collections: collections,
		Amounts:     amounts,
		Note:        fmt.Sprintf("epoch %d yield %d", epoch, yield),
	})
}
