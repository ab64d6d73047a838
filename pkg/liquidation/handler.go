// Package liquidation implements the end-of-epoch forced partial liquidation:
// when a collection's negative sentiment crosses the configured share of the
// gross vote magnitude, a matching share of its backing holdings is withdrawn
// from its yield sources, converted to the reference currency, and forwarded
// to the revenue sink.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/driftwoodlabs/allocator/pkg/alloc"
	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
)

var ErrSourceCapExceeded = errors.New("maximum yield sources per collection reached")

// Holding is a (token, amount) pair held or withdrawn by a yield source.
type Holding struct {
	Token  string
	Amount uint64
}

// YieldSource holds strategy-backed assets for a collection and can withdraw
// a basis-point share of them.
type YieldSource interface {
	ReportHoldings(ctx context.Context) ([]Holding, error)
	WithdrawPercentage(ctx context.Context, bps uint32) ([]Holding, error)
}

// Converter converts a token amount into the reference currency, best effort.
type Converter interface {
	ConvertToReference(ctx context.Context, token string, amount uint64) (uint64, error)
}

// RevenueSink receives liquidation proceeds.
type RevenueSink interface {
	RecordProceeds(ctx context.Context, amount uint64) error
}

// HandlerConfig holds the liquidation handler configuration.
type HandlerConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Engine    *alloc.Engine
	Converter Converter
	Sink      RevenueSink

	// ThresholdBps is the minimum negative share of the gross vote magnitude
	// that triggers a liquidation.
	ThresholdBps uint32

	// ReferenceToken denominates proceeds; holdings in other tokens are
	// converted.
	ReferenceToken string

	// MaxSourcesPerCollection caps each collection's yield source list.
	MaxSourcesPerCollection int
}

func (cfg *HandlerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("allocation engine is required")
	}
	if cfg.Converter == nil {
		return errors.New("converter is required")
	}
	if cfg.Sink == nil {
		return errors.New("revenue sink is required")
	}
	if cfg.ThresholdBps == 0 || cfg.ThresholdBps > alloc.BpsDenominator {
		return fmt.Errorf("threshold must be in (0, %d] bps", alloc.BpsDenominator)
	}
	if cfg.ReferenceToken == "" {
		return errors.New("reference token is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxSourcesPerCollection <= 0 {
		cfg.MaxSourcesPerCollection = 8
	}
	return nil
}

// Handler is an epoch end handler. It never commits a partial liquidation:
// any collaborator failure propagates and aborts the whole epoch transition.
type Handler struct {
	log *slog.Logger
	cfg HandlerConfig

	mu      sync.Mutex
	sources map[string][]YieldSource
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		log:     cfg.Logger,
		cfg:     cfg,
		sources: make(map[string][]YieldSource),
	}, nil
}

func (h *Handler) Name() string { return "liquidation" }

// RegisterSource associates a yield source with a collection, subject to the
// per-collection cap.
func (h *Handler) RegisterSource(collection string, src YieldSource) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sources[collection]) >= h.cfg.MaxSourcesPerCollection {
		return fmt.Errorf("%w (%d) for %q", ErrSourceCapExceeded, h.cfg.MaxSourcesPerCollection, collection)
	}
	h.sources[collection] = append(h.sources[collection], src)
	return nil
}

// RemoveSources drops all yield sources for a collection.
func (h *Handler) RemoveSources(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sources, collection)
}

func (h *Handler) OnEpochEnd(ctx context.Context, tx store.Tx, epoch uint64) error {
	worst, err := h.cfg.Engine.WorstCollection(ctx, tx)
	if errors.Is(err, alloc.ErrNoVotes) {
		h.log.Debug("liquidation skipped", "epoch", epoch, "reason", "no votes")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find worst collection: %w", err)
	}
	if worst.Bps < h.cfg.ThresholdBps {
		h.log.Debug("liquidation skipped",
			"epoch", epoch, "collection", worst.Collection, "bps", worst.Bps, "threshold", h.cfg.ThresholdBps)
		return nil
	}

	h.mu.Lock()
	sources := slices.Clone(h.sources[worst.Collection])
	h.mu.Unlock()

	var proceeds uint64
	for _, src := range sources {
		holdings, err := src.ReportHoldings(ctx)
		if err != nil {
			return fmt.Errorf("failed to report holdings for %q: %w", worst.Collection, err)
		}
		if empty(holdings) {
			continue
		}

		withdrawn, err := src.WithdrawPercentage(ctx, worst.Bps)
		if err != nil {
			return fmt.Errorf("failed to withdraw %d bps from %q: %w", worst.Bps, worst.Collection, err)
		}
		for _, holding := range withdrawn {
			if holding.Amount == 0 {
				continue
			}
			if holding.Token == h.cfg.ReferenceToken {
				proceeds += holding.Amount
				continue
			}
			converted, err := h.cfg.Converter.ConvertToReference(ctx, holding.Token, holding.Amount)
			if err != nil {
				return fmt.Errorf("failed to convert %d %s: %w", holding.Amount, holding.Token, err)
			}
			proceeds += converted
		}
	}

	if proceeds > 0 {
		if err := h.cfg.Sink.RecordProceeds(ctx, proceeds); err != nil {
			return fmt.Errorf("failed to forward proceeds: %w", err)
		}
	}

	// The snapshot is written even with zero proceeds so "nothing was held"
	// stays auditable.
	if err := tx.InsertLiquidation(ctx, store.LiquidationSnapshot{
		Epoch:         epoch,
		Collection:    worst.Collection,
		NegativeVotes: worst.NetVotes,
		GrossVotes:    worst.GrossVotes,
		Proceeds:      proceeds,
		CreatedAt:     h.cfg.Clock.Now(),
	}); err != nil {
		return err
	}

	metrics.LiquidationsTotal.Inc()
	metrics.LiquidationProceedsTotal.Add(float64(proceeds))
	h.log.Info("collection liquidated",
		"epoch", epoch, "collection", worst.Collection, "bps", worst.Bps, "proceeds", proceeds)
	return nil
}

func empty(holdings []Holding) bool {
	for _, h := range holdings {
		if h.Amount > 0 {
			return false
		}
	}
	return true
}

// LogSink is a RevenueSink that only records proceeds in the log. Intended
// for development deployments without a treasury backend.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) RecordProceeds(ctx context.Context, amount uint64) error {
	s.Logger.Info("liquidation proceeds recorded", "amount", amount)
	return nil
}

// UnitConverter converts any token to the reference currency at par. Intended
// for development deployments without a pricing backend.
type UnitConverter struct{}

func (UnitConverter) ConvertToReference(ctx context.Context, token string, amount uint64) (uint64, error) {
	return amount, nil
}
