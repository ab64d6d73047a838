// Package alloc computes allocation decisions from the current vote state: the
// proportional split of an epoch's yield across the top-voted collections, and
// the worst-voted collection with its liquidation percentage.
//
// The engine is a pure read-side computation over a store.Reader, so it can
// run against the live store or inside an epoch transition transaction.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/driftwoodlabs/allocator/pkg/store"
)

// BpsDenominator is the basis point scale: 10000 = 100%.
const BpsDenominator = 10000

var (
	ErrInvalidSampleSize = errors.New("sample size must be positive")
	ErrNoVotes           = errors.New("no votes cast on any collection")
)

// Worst describes the most adversely voted collection.
type Worst struct {
	Collection string
	NetVotes   int64
	GrossVotes uint64

	// Bps is floor(|NetVotes| * 10000 / GrossVotes) when NetVotes is
	// negative, and 0 otherwise.
	Bps uint32
}

// EngineConfig holds the allocation engine configuration.
type EngineConfig struct {
	Logger *slog.Logger
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

type Engine struct {
	log *slog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger}, nil
}

// ProportionalSplit selects the sampleSize collections with the highest net
// votes and splits totalAmount across them in proportion to their positive
// net votes, flooring each share. The flooring remainder is deliberately not
// redistributed. Ties are broken by registration order (first registered
// first). If no selected collection has positive votes, every amount is zero
// and the caller decides the fallback.
func (e *Engine) ProportionalSplit(ctx context.Context, r store.Reader, totalAmount uint64, sampleSize int) ([]string, []uint64, error) {
	if sampleSize <= 0 {
		return nil, nil, ErrInvalidSampleSize
	}

	cols, err := r.Collections(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list collections: %w", err)
	}

	// Collections arrive in registration order; a stable sort keeps that
	// order for equal vote totals.
	sort.SliceStable(cols, func(i, j int) bool {
		return cols[i].NetVotes > cols[j].NetVotes
	})
	if sampleSize > len(cols) {
		sampleSize = len(cols)
	}
	selected := cols[:sampleSize]

	var sumPositive uint64
	for _, c := range selected {
		if c.NetVotes > 0 {
			sumPositive += uint64(c.NetVotes)
		}
	}

	collections := make([]string, len(selected))
	amounts := make([]uint64, len(selected))
	for i, c := range selected {
		collections[i] = c.ID
		if sumPositive == 0 || c.NetVotes <= 0 {
			continue
		}
		// floor(totalAmount * votes / sumPositive), with big.Int
		// intermediates so the product cannot overflow.
		share := new(big.Int).SetUint64(totalAmount)
		share.Mul(share, big.NewInt(c.NetVotes))
		share.Div(share, new(big.Int).SetUint64(sumPositive))
		amounts[i] = share.Uint64()
	}

	e.log.Debug("computed proportional split",
		"total", totalAmount, "sample_size", sampleSize, "selected", len(selected), "positive_votes", sumPositive)
	return collections, amounts, nil
}

// WorstCollection iterates all votable collections once, returning the
// collection with the most negative net vote alongside the gross (sum of
// absolute) vote magnitude and the liquidation percentage in basis points.
// Fails with ErrNoVotes when the gross magnitude is zero; callers treat that
// as "nothing to liquidate" rather than a user-visible failure.
func (e *Engine) WorstCollection(ctx context.Context, r store.Reader) (Worst, error) {
	cols, err := r.Collections(ctx)
	if err != nil {
		return Worst{}, fmt.Errorf("failed to list collections: %w", err)
	}

	var (
		found bool
		worst store.Collection
		gross uint64
	)
	for _, c := range cols {
		if c.NetVotes < 0 {
			gross += uint64(-c.NetVotes)
		} else {
			gross += uint64(c.NetVotes)
		}
		// Strict comparison keeps the first-registered collection on ties.
		if !found || c.NetVotes < worst.NetVotes {
			found = true
			worst = c
		}
	}
	if gross == 0 {
		return Worst{}, ErrNoVotes
	}

	w := Worst{
		Collection: worst.ID,
		NetVotes:   worst.NetVotes,
		GrossVotes: gross,
	}
	if worst.NetVotes < 0 {
		w.Bps = uint32(uint64(-worst.NetVotes) * BpsDenominator / gross)
	}
	return w, nil
}
