// Package vote implements the vote ledger: per-voter signed vote records over
// the votable collection set, with per-collection net aggregates maintained in
// the same transaction as every record change.
package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
)

var (
	ErrCapacityExceeded      = errors.New("vote exceeds voting power capacity")
	ErrCollectionCapExceeded = errors.New("maximum registered collections reached")
)

// PowerSource supplies the voting power budget enforced at cast time.
type PowerSource interface {
	CapacityOf(ctx context.Context, voter string) (uint64, error)
}

// FixedPowerSource grants every voter the same fixed capacity. Intended for
// development and tests.
type FixedPowerSource uint64

func (f FixedPowerSource) CapacityOf(ctx context.Context, voter string) (uint64, error) {
	return uint64(f), nil
}

// LedgerConfig holds the vote ledger configuration.
type LedgerConfig struct {
	Logger *slog.Logger
	Store  store.Store
	Power  PowerSource

	// MaxCollections caps the votable working set so aggregation loops stay
	// bounded. Registration beyond the cap is rejected.
	MaxCollections int
}

func (cfg *LedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Power == nil {
		return errors.New("power source is required")
	}
	if cfg.MaxCollections <= 0 {
		cfg.MaxCollections = 128
	}
	return nil
}

type Ledger struct {
	log *slog.Logger
	cfg LedgerConfig
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// Cast replaces the voter's vote on a collection with the given signed
// magnitude and returns the collection's new net total. The voter's other
// current absolute magnitudes plus |magnitude| must fit within the capacity
// fetched at cast time; capacity is never re-validated retroactively, so
// existing votes may exceed a shrunken budget without affecting aggregates.
func (l *Ledger) Cast(ctx context.Context, voter, collection string, magnitude int64) (int64, error) {
	capacity, err := l.cfg.Power.CapacityOf(ctx, voter)
	if err != nil {
		metrics.VotesCastTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to fetch voting capacity: %w", err)
	}

	var net int64
	err = l.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.Collection(ctx, collection); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("collection %q: %w", collection, store.ErrUnknownCollection)
			}
			return err
		}

		votes, err := tx.VoterVotes(ctx, voter)
		if err != nil {
			return err
		}
		used := absMagnitude(magnitude)
		for _, rec := range votes {
			if rec.Collection == collection {
				continue // replaced, not added to
			}
			used += absMagnitude(rec.Magnitude)
		}
		if used > capacity {
			return fmt.Errorf("%w: voter %q needs %d, capacity %d", ErrCapacityExceeded, voter, used, capacity)
		}

		if err := tx.SetVote(ctx, store.VoteRecord{Voter: voter, Collection: collection, Magnitude: magnitude}); err != nil {
			return err
		}
		c, err := tx.Collection(ctx, collection)
		if err != nil {
			return err
		}
		net = c.NetVotes
		return nil
	})
	if err != nil {
		metrics.VotesCastTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}

	metrics.VotesCastTotal.WithLabelValues("success").Inc()
	l.log.Debug("vote cast", "voter", voter, "collection", collection, "magnitude", magnitude, "net", net)
	return net, nil
}

// Clear zeroes all of a voter's votes, e.g. on full capacity withdrawal.
func (l *Ledger) Clear(ctx context.Context, voter string) error {
	return l.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		votes, err := tx.VoterVotes(ctx, voter)
		if err != nil {
			return err
		}
		for _, rec := range votes {
			rec.Magnitude = 0
			if err := tx.SetVote(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// NetVotes returns the signed net vote total for a collection.
func (l *Ledger) NetVotes(ctx context.Context, collection string) (int64, error) {
	c, err := l.cfg.Store.Collection(ctx, collection)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("collection %q: %w", collection, store.ErrUnknownCollection)
		}
		return 0, err
	}
	return c.NetVotes, nil
}

// Collections returns all votable collections in registration order.
func (l *Ledger) Collections(ctx context.Context) ([]store.Collection, error) {
	return l.cfg.Store.Collections(ctx)
}

// RegisterCollection adds a collection to the votable set, subject to the
// registered-collection cap.
func (l *Ledger) RegisterCollection(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("collection id is required")
	}
	err := l.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.Collections(ctx)
		if err != nil {
			return err
		}
		if len(existing) >= l.cfg.MaxCollections {
			return fmt.Errorf("%w (%d)", ErrCollectionCapExceeded, l.cfg.MaxCollections)
		}
		return tx.AddCollection(ctx, id)
	})
	if err != nil {
		return err
	}
	l.log.Info("collection registered", "collection", id)
	return nil
}

// DeregisterCollection removes a collection and drops its vote records.
func (l *Ledger) DeregisterCollection(ctx context.Context, id string) error {
	err := l.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.RemoveCollection(ctx, id)
	})
	if err != nil {
		return err
	}
	l.log.Info("collection deregistered", "collection", id)
	return nil
}

func absMagnitude(m int64) uint64 {
	if m < 0 {
		return uint64(-m)
	}
	return uint64(m)
}
