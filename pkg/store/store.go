// Package store holds the durable governance state: the epoch counter, the
// votable collection set with its net vote aggregates, per-voter vote records,
// registered sweeps, and liquidation snapshots.
//
// Every multi-write operation in the system runs inside Store.InTx, the single
// enclosing unit of work. An error returned from the callback rolls back every
// staged write, so partial state is never visible to a later operation.
package store

import (
	"context"
	"errors"
	"time"
)

// SweepKind identifies how a sweep's amounts were computed.
type SweepKind string

const (
	// SweepProportionalSplit splits the epoch yield across the top-voted
	// collections in proportion to their positive net votes.
	SweepProportionalSplit SweepKind = "proportional_split"

	// SweepSingleWinner allocates the entire epoch yield to the single
	// top-voted collection.
	SweepSingleWinner SweepKind = "single_winner"
)

// Valid reports whether k is a known sweep kind.
func (k SweepKind) Valid() bool {
	return k == SweepProportionalSplit || k == SweepSingleWinner
}

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateSweep       = errors.New("sweep already registered for epoch")
	ErrCollectionRegistered = errors.New("collection already registered")
	ErrUnknownCollection    = errors.New("collection not registered")
)

// Epoch is the monotonically increasing allocation period counter.
type Epoch struct {
	Index            uint64
	LastTransitionAt time.Time
}

// Collection is a votable recipient. Seq is the registration sequence number
// and is the deterministic tie-break key for allocation ordering. NetVotes is
// the signed sum of all current vote records targeting the collection; it is
// maintained by SetVote and always equals the live sum of records.
type Collection struct {
	ID       string
	Seq      uint64
	NetVotes int64
}

// VoteRecord is a single (voter, collection) signed vote magnitude.
type VoteRecord struct {
	Voter      string
	Collection string
	Magnitude  int64
}

// Sweep is a recorded disbursement decision for one epoch. Collections and
// Amounts are parallel lists. Completed flips false to true exactly once; a
// completed sweep may still be re-executed for recovery without resetting the
// marker.
type Sweep struct {
	Epoch       uint64
	Kind        SweepKind
	Collections []string
	Amounts     []uint64
	Completed   bool
	Note        string
	Message     string
	CreatedAt   time.Time
	ExecutedAt  time.Time
}

// LiquidationSnapshot records a liquidation that actually occurred (threshold
// met) for an epoch, even when proceeds were zero.
type LiquidationSnapshot struct {
	Epoch         uint64
	Collection    string
	NegativeVotes int64
	GrossVotes    uint64
	Proceeds      uint64
	CreatedAt     time.Time
}

// Reader is the read-only view of the governance state.
type Reader interface {
	// Epoch returns the current epoch counter.
	Epoch(ctx context.Context) (Epoch, error)

	// Collections returns all votable collections in registration order.
	Collections(ctx context.Context) ([]Collection, error)

	// Collection returns a single collection, or ErrNotFound.
	Collection(ctx context.Context, id string) (Collection, error)

	// Vote returns the current record for (voter, collection), or ErrNotFound.
	Vote(ctx context.Context, voter, collection string) (VoteRecord, error)

	// VoterVotes returns all current records cast by a voter.
	VoterVotes(ctx context.Context, voter string) ([]VoteRecord, error)

	// Sweep returns the sweep registered for an epoch, or ErrNotFound.
	Sweep(ctx context.Context, epoch uint64) (Sweep, error)

	// Liquidation returns the liquidation snapshot for an epoch, or ErrNotFound.
	Liquidation(ctx context.Context, epoch uint64) (LiquidationSnapshot, error)
}

// Tx is the read-write view available inside a unit of work.
type Tx interface {
	Reader

	SetEpoch(ctx context.Context, e Epoch) error

	// AddCollection registers a collection as votable, assigning it the next
	// registration sequence number. Fails with ErrCollectionRegistered on
	// duplicates.
	AddCollection(ctx context.Context, id string) error

	// RemoveCollection deregisters a collection and drops its vote records.
	RemoveCollection(ctx context.Context, id string) error

	// SetVote replaces the (voter, collection) record and adjusts the
	// collection's net aggregate by (new - old) in the same write, so the
	// aggregate can never double-count a changed vote. A zero magnitude
	// deletes the record. Fails with ErrUnknownCollection if the collection
	// is not registered.
	SetVote(ctx context.Context, rec VoteRecord) error

	// InsertSweep registers the sweep for its epoch. Fails with
	// ErrDuplicateSweep if the epoch already has one.
	InsertSweep(ctx context.Context, s Sweep) error

	// CompleteSweep marks the epoch's sweep completed and records the
	// execution message. ExecutedAt is only written on the first completion.
	CompleteSweep(ctx context.Context, epoch uint64, message string, executedAt time.Time) error

	// InsertLiquidation records the liquidation snapshot for an epoch.
	InsertLiquidation(ctx context.Context, snap LiquidationSnapshot) error
}

// Store is a durable governance state backend.
type Store interface {
	Reader

	// InTx runs fn as one atomic unit of work. All writes made through the Tx
	// are committed only if fn returns nil; any error rolls everything back.
	// Reads made inside fn must go through the Tx, not the Store.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
