package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MemoryConfig holds the in-memory store configuration.
type MemoryConfig struct {
	Logger *slog.Logger
}

func (cfg *MemoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Memory is a non-durable Store backed by in-process maps. InTx stages all
// writes on a deep copy of the state and swaps it in only when the callback
// succeeds, so a failed unit of work leaves no trace.
type Memory struct {
	log *slog.Logger

	mu sync.Mutex
	st *memState
}

func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		log: cfg.Logger,
		st: &memState{
			votes:  make(map[string]map[string]int64),
			sweeps: make(map[uint64]Sweep),
			liqs:   make(map[uint64]LiquidationSnapshot),
		},
	}, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.st.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	m.st = staged
	return nil
}

func (m *Memory) Epoch(ctx context.Context) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.epoch, nil
}

func (m *Memory) Collections(ctx context.Context) ([]Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.st.colls), nil
}

func (m *Memory) Collection(ctx context.Context, id string) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.collection(id)
}

func (m *Memory) Vote(ctx context.Context, voter, collection string) (VoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.vote(voter, collection)
}

func (m *Memory) VoterVotes(ctx context.Context, voter string) ([]VoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.voterVotes(voter), nil
}

func (m *Memory) Sweep(ctx context.Context, epoch uint64) (Sweep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.sweep(epoch)
}

func (m *Memory) Liquidation(ctx context.Context, epoch uint64) (LiquidationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.liquidation(epoch)
}

// memState is the full governance state. colls preserves registration order.
type memState struct {
	epoch   Epoch
	nextSeq uint64
	colls   []Collection
	votes   map[string]map[string]int64
	sweeps  map[uint64]Sweep
	liqs    map[uint64]LiquidationSnapshot
}

func (s *memState) clone() *memState {
	c := &memState{
		epoch:   s.epoch,
		nextSeq: s.nextSeq,
		colls:   slices.Clone(s.colls),
		votes:   make(map[string]map[string]int64, len(s.votes)),
		sweeps:  make(map[uint64]Sweep, len(s.sweeps)),
		liqs:    make(map[uint64]LiquidationSnapshot, len(s.liqs)),
	}
	for voter, byColl := range s.votes {
		inner := make(map[string]int64, len(byColl))
		for coll, mag := range byColl {
			inner[coll] = mag
		}
		c.votes[voter] = inner
	}
	for epoch, sw := range s.sweeps {
		sw.Collections = slices.Clone(sw.Collections)
		sw.Amounts = slices.Clone(sw.Amounts)
		c.sweeps[epoch] = sw
	}
	for epoch, snap := range s.liqs {
		c.liqs[epoch] = snap
	}
	return c
}

func (s *memState) collectionIndex(id string) int {
	return slices.IndexFunc(s.colls, func(c Collection) bool { return c.ID == id })
}

func (s *memState) collection(id string) (Collection, error) {
	i := s.collectionIndex(id)
	if i < 0 {
		return Collection{}, fmt.Errorf("collection %q: %w", id, ErrNotFound)
	}
	return s.colls[i], nil
}

func (s *memState) vote(voter, collection string) (VoteRecord, error) {
	if mag, ok := s.votes[voter][collection]; ok {
		return VoteRecord{Voter: voter, Collection: collection, Magnitude: mag}, nil
	}
	return VoteRecord{}, fmt.Errorf("vote by %q on %q: %w", voter, collection, ErrNotFound)
}

func (s *memState) voterVotes(voter string) []VoteRecord {
	byColl := s.votes[voter]
	if len(byColl) == 0 {
		return nil
	}
	// Collection order keeps results deterministic.
	recs := make([]VoteRecord, 0, len(byColl))
	for _, c := range s.colls {
		if mag, ok := byColl[c.ID]; ok {
			recs = append(recs, VoteRecord{Voter: voter, Collection: c.ID, Magnitude: mag})
		}
	}
	return recs
}

func (s *memState) sweep(epoch uint64) (Sweep, error) {
	sw, ok := s.sweeps[epoch]
	if !ok {
		return Sweep{}, fmt.Errorf("sweep for epoch %d: %w", epoch, ErrNotFound)
	}
	sw.Collections = slices.Clone(sw.Collections)
	sw.Amounts = slices.Clone(sw.Amounts)
	return sw, nil
}

func (s *memState) liquidation(epoch uint64) (LiquidationSnapshot, error) {
	snap, ok := s.liqs[epoch]
	if !ok {
		return LiquidationSnapshot{}, fmt.Errorf("liquidation for epoch %d: %w", epoch, ErrNotFound)
	}
	return snap, nil
}

// memTx implements Tx over a staged state clone. It does no locking of its
// own: the owning Memory holds its mutex for the duration of InTx.
type memTx struct {
	st *memState
}

func (t *memTx) Epoch(ctx context.Context) (Epoch, error) { return t.st.epoch, nil }

func (t *memTx) Collections(ctx context.Context) ([]Collection, error) {
	return slices.Clone(t.st.colls), nil
}

func (t *memTx) Collection(ctx context.Context, id string) (Collection, error) {
	return t.st.collection(id)
}

func (t *memTx) Vote(ctx context.Context, voter, collection string) (VoteRecord, error) {
	return t.st.vote(voter, collection)
}

func (t *memTx) VoterVotes(ctx context.Context, voter string) ([]VoteRecord, error) {
	return t.st.voterVotes(voter), nil
}

func (t *memTx) Sweep(ctx context.Context, epoch uint64) (Sweep, error) {
	return t.st.sweep(epoch)
}

func (t *memTx) Liquidation(ctx context.Context, epoch uint64) (LiquidationSnapshot, error) {
	return t.st.liquidation(epoch)
}

func (t *memTx) SetEpoch(ctx context.Context, e Epoch) error {
	t.st.epoch = e
	return nil
}

func (t *memTx) AddCollection(ctx context.Context, id string) error {
	if t.st.collectionIndex(id) >= 0 {
		return fmt.Errorf("collection %q: %w", id, ErrCollectionRegistered)
	}
	t.st.nextSeq++
	t.st.colls = append(t.st.colls, Collection{ID: id, Seq: t.st.nextSeq})
	return nil
}

func (t *memTx) RemoveCollection(ctx context.Context, id string) error {
	i := t.st.collectionIndex(id)
	if i < 0 {
		return fmt.Errorf("collection %q: %w", id, ErrNotFound)
	}
	t.st.colls = slices.Delete(t.st.colls, i, i+1)
	for _, byColl := range t.st.votes {
		delete(byColl, id)
	}
	return nil
}

func (t *memTx) SetVote(ctx context.Context, rec VoteRecord) error {
	i := t.st.collectionIndex(rec.Collection)
	if i < 0 {
		return fmt.Errorf("collection %q: %w", rec.Collection, ErrUnknownCollection)
	}

	old := t.st.votes[rec.Voter][rec.Collection]
	if rec.Magnitude == 0 {
		delete(t.st.votes[rec.Voter], rec.Collection)
		if len(t.st.votes[rec.Voter]) == 0 {
			delete(t.st.votes, rec.Voter)
		}
	} else {
		byColl := t.st.votes[rec.Voter]
		if byColl == nil {
			byColl = make(map[string]int64)
			t.st.votes[rec.Voter] = byColl
		}
		byColl[rec.Collection] = rec.Magnitude
	}

	// Remove the old contribution, add the new one. Never a plain add.
	t.st.colls[i].NetVotes += rec.Magnitude - old
	return nil
}

func (t *memTx) InsertSweep(ctx context.Context, s Sweep) error {
	if _, ok := t.st.sweeps[s.Epoch]; ok {
		return fmt.Errorf("epoch %d: %w", s.Epoch, ErrDuplicateSweep)
	}
	s.Collections = slices.Clone(s.Collections)
	s.Amounts = slices.Clone(s.Amounts)
	t.st.sweeps[s.Epoch] = s
	return nil
}

func (t *memTx) CompleteSweep(ctx context.Context, epoch uint64, message string, executedAt time.Time) error {
	sw, ok := t.st.sweeps[epoch]
	if !ok {
		return fmt.Errorf("sweep for epoch %d: %w", epoch, ErrNotFound)
	}
	if !sw.Completed {
		sw.ExecutedAt = executedAt
	}
	sw.Completed = true
	sw.Message = message
	t.st.sweeps[epoch] = sw
	return nil
}

func (t *memTx) InsertLiquidation(ctx context.Context, snap LiquidationSnapshot) error {
	t.st.liqs[snap.Epoch] = snap
	return nil
}
