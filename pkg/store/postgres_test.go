package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftwoodlabs/allocator/pkg/testutil"
)

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()

	log := testutil.NewLogger()
	ctx := t.Context()

	db, err := testutil.NewPostgres(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, Migrate(log, db.ConnStr()))

	p, err := NewPostgres(PostgresConfig{Logger: log, Pool: testutil.NewTestPool(t, db)})
	require.NoError(t, err)
	return p
}

func TestAllocator_Store_Postgres(t *testing.T) {
	t.Parallel()

	p := newTestPostgres(t)
	ctx := context.Background()

	t.Run("epoch starts at zero", func(t *testing.T) {
		e, err := p.Epoch(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(0), e.Index)
	})

	t.Run("collections and votes", func(t *testing.T) {
		err := p.InTx(ctx, func(tx Tx) error {
			for _, id := range []string{"gamma", "alpha"} {
				if err := tx.AddCollection(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		err = p.InTx(ctx, func(tx Tx) error {
			return tx.AddCollection(ctx, "alpha")
		})
		require.ErrorIs(t, err, ErrCollectionRegistered)

		cols, err := p.Collections(ctx)
		require.NoError(t, err)
		require.Len(t, cols, 2)
		require.Equal(t, "gamma", cols[0].ID)
		require.Equal(t, "alpha", cols[1].ID)

		// Replace semantics at the SQL layer: net moves by the difference.
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			if err := tx.SetVote(ctx, VoteRecord{Voter: "v1", Collection: "alpha", Magnitude: 5}); err != nil {
				return err
			}
			return tx.SetVote(ctx, VoteRecord{Voter: "v1", Collection: "alpha", Magnitude: -2})
		}))

		c, err := p.Collection(ctx, "alpha")
		require.NoError(t, err)
		require.Equal(t, int64(-2), c.NetVotes)

		rec, err := p.Vote(ctx, "v1", "alpha")
		require.NoError(t, err)
		require.Equal(t, int64(-2), rec.Magnitude)

		// Zero deletes the record and reverts the aggregate.
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			return tx.SetVote(ctx, VoteRecord{Voter: "v1", Collection: "alpha", Magnitude: 0})
		}))
		_, err = p.Vote(ctx, "v1", "alpha")
		require.ErrorIs(t, err, ErrNotFound)

		c, err = p.Collection(ctx, "alpha")
		require.NoError(t, err)
		require.Equal(t, int64(0), c.NetVotes)

		err = p.InTx(ctx, func(tx Tx) error {
			return tx.SetVote(ctx, VoteRecord{Voter: "v1", Collection: "missing", Magnitude: 1})
		})
		require.ErrorIs(t, err, ErrUnknownCollection)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := p.InTx(ctx, func(tx Tx) error {
			if err := tx.AddCollection(ctx, "doomed"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = p.Collection(ctx, "doomed")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sweep round trip", func(t *testing.T) {
		created := time.Now().UTC().Truncate(time.Millisecond)
		sw := Sweep{
			Epoch:       1,
			Kind:        SweepProportionalSplit,
			Collections: []string{"gamma", "alpha"},
			Amounts:     []uint64{60, 40},
			Note:        "epoch 1 yield 100",
			CreatedAt:   created,
		}
		require.NoError(t, p.InTx(ctx, func(tx Tx) error { return tx.InsertSweep(ctx, sw) }))

		err := p.InTx(ctx, func(tx Tx) error { return tx.InsertSweep(ctx, sw) })
		require.ErrorIs(t, err, ErrDuplicateSweep)

		got, err := p.Sweep(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, sw.Kind, got.Kind)
		require.Equal(t, sw.Collections, got.Collections)
		require.Equal(t, sw.Amounts, got.Amounts)
		require.False(t, got.Completed)
		require.True(t, got.ExecutedAt.IsZero())

		first := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			return tx.CompleteSweep(ctx, 1, "done", first)
		}))
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			return tx.CompleteSweep(ctx, 1, "done again", first.Add(time.Hour))
		}))

		got, err = p.Sweep(ctx, 1)
		require.NoError(t, err)
		require.True(t, got.Completed)
		require.Equal(t, "done again", got.Message)
		// COALESCE keeps the first execution time.
		require.Equal(t, first, got.ExecutedAt.UTC())

		err = p.InTx(ctx, func(tx Tx) error {
			return tx.CompleteSweep(ctx, 42, "nope", time.Now())
		})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("epoch write survives", func(t *testing.T) {
		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			return tx.SetEpoch(ctx, Epoch{Index: 7, LastTransitionAt: at})
		}))

		e, err := p.Epoch(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(7), e.Index)
		require.Equal(t, at, e.LastTransitionAt.UTC())
	})

	t.Run("liquidation round trip", func(t *testing.T) {
		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			return tx.InsertLiquidation(ctx, LiquidationSnapshot{
				Epoch: 3, Collection: "gamma", NegativeVotes: -4, GrossVotes: 19, Proceeds: 21050, CreatedAt: at,
			})
		}))

		snap, err := p.Liquidation(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, "gamma", snap.Collection)
		require.Equal(t, int64(-4), snap.NegativeVotes)
		require.Equal(t, uint64(19), snap.GrossVotes)
		require.Equal(t, uint64(21050), snap.Proceeds)

		_, err = p.Liquidation(ctx, 99)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("remove collection cascades votes", func(t *testing.T) {
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			if err := tx.AddCollection(ctx, "short-lived"); err != nil {
				return err
			}
			return tx.SetVote(ctx, VoteRecord{Voter: "v9", Collection: "short-lived", Magnitude: 3})
		}))
		require.NoError(t, p.InTx(ctx, func(tx Tx) error {
			return tx.RemoveCollection(ctx, "short-lived")
		}))

		votes, err := p.VoterVotes(ctx, "v9")
		require.NoError(t, err)
		require.Empty(t, votes)

		err = p.InTx(ctx, func(tx Tx) error {
			return tx.RemoveCollection(ctx, "short-lived")
		})
		require.ErrorIs(t, err, ErrNotFound)
	})
}
