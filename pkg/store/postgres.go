package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresConfig holds the PostgreSQL store configuration.
type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Postgres is the durable Store. InTx maps to a database transaction.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{log: cfg.Logger, pool: cfg.Pool}, nil
}

// OpenPool creates and pings a pgx connection pool for the given connection
// string.
func OpenPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate runs the embedded schema migrations using goose.
func Migrate(log *slog.Logger, connStr string) error {
	goose.SetBaseFS(embedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	log.Info("running postgres migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (p *Postgres) Epoch(ctx context.Context) (Epoch, error) {
	return (&pgTx{q: p.pool}).Epoch(ctx)
}

func (p *Postgres) Collections(ctx context.Context) ([]Collection, error) {
	return (&pgTx{q: p.pool}).Collections(ctx)
}

func (p *Postgres) Collection(ctx context.Context, id string) (Collection, error) {
	return (&pgTx{q: p.pool}).Collection(ctx, id)
}

func (p *Postgres) Vote(ctx context.Context, voter, collection string) (VoteRecord, error) {
	return (&pgTx{q: p.pool}).Vote(ctx, voter, collection)
}

func (p *Postgres) VoterVotes(ctx context.Context, voter string) ([]VoteRecord, error) {
	return (&pgTx{q: p.pool}).VoterVotes(ctx, voter)
}

func (p *Postgres) Sweep(ctx context.Context, epoch uint64) (Sweep, error) {
	return (&pgTx{q: p.pool}).Sweep(ctx, epoch)
}

func (p *Postgres) Liquidation(ctx context.Context, epoch uint64) (LiquidationSnapshot, error) {
	return (&pgTx{q: p.pool}).Liquidation(ctx, epoch)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q querier
}

func (t *pgTx) Epoch(ctx context.Context) (Epoch, error) {
	var e Epoch
	var idx int64
	err := t.q.QueryRow(ctx,
		`SELECT idx, last_transition_at FROM epoch WHERE singleton`,
	).Scan(&idx, &e.LastTransitionAt)
	if err != nil {
		return Epoch{}, fmt.Errorf("failed to read epoch: %w", err)
	}
	e.Index = uint64(idx)
	return e, nil
}

func (t *pgTx) SetEpoch(ctx context.Context, e Epoch) error {
	_, err := t.q.Exec(ctx,
		`UPDATE epoch SET idx = $1, last_transition_at = $2 WHERE singleton`,
		int64(e.Index), e.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set epoch: %w", err)
	}
	return nil
}

func (t *pgTx) Collections(ctx context.Context) ([]Collection, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, seq, net_votes FROM collections ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		var seq, net int64
		if err := rows.Scan(&c.ID, &seq, &net); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		c.Seq = uint64(seq)
		c.NetVotes = net
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) Collection(ctx context.Context, id string) (Collection, error) {
	var c Collection
	var seq, net int64
	err := t.q.QueryRow(ctx,
		`SELECT id, seq, net_votes FROM collections WHERE id = $1`, id,
	).Scan(&c.ID, &seq, &net)
	if errors.Is(err, pgx.ErrNoRows) {
		return Collection{}, fmt.Errorf("collection %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Collection{}, fmt.Errorf("failed to read collection: %w", err)
	}
	c.Seq = uint64(seq)
	c.NetVotes = net
	return c, nil
}

func (t *pgTx) AddCollection(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `INSERT INTO collections (id) VALUES ($1)`, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("collection %q: %w", id, ErrCollectionRegistered)
	}
	if err != nil {
		return fmt.Errorf("failed to add collection: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveCollection(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("collection %q: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) Vote(ctx context.Context, voter, collection string) (VoteRecord, error) {
	rec := VoteRecord{Voter: voter, Collection: collection}
	err := t.q.QueryRow(ctx,
		`SELECT magnitude FROM votes WHERE voter = $1 AND collection = $2`,
		voter, collection,
	).Scan(&rec.Magnitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return VoteRecord{}, fmt.Errorf("vote by %q on %q: %w", voter, collection, ErrNotFound)
	}
	if err != nil {
		return VoteRecord{}, fmt.Errorf("failed to read vote: %w", err)
	}
	return rec, nil
}

func (t *pgTx) VoterVotes(ctx context.Context, voter string) ([]VoteRecord, error) {
	rows, err := t.q.Query(ctx,
		`SELECT v.collection, v.magnitude
		 FROM votes v JOIN collections c ON c.id = v.collection
		 WHERE v.voter = $1 ORDER BY c.seq`,
		voter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list voter votes: %w", err)
	}
	defer rows.Close()

	var out []VoteRecord
	for rows.Next() {
		rec := VoteRecord{Voter: voter}
		if err := rows.Scan(&rec.Collection, &rec.Magnitude); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *pgTx) SetVote(ctx context.Context, rec VoteRecord) error {
	var old int64
	err := t.q.QueryRow(ctx,
		`SELECT magnitude FROM votes WHERE voter = $1 AND collection = $2`,
		rec.Voter, rec.Collection,
	).Scan(&old)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read prior vote: %w", err)
	}

	if rec.Magnitude == 0 {
		if _, err := t.q.Exec(ctx,
			`DELETE FROM votes WHERE voter = $1 AND collection = $2`,
			rec.Voter, rec.Collection,
		); err != nil {
			return fmt.Errorf("failed to delete vote: %w", err)
		}
	} else {
		_, err := t.q.Exec(ctx,
			`INSERT INTO votes (voter, collection, magnitude) VALUES ($1, $2, $3)
			 ON CONFLICT (voter, collection) DO UPDATE SET magnitude = EXCLUDED.magnitude`,
			rec.Voter, rec.Collection, rec.Magnitude,
		)
		if isForeignKeyViolation(err) {
			return fmt.Errorf("collection %q: %w", rec.Collection, ErrUnknownCollection)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert vote: %w", err)
		}
	}

	// Remove the old contribution, add the new one in the same transaction.
	tag, err := t.q.Exec(ctx,
		`UPDATE collections SET net_votes = net_votes + $1 WHERE id = $2`,
		rec.Magnitude-old, rec.Collection,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust vote aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("collection %q: %w", rec.Collection, ErrUnknownCollection)
	}
	return nil
}

func (t *pgTx) Sweep(ctx context.Context, epoch uint64) (Sweep, error) {
	s := Sweep{Epoch: epoch}
	var kind string
	var amounts []int64
	var executedAt *time.Time
	err := t.q.QueryRow(ctx,
		`SELECT kind, collections, amounts, completed, note, message, created_at, executed_at
		 FROM sweeps WHERE epoch = $1`,
		int64(epoch),
	).Scan(&kind, &s.Collections, &amounts, &s.Completed, &s.Note, &s.Message, &s.CreatedAt, &executedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sweep{}, fmt.Errorf("sweep for epoch %d: %w", epoch, ErrNotFound)
	}
	if err != nil {
		return Sweep{}, fmt.Errorf("failed to read sweep: %w", err)
	}
	s.Kind = SweepKind(kind)
	s.Amounts = make([]uint64, len(amounts))
	for i, a := range amounts {
		s.Amounts[i] = uint64(a)
	}
	if executedAt != nil {
		s.ExecutedAt = *executedAt
	}
	return s, nil
}

func (t *pgTx) InsertSweep(ctx context.Context, s Sweep) error {
	amounts := make([]int64, len(s.Amounts))
	for i, a := range s.Amounts {
		amounts[i] = int64(a)
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO sweeps (epoch, kind, collections, amounts, completed, note, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(s.Epoch), string(s.Kind), s.Collections, amounts, s.Completed, s.Note, s.Message, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("epoch %d: %w", s.Epoch, ErrDuplicateSweep)
	}
	if err != nil {
		return fmt.Errorf("failed to insert sweep: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteSweep(ctx context.Context, epoch uint64, message string, executedAt time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE sweeps
		 SET completed = TRUE,
		     message = $2,
		     executed_at = COALESCE(executed_at, $3)
		 WHERE epoch = $1`,
		int64(epoch), message, executedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sweep: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sweep for epoch %d: %w", epoch, ErrNotFound)
	}
	return nil
}

func (t *pgTx) Liquidation(ctx context.Context, epoch uint64) (LiquidationSnapshot, error) {
	snap := LiquidationSnapshot{Epoch: epoch}
	var neg, gross, proceeds int64
	err := t.q.QueryRow(ctx,
		`SELECT collection, negative_votes, gross_votes, proceeds, created_at
		 FROM liquidations WHERE epoch = $1`,
		int64(epoch),
	).Scan(&snap.Collection, &neg, &gross, &proceeds, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LiquidationSnapshot{}, fmt.Errorf("liquidation for epoch %d: %w", epoch, ErrNotFound)
	}
	if err != nil {
		return LiquidationSnapshot{}, fmt.Errorf("failed to read liquidation: %w", err)
	}
	snap.NegativeVotes = neg
	snap.GrossVotes = uint64(gross)
	snap.Proceeds = uint64(proceeds)
	return snap, nil
}

func (t *pgTx) InsertLiquidation(ctx context.Context, snap LiquidationSnapshot) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO liquidations (epoch, collection, negative_votes, gross_votes, proceeds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(snap.Epoch), snap.Collection, snap.NegativeVotes, int64(snap.GrossVotes), int64(snap.Proceeds), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert liquidation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
