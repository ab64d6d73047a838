package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// PoolClient deposits funds into a per-collection liquidity pool and reports
// the amount actually consumed; a pool may accept less than offered.
type PoolClient interface {
	Deposit(ctx context.Context, collection string, amount uint64) (uint64, error)
}

// FundsReturner takes back value a strategy could not disburse, so no
// strategy ever retains unspent funds.
type FundsReturner interface {
	ReturnFunds(ctx context.Context, amount uint64) error
}

// PoolFundingConfig holds the pool funding strategy configuration.
type PoolFundingConfig struct {
	Logger   *slog.Logger
	Pools    PoolClient
	Treasury FundsReturner
}

func (cfg *PoolFundingConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pools == nil {
		return errors.New("pool client is required")
	}
	if cfg.Treasury == nil {
		return errors.New("treasury is required")
	}
	return nil
}

// PoolFunding deposits each collection's share into its liquidity pool. The
// extra amount tops up the first collection's deposit; any value the pools do
// not consume is returned to the treasury.
type PoolFunding struct {
	log *slog.Logger
	cfg PoolFundingConfig
}

func NewPoolFunding(cfg PoolFundingConfig) (*PoolFunding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PoolFunding{log: cfg.Logger, cfg: cfg}, nil
}

func (p *PoolFunding) Name() string { return "pool-funding" }

func (p *PoolFunding) Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
	var deposited, leftover uint64
	var funded int

	remainingExtra := extra
	for i, amount := range amounts {
		if i == 0 {
			amount += remainingExtra
			remainingExtra = 0
		}
		if amount == 0 {
			continue
		}
		used, err := p.cfg.Pools.Deposit(ctx, collections[i], amount)
		if err != nil {
			return "", fmt.Errorf("failed to fund pool for %q: %w", collections[i], err)
		}
		if used > amount {
			return "", fmt.Errorf("pool for %q consumed %d of %d offered", collections[i], used, amount)
		}
		deposited += used
		leftover += amount - used
		funded++
		p.log.Debug("pool funded", "collection", collections[i], "offered", amount, "used", used)
	}
	leftover += remainingExtra

	if leftover > 0 {
		if err := p.cfg.Treasury.ReturnFunds(ctx, leftover); err != nil {
			return "", fmt.Errorf("failed to return leftover funds: %w", err)
		}
	}

	return fmt.Sprintf("funded %d pools with %d, returned %d", funded, deposited, leftover), nil
}
