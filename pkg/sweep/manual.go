package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ManualConfig holds the manual strategy configuration.
type ManualConfig struct {
	Logger *slog.Logger
}

func (cfg *ManualConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Manual records the allocation without moving value; an operator settles the
// amounts out of band. Trivially idempotent.
type Manual struct {
	log *slog.Logger
}

func NewManual(cfg ManualConfig) (*Manual, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manual{log: cfg.Logger}, nil
}

func (m *Manual) Name() string { return "manual" }

func (m *Manual) Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
	var total uint64
	var funded int
	for i, amount := range amounts {
		if amount == 0 {
			continue
		}
		funded++
		total += amount
		m.log.Info("manual allocation recorded", "collection", collections[i], "amount", amount)
	}
	return fmt.Sprintf("recorded %d allocations totalling %d (extra %d) for manual settlement", funded, total, extra), nil
}
