package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// OrderPlacer registers a time-sliced buy order for later execution. Orders
// with a future notBefore are held by the order venue until due.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, collection string, amount uint64, notBefore time.Time) (string, error)
}

// TWAPParams is the auxiliary data accepted by the TWAP strategy.
type TWAPParams struct {
	Slices          int `json:"slices"`
	IntervalSeconds int `json:"interval_seconds"`
}

// TWAPConfig holds the TWAP strategy configuration.
type TWAPConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Orders OrderPlacer

	// MaxSlices bounds the per-collection order count.
	MaxSlices int
}

func (cfg *TWAPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Orders == nil {
		return errors.New("order placer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxSlices <= 0 {
		cfg.MaxSlices = 24
	}
	return nil
}

// TWAP splits each collection's amount into evenly spaced time-sliced orders.
// The division remainder and the extra top-up ride on the first slice.
type TWAP struct {
	log *slog.Logger
	cfg TWAPConfig
}

func NewTWAP(cfg TWAPConfig) (*TWAP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TWAP{log: cfg.Logger, cfg: cfg}, nil
}

func (t *TWAP) Name() string { return "twap" }

func (t *TWAP) Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
	params := TWAPParams{Slices: 4, IntervalSeconds: 3600}
	if len(aux) > 0 {
		if err := json.Unmarshal(aux, &params); err != nil {
			return "", fmt.Errorf("failed to decode twap params: %w", err)
		}
	}
	if params.Slices <= 0 || params.Slices > t.cfg.MaxSlices {
		return "", fmt.Errorf("slices must be in [1, %d], got %d", t.cfg.MaxSlices, params.Slices)
	}
	if params.IntervalSeconds <= 0 {
		return "", fmt.Errorf("interval must be positive, got %ds", params.IntervalSeconds)
	}

	now := t.cfg.Clock.Now()
	interval := time.Duration(params.IntervalSeconds) * time.Second

	var placed int
	remainingExtra := extra
	for i, amount := range amounts {
		if amount == 0 && remainingExtra == 0 {
			continue
		}
		slices := uint64(params.Slices)
		perSlice := amount / slices
		remainder := amount % slices

		for s := uint64(0); s < slices; s++ {
			sliceAmount := perSlice
			if s == 0 {
				sliceAmount += remainder + remainingExtra
				remainingExtra = 0
			}
			if sliceAmount == 0 {
				continue
			}
			notBefore := now.Add(time.Duration(s) * interval)
			orderID, err := t.cfg.Orders.PlaceOrder(ctx, collections[i], sliceAmount, notBefore)
			if err != nil {
				return "", fmt.Errorf("failed to place order for %q: %w", collections[i], err)
			}
			placed++
			t.log.Debug("twap order placed",
				"collection", collections[i], "order_id", orderID, "amount", sliceAmount, "not_before", notBefore)
		}
	}

	if remainingExtra > 0 {
		return "", fmt.Errorf("no order to carry the extra top-up of %d", remainingExtra)
	}

	return fmt.Sprintf("placed %d orders across %d collections (%d slices every %s)",
		placed, len(collections), params.Slices, interval), nil
}
