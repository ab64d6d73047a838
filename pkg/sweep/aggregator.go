package sweep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/driftwoodlabs/allocator/pkg/retry"
)

// AggregatorConfig holds the aggregator strategy configuration.
type AggregatorConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *AggregatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Aggregator submits the whole order to an external execution aggregator over
// HTTP. The idempotency key is derived from the order body, so re-executing
// with identical inputs dedupes server-side.
type Aggregator struct {
	log *slog.Logger
	cfg AggregatorConfig
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{log: cfg.Logger, cfg: cfg}, nil
}

func (a *Aggregator) Name() string { return "aggregator" }

type aggregatorOrder struct {
	Collections []string        `json:"collections"`
	Amounts     []uint64        `json:"amounts"`
	Extra       uint64          `json:"extra,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type aggregatorResponse struct {
	Message string `json:"message"`
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("aggregator returned %d: %s", e.status, e.body)
}

func (e *httpStatusError) StatusCode() int { return e.status }

func (a *Aggregator) Execute(ctx context.Context, collections []string, amounts []uint64, aux []byte, extra uint64) (string, error) {
	order := aggregatorOrder{
		Collections: collections,
		Amounts:     amounts,
		Extra:       extra,
	}
	if len(aux) > 0 {
		order.Params = json.RawMessage(aux)
	}
	body, err := json.Marshal(order)
	if err != nil {
		return "", fmt.Errorf("failed to encode order: %w", err)
	}

	sum := sha256.Sum256(body)
	idempotencyKey := hex.EncodeToString(sum[:])

	var message string
	err = retry.Do(ctx, a.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		req.Header.Set("X-Request-ID", uuid.NewString())

		resp, err := a.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("aggregator request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("failed to read aggregator response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
		}

		var out aggregatorResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return fmt.Errorf("failed to decode aggregator response: %w", err)
		}
		message = out.Message
		return nil
	})
	if err != nil {
		return "", err
	}

	a.log.Info("aggregator order submitted", "collections", len(collections), "idempotency_key", idempotencyKey[:12])
	if message == "" {
		message = fmt.Sprintf("aggregator accepted order %s", idempotencyKey[:12])
	}
	return message, nil
}
