// Package epoch owns the epoch counter and its transition state machine. A
// transition runs every registered end-of-epoch handler exactly once, in
// registration order, inside a single unit of work: if any handler fails the
// whole transition rolls back and the epoch does not advance.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
)

var (
	ErrTooEarly           = errors.New("minimum epoch duration has not elapsed")
	ErrHandlerRegistered  = errors.New("handler already registered")
	ErrHandlerNotFound    = errors.New("handler not registered")
	ErrHandlerCapExceeded = errors.New("maximum registered handlers reached")
)

// Handler is invoked once per epoch transition with the outgoing epoch index
// and the transition's transaction. Returning an error aborts the whole
// transition.
type Handler interface {
	Name() string
	OnEpochEnd(ctx context.Context, tx store.Tx, epoch uint64) error
}

// CommitNotifier is implemented by handlers that keep one-shot state which
// must only be consumed once the transition has durably committed. A handler
// is notified with the outgoing epoch index; an aborted transition notifies
// nobody.
type CommitNotifier interface {
	OnEpochCommitted(epoch uint64)
}

// SchedulerConfig holds the epoch scheduler configuration.
type SchedulerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store

	// MinEpochDuration is the minimum wall-clock time between transitions.
	// A transition at exactly LastTransitionAt + MinEpochDuration succeeds.
	MinEpochDuration time.Duration

	// MaxHandlers caps the end-of-epoch handler list.
	MaxHandlers int

	// CheckInterval is how often the optional background loop attempts a
	// transition.
	CheckInterval time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.MinEpochDuration <= 0 {
		return errors.New("minimum epoch duration must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxHandlers <= 0 {
		cfg.MaxHandlers = 16
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig

	mu       sync.Mutex
	handlers []Handler
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// AddHandler appends a handler to the ordered registry. Registration order is
// invocation order.
func (s *Scheduler) AddHandler(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.handlers {
		if existing.Name() == h.Name() {
			return fmt.Errorf("%w: %q", ErrHandlerRegistered, h.Name())
		}
	}
	if len(s.handlers) >= s.cfg.MaxHandlers {
		return fmt.Errorf("%w (%d)", ErrHandlerCapExceeded, s.cfg.MaxHandlers)
	}
	s.handlers = append(s.handlers, h)
	s.log.Info("epoch end handler registered", "handler", h.Name(), "position", len(s.handlers)-1)
	return nil
}

// RemoveHandler removes a handler by name, preserving the order of the rest.
func (s *Scheduler) RemoveHandler(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.handlers, func(h Handler) bool { return h.Name() == name })
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}
	s.handlers = slices.Delete(s.handlers, i, i+1)
	s.log.Info("epoch end handler removed", "handler", name)
	return nil
}

// Handlers returns the registered handler names in invocation order.
func (s *Scheduler) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.handlers))
	for i, h := range s.handlers {
		names[i] = h.Name()
	}
	return names
}

// Epoch returns the current epoch counter.
func (s *Scheduler) Epoch(ctx context.Context) (store.Epoch, error) {
	return s.cfg.Store.Epoch(ctx)
}

// Transition advances the epoch by exactly one. Fails with ErrTooEarly before
// the minimum epoch duration has elapsed. All handlers run against the
// outgoing epoch inside one transaction; the counter and transition timestamp
// are written only after every handler has succeeded.
func (s *Scheduler) Transition(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()

	start := time.Now()
	var next uint64
	err := s.cfg.Store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.Epoch(ctx)
		if err != nil {
			return err
		}

		now := s.cfg.Clock.Now()
		earliest := cur.LastTransitionAt.Add(s.cfg.MinEpochDuration)
		if now.Before(earliest) {
			return fmt.Errorf("%w: epoch %d transitions at %s", ErrTooEarly, cur.Index, earliest.UTC().Format(time.RFC3339))
		}

		for _, h := range handlers {
			if err := h.OnEpochEnd(ctx, tx, cur.Index); err != nil {
				return fmt.Errorf("epoch end handler %q: %w", h.Name(), err)
			}
		}

		next = cur.Index + 1
		return tx.SetEpoch(ctx, store.Epoch{Index: next, LastTransitionAt: now})
	})
	if err != nil {
		if errors.Is(err, ErrTooEarly) {
			metrics.EpochTransitionsTotal.WithLabelValues("too_early").Inc()
		} else {
			metrics.EpochTransitionsTotal.WithLabelValues("error").Inc()
		}
		return 0, err
	}

	for _, h := range handlers {
		if n, ok := h.(CommitNotifier); ok {
			n.OnEpochCommitted(next - 1)
		}
	}

	metrics.EpochTransitionsTotal.WithLabelValues("success").Inc()
	metrics.EpochTransitionDuration.Observe(time.Since(start).Seconds())
	s.log.Info("epoch transitioned", "epoch", next, "handlers", len(handlers))
	return next, nil
}

// Start runs a background loop that attempts a transition on every check
// interval, treating ErrTooEarly as a quiet skip. Useful for deployments
// where no external actor drives transitions.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("epoch scheduler started", "check_interval", s.cfg.CheckInterval, "min_epoch_duration", s.cfg.MinEpochDuration)

		ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeTransition(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeTransition(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("epoch transition panicked", "panic", r)
			metrics.EpochTransitionsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := s.Transition(ctx); err != nil {
		switch {
		case errors.Is(err, ErrTooEarly):
			s.log.Debug("epoch transition skipped", "reason", err)
		case errors.Is(err, context.Canceled):
		default:
			s.log.Error("epoch transition failed", "error", err)
		}
	}
}
