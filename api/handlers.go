package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"

	"github.com/driftwoodlabs/allocator/pkg/alloc"
	"github.com/driftwoodlabs/allocator/pkg/epoch"
	"github.com/driftwoodlabs/allocator/pkg/store"
	"github.com/driftwoodlabs/allocator/pkg/sweep"
	"github.com/driftwoodlabs/allocator/pkg/vote"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the core error taxonomy onto HTTP statuses: validation
// errors to 400, missing state to 404, capacity to 422, state-machine
// conflicts to 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUnknownCollection),
		errors.Is(err, alloc.ErrInvalidSampleSize),
		errors.Is(err, sweep.ErrLengthMismatch),
		errors.Is(err, sweep.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, epoch.ErrHandlerNotFound),
		errors.Is(err, sweep.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, vote.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, epoch.ErrTooEarly),
		errors.Is(err, store.ErrDuplicateSweep),
		errors.Is(err, store.ErrCollectionRegistered),
		errors.Is(err, sweep.ErrSweepInFlight),
		errors.Is(err, sweep.ErrSweepCompleted),
		errors.Is(err, epoch.ErrHandlerRegistered),
		errors.Is(err, epoch.ErrHandlerCapExceeded),
		errors.Is(err, vote.ErrCollectionCapExceeded),
		errors.Is(err, sweep.ErrStrategyRegistered),
		errors.Is(err, sweep.ErrStrategyCapExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type castVoteRequest struct {
	Voter      string `json:"voter"`
	Collection string `json:"collection"`
	Magnitude  int64  `json:"magnitude"`
}

type castVoteResponse struct {
	Collection string `json:"collection"`
	NetVotes   int64  `json:"net_votes"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Voter == "" || req.Collection == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "voter and collection are required"})
		return
	}

	net, err := s.cfg.Votes.Cast(r.Context(), req.Voter, req.Collection, req.Magnitude)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, castVoteResponse{Collection: req.Collection, NetVotes: net})
}

func (s *Server) handleClearVotes(w http.ResponseWriter, r *http.Request) {
	voter := chi.URLParam(r, "voter")
	if err := s.cfg.Votes.Clear(r.Context(), voter); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"voter": voter})
}

type collectionResponse struct {
	ID       string `json:"id"`
	Seq      uint64 `json:"seq"`
	NetVotes int64  `json:"net_votes"`
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.cfg.Votes.Collections(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]collectionResponse, len(cols))
	for i, c := range cols {
		out[i] = collectionResponse{ID: c.ID, Seq: c.Seq, NetVotes: c.NetVotes}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "collection id is required"})
		return
	}
	if err := s.cfg.Votes.RegisterCollection(r.Context(), req.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleDeregisterCollection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Votes.DeregisterCollection(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type epochResponse struct {
	Epoch            uint64    `json:"epoch"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfg.Scheduler.Epoch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, epochResponse{Epoch: e.Index, LastTransitionAt: e.LastTransitionAt})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	span := sentry.StartSpan(r.Context(), "epoch.transition")
	next, err := s.cfg.Scheduler.Transition(span.Context())
	span.Finish()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"epoch": next})
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"handlers": s.cfg.Scheduler.Handlers()})
}

func (s *Server) handleSetNextKind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.cfg.Planner.SetNextKind(store.SweepKind(req.Kind)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"kind": req.Kind})
}

func (s *Server) handleSkipNext(w http.ResponseWriter, r *http.Request) {
	s.cfg.Planner.SkipNext()
	s.writeJSON(w, http.StatusOK, map[string]bool{"skip_next": true})
}

type sweepResponse struct {
	Epoch       uint64     `json:"epoch"`
	Kind        string     `json:"kind"`
	Collections []string   `json:"collections"`
	Amounts     []uint64   `json:"amounts"`
	Completed   bool       `json:"completed"`
	Note        string     `json:"note,omitempty"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

func (s *Server) handleGetSweep(w http.ResponseWriter, r *http.Request) {
	epochIndex, ok := s.epochParam(w, r)
	if !ok {
		return
	}
	sw, err := s.cfg.Sweeps.Sweep(r.Context(), epochIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := sweepResponse{
		Epoch:       sw.Epoch,
		Kind:        string(sw.Kind),
		Collections: sw.Collections,
		Amounts:     sw.Amounts,
		Completed:   sw.Completed,
		Note:        sw.Note,
		Message:     sw.Message,
		CreatedAt:   sw.CreatedAt,
	}
	if !sw.ExecutedAt.IsZero() {
		resp.ExecutedAt = &sw.ExecutedAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type executeSweepRequest struct {
	Strategy string          `json:"strategy"`
	Aux      json.RawMessage `json:"aux,omitempty"`
	Extra    uint64          `json:"extra,omitempty"`
}

func (s *Server) handleExecuteSweep(w http.ResponseWriter, r *http.Request) {
	s.executeSweep(w, r, s.cfg.Sweeps.Execute)
}

func (s *Server) handleReexecuteSweep(w http.ResponseWriter, r *http.Request) {
	s.executeSweep(w, r, s.cfg.Sweeps.Reexecute)
}

func (s *Server) executeSweep(
	w http.ResponseWriter,
	r *http.Request,
	run func(ctx context.Context, epoch uint64, strategy string, aux []byte, extra uint64) (sweep.Receipt, error),
) {
	epochIndex, ok := s.epochParam(w, r)
	if !ok {
		return
	}
	var req executeSweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Strategy == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "strategy is required"})
		return
	}

	span := sentry.StartSpan(r.Context(), "sweep.execute")
	rcpt, err := run(span.Context(), epochIndex, req.Strategy, req.Aux, req.Extra)
	span.Finish()
	if err != nil {
		// Failures from the strategy itself are upstream failures.
		if statusFor(err) == http.StatusInternalServerError {
			s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rcpt)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"strategies": s.cfg.Sweeps.Strategies()})
}

type liquidationResponse struct {
	Epoch         uint64    `json:"epoch"`
	Collection    string    `json:"collection"`
	NegativeVotes int64     `json:"negative_votes"`
	GrossVotes    uint64    `json:"gross_votes"`
	Proceeds      uint64    `json:"proceeds"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleGetLiquidation(w http.ResponseWriter, r *http.Request) {
	epochIndex, ok := s.epochParam(w, r)
	if !ok {
		return
	}
	snap, err := s.cfg.Store.Liquidation(r.Context(), epochIndex)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, liquidationResponse{
		Epoch:         snap.Epoch,
		Collection:    snap.Collection,
		NegativeVotes: snap.NegativeVotes,
		GrossVotes:    snap.GrossVotes,
		Proceeds:      snap.Proceeds,
		CreatedAt:     snap.CreatedAt,
	})
}

func (s *Server) epochParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "epoch")
	epochIndex, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid epoch"})
		return 0, false
	}
	return epochIndex, true
}
