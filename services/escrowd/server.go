package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/state"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end for the escrow engine. It plays the host
// environment role from the engine's point of view: it supplies caller
// identities, serializes operations, and observes emitted events.
type Server struct {
	engine   *escrow.Engine
	manager  *state.Manager
	audit    *AuditStore
	recorder *EventRecorder
	logger   *slog.Logger

	// mu serializes engine operations so no two transitions on the same
	// instance interleave.
	mu sync.Mutex
}

func NewServer(engine *escrow.Engine, manager *state.Manager, audit *AuditStore, recorder *EventRecorder, logger *slog.Logger) *Server {
	if engine == nil {
		panic("escrow engine required")
	}
	if manager == nil {
		panic("state manager required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		manager:  manager,
		audit:    audit,
		recorder: recorder,
		logger:   logger,
	}
}

// Router assembles the HTTP routes.
func (s *Server) Router(limiter *rateLimiter) http.Handler {
	r := chi.NewRouter()
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/escrows", s.handleCreate)
	r.Get("/escrows/{id}", s.handleGet)
	r.Get("/escrows/{id}/fee", s.handleFeeQuote)
	r.Get("/escrows/{id}/events", s.handleEvents)
	r.Get("/escrows/{id}/audit", s.handleAudit)
	r.Post("/escrows/{id}/deposit", s.handleDeposit)
	r.Post("/escrows/{id}/confirm", s.handleConfirm)
	r.Post("/escrows/{id}/dispute", s.handleDispute)
	r.Post("/escrows/{id}/votes", s.handleVote)
	r.Post("/escrows/{id}/resolve", s.handleResolve)
	r.Post("/escrows/{id}/refund", s.handleRefund)
	r.Post("/escrows/{id}/fees/withdraw", s.handleWithdrawFees)

	r.Get("/accounts/{address}", s.handleAccountGet)
	r.Post("/accounts/{address}/credit", s.handleAccountCredit)

	return r
}

type createRequest struct {
	Buyer          string   `json:"buyer"`
	Seller         string   `json:"seller"`
	Arbiters       []string `json:"arbiters"`
	TimeoutSeconds int64    `json:"timeoutSeconds"`
	FeeBps         uint32   `json:"feeBps"`
	SingleDeposit  bool     `json:"singleDeposit"`
	Nonce          string   `json:"nonce,omitempty"`
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type depositRequest struct {
	Caller string `json:"caller"`
	Value  string `json:"value"`
}

type voteRequest struct {
	Caller   string `json:"caller"`
	ForBuyer bool   `json:"forBuyer"`
}

type resolveRequest struct {
	Caller   string `json:"caller"`
	PayBuyer bool   `json:"payBuyer"`
}

type creditRequest struct {
	Amount string `json:"amount"`
}

type escrowView struct {
	ID              string   `json:"id"`
	Buyer           string   `json:"buyer"`
	Seller          string   `json:"seller"`
	Arbiters        []string `json:"arbiters"`
	ArbiterCount    int      `json:"arbiterCount"`
	FeeBps          uint32   `json:"feeBps"`
	SingleDeposit   bool     `json:"singleDeposit"`
	Status          string   `json:"status"`
	TotalDeposited  string   `json:"totalDeposited"`
	LastDeposit     string   `json:"lastDeposit"`
	CollectedFees   string   `json:"collectedFees"`
	VotesForBuyer   uint32   `json:"votesForBuyer"`
	VotesForSeller  uint32   `json:"votesForSeller"`
	FundsReleased   bool     `json:"fundsReleased"`
	DepositDeadline int64    `json:"depositDeadline"`
	CreatedAt       int64    `json:"createdAt"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("buyer: %w", err))
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("seller: %w", err))
		return
	}
	arbiters := make([][20]byte, 0, len(req.Arbiters))
	for i, raw := range req.Arbiters {
		arb, err := parseAddress(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("arbiter %d: %w", i, err))
			return
		}
		arbiters = append(arbiters, arb)
	}
	var nonce [32]byte
	if trimmed := strings.TrimSpace(req.Nonce); trimmed != "" {
		nonce, err = parseID(trimmed)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("nonce: %w", err))
			return
		}
	}

	var created *escrow.Escrow
	opErr := s.runOp("create", func() error {
		var err error
		created, err = s.engine.Create(buyer, seller, arbiters, time.Duration(req.TimeoutSeconds)*time.Second, req.FeeBps, req.SingleDeposit, nonce)
		return err
	})
	if opErr != nil {
		s.writeEngineError(w, opErr)
		return
	}
	s.recordAudit(r.Context(), created.ID, "create", req.Buyer, http.StatusCreated, "")
	s.writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	esc, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(esc))
}

func (s *Server) handleFeeQuote(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	value, err := parseAmount(r.URL.Query().Get("value"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	esc, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"value": value.String(),
		"fee":   esc.CalculateFee(value).String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var events []*types.Event
	if s.recorder != nil {
		events = s.recorder.EventsFor(hex.EncodeToString(id[:]))
	}
	if events == nil {
		events = []*types.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if s.audit == nil {
		s.writeJSON(w, http.StatusOK, []AuditEntry{})
		return
	}
	entries, err := s.audit.History(r.Context(), hex.EncodeToString(id[:]), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req depositRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("caller: %w", err))
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	s.stateChange(w, r, id, "deposit", req.Caller, func() error {
		return s.engine.Deposit(id, caller, value)
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.callerStateChange(w, r, "confirm_delivery", s.engine.ConfirmDelivery)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.callerStateChange(w, r, "raise_dispute", s.engine.RaiseDispute)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req voteRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("caller: %w", err))
		return
	}
	s.stateChange(w, r, id, "vote", req.Caller, func() error {
		return s.engine.VoteOnDispute(id, caller, req.ForBuyer)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req resolveRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("caller: %w", err))
		return
	}
	s.stateChange(w, r, id, "resolve_dispute", req.Caller, func() error {
		return s.engine.ResolveDispute(id, caller, req.PayBuyer)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.callerStateChange(w, r, "refund_timeout", s.engine.RefundIfTimeout)
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	s.callerStateChange(w, r, "withdraw_fees", s.engine.WithdrawFees)
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	acc, err := s.manager.GetAccount(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": hex.EncodeToString(addr[:]),
		"balance": acc.Balance.String(),
	})
}

// handleAccountCredit seeds a ledger balance. In production the surrounding
// ledger environment funds accounts; this endpoint stands in for it.
func (s *Server) handleAccountCredit(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req creditRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.manager.GetAccount(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	if err := s.manager.PutAccount(addr, acc); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": hex.EncodeToString(addr[:]),
		"balance": acc.Balance.String(),
	})
}

// --- shared plumbing ---

// callerStateChange handles the operations whose payload is just a caller
// identity.
func (s *Server) callerStateChange(w http.ResponseWriter, r *http.Request, op string, fn func([32]byte, [20]byte) error) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req callerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("caller: %w", err))
		return
	}
	s.stateChange(w, r, id, op, req.Caller, func() error {
		return fn(id, caller)
	})
}

// stateChange runs an engine mutation under the serialization lock, records
// metrics and audit, and writes the refreshed escrow snapshot.
func (s *Server) stateChange(w http.ResponseWriter, r *http.Request, id [32]byte, op, caller string, fn func() error) {
	if err := s.runOp(op, fn); err != nil {
		status, code := statusForError(err)
		s.recordAudit(r.Context(), id, op, caller, status, code)
		s.writeError(w, status, code, err)
		return
	}
	s.recordAudit(r.Context(), id, op, caller, http.StatusOK, "")
	esc, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(esc))
}

func (s *Server) runOp(op string, fn func() error) error {
	start := time.Now()
	s.mu.Lock()
	err := fn()
	s.mu.Unlock()
	_, reason := statusForError(err)
	observability.EscrowMetrics().Observe(op, reason, time.Since(start))
	return err
}

func (s *Server) recordAudit(ctx context.Context, id [32]byte, op, caller string, status int, detail string) {
	if s.audit == nil {
		return
	}
	entry := AuditEntry{
		EscrowID:  hex.EncodeToString(id[:]),
		Operation: op,
		Caller:    strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(caller), "0x"), "0X")),
		Status:    status,
		Detail:    detail,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return err
	}
	if len(body) > maxRequestBody {
		return fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  code,
		"error": err.Error(),
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	s.writeError(w, status, code, err)
}

func statusForError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrAlreadyVoted):
		return http.StatusConflict, "already_voted"
	case errors.Is(err, escrow.ErrDeadlinePassed):
		return http.StatusConflict, "deadline_passed"
	case errors.Is(err, escrow.ErrDeadlineNotPassed):
		return http.StatusConflict, "deadline_not_passed"
	case errors.Is(err, escrow.ErrNoFeesAvailable):
		return http.StatusConflict, "no_fees_available"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, escrow.ErrInvalidArbiterSet):
		return http.StatusBadRequest, "invalid_arbiter_set"
	case errors.Is(err, escrow.ErrFeeTooHigh):
		return http.StatusBadRequest, "fee_too_high"
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusConflict, "transfer_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func viewOf(esc *escrow.Escrow) escrowView {
	arbiters := make([]string, 0, len(esc.Arbiters))
	for _, arb := range esc.Arbiters {
		arbiters = append(arbiters, hex.EncodeToString(arb[:]))
	}
	return escrowView{
		ID:              hex.EncodeToString(esc.ID[:]),
		Buyer:           hex.EncodeToString(esc.Buyer[:]),
		Seller:          hex.EncodeToString(esc.Seller[:]),
		Arbiters:        arbiters,
		ArbiterCount:    esc.ArbiterCount(),
		FeeBps:          esc.FeeBps,
		SingleDeposit:   esc.SingleDeposit,
		Status:          esc.Status.String(),
		TotalDeposited:  esc.TotalDeposited.String(),
		LastDeposit:     esc.LastDeposit.String(),
		CollectedFees:   esc.CollectedFees.String(),
		VotesForBuyer:   esc.VotesForBuyer,
		VotesForSeller:  esc.VotesForSeller,
		FundsReleased:   esc.FundsReleased,
		DepositDeadline: esc.DepositDeadline,
		CreatedAt:       esc.CreatedAt,
	}
}

func parseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 40 {
		return out, fmt.Errorf("address must be 20 bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func parseID(raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer")
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
