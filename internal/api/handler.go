// Package api exposes the round manager over HTTP. Every handler resolves the
// caller from the request context and delegates to round.Manager; the
// manager owns all authorization decisions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/auth"
	"github.com/atmx/arena/internal/ledger"
	"github.com/atmx/arena/internal/model"
	"github.com/atmx/arena/internal/oracle"
	"github.com/atmx/arena/internal/portfolio"
	"github.com/atmx/arena/internal/registry"
	"github.com/atmx/arena/internal/round"
	"github.com/atmx/arena/internal/store"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	mgr    *round.Manager
	logger *slog.Logger
}

// NewHandler creates a handler. A nil logger uses slog.Default().
func NewHandler(mgr *round.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{mgr: mgr, logger: logger}
}

// Routes registers the API on r. Reads are public; writes need a caller.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings", h.GetSettings)
	r.Get("/portfolio-types", h.ListPortfolioTypes)
	r.Get("/rounds", h.ListRounds)
	r.Route("/rounds/{roundID}", func(r chi.Router) {
		r.Get("/", h.GetRound)
		r.Get("/prize-pool", h.GetPrizePool)
		r.Get("/winners", h.GetWinners)
		r.Get("/winners/{participant}", h.IsWinner)
		r.Get("/owner-winner", h.IsOwnerWinner)
		r.Get("/standings", h.GetStandings)
		r.Get("/withdrawals", h.ListWithdrawals)
		r.Get("/portfolios/{index}/{participant}", h.ViewPortfolio)
		r.With(auth.RequireCaller).Post("/withdraw", h.WithdrawPrize)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireCaller)
		r.Put("/settings", h.UpdateSettings)
		r.Post("/portfolio-types", h.AddPortfolioType)
		r.Post("/authorized-callers", h.Authorize)
		r.Post("/rounds/start", h.StartRound)
		r.Post("/rounds/end", h.EndRound)
		r.Post("/portfolios", h.CreatePortfolio)
	})
}

// --- Request / response types ---

// CreatePortfolioRequest is the body of POST /portfolios.
type CreatePortfolioRequest struct {
	PortfolioType string   `json:"portfolio_type"`
	Assets        []string `json:"assets"`
	Weights       []int64  `json:"weights"`
}

// StartRoundRequest is the body of POST /rounds/start.
type StartRoundRequest struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

// SettingsRequest is the body of PUT /settings.
type SettingsRequest struct {
	FeeToken    string           `json:"fee_token"`
	CreationFee *decimal.Decimal `json:"creation_fee"`
	MaxAssets   int              `json:"max_assets"`
}

// PortfolioTypeRequest is the body of POST /portfolio-types.
type PortfolioTypeRequest struct {
	Name string `json:"name"`
}

// AuthorizeRequest is the body of POST /authorized-callers.
type AuthorizeRequest struct {
	Address string `json:"address"`
}

// PrizePoolResponse is returned by GET /rounds/{roundID}/prize-pool.
type PrizePoolResponse struct {
	RoundID   int64           `json:"round_id"`
	PrizePool decimal.Decimal `json:"prize_pool"`
}

// WinnersResponse is returned by GET /rounds/{roundID}/winners.
type WinnersResponse struct {
	RoundID int64    `json:"round_id"`
	Winners []string `json:"winners"`
}

// WinnerResponse answers whether one participant won.
type WinnerResponse struct {
	RoundID     int64  `json:"round_id"`
	Participant string `json:"participant"`
	Winner      bool   `json:"winner"`
}

// WithdrawResponse is returned by POST /rounds/{roundID}/withdraw.
type WithdrawResponse struct {
	RoundID     int64           `json:"round_id"`
	Participant string          `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
}

// --- Owner surface ---

// UpdateSettings handles PUT /api/v1/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CreationFee == nil {
		writeError(w, "creation_fee is required", http.StatusBadRequest)
		return
	}
	settings, err := h.mgr.UpdateSettings(r.Context(), auth.CallerFrom(r.Context()), req.FeeToken, *req.CreationFee, req.MaxAssets)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// AddPortfolioType handles POST /api/v1/portfolio-types.
func (h *Handler) AddPortfolioType(w http.ResponseWriter, r *http.Request) {
	var req PortfolioTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	idx, err := h.mgr.AddPortfolioType(r.Context(), auth.CallerFrom(r.Context()), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "index": idx})
}

// Authorize handles POST /api/v1/authorized-callers.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.mgr.Authorize(r.Context(), auth.CallerFrom(r.Context()), req.Address); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": model.NormalizeAddress(req.Address)})
}

// maxDurationSeconds is the largest whole-second duration a time.Duration holds.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// StartRound handles POST /api/v1/rounds/start.
func (h *Handler) StartRound(w http.ResponseWriter, r *http.Request) {
	var req StartRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DurationSeconds <= 0 || req.DurationSeconds > maxDurationSeconds {
		writeError(w, "duration_seconds out of range", http.StatusBadRequest)
		return
	}
	rd, err := h.mgr.StartRound(r.Context(), auth.CallerFrom(r.Context()), time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// EndRound handles POST /api/v1/rounds/end.
func (h *Handler) EndRound(w http.ResponseWriter, r *http.Request) {
	rd, err := h.mgr.EndRound(r.Context(), auth.CallerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// --- Participant surface ---

// CreatePortfolio handles POST /api/v1/portfolios.
func (h *Handler) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PortfolioType == "" {
		writeError(w, "portfolio_type is required", http.StatusBadRequest)
		return
	}
	p, err := h.mgr.CreatePortfolioNextRound(r.Context(), auth.CallerFrom(r.Context()), req.PortfolioType, req.Assets, req.Weights)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// WithdrawPrize handles POST /api/v1/rounds/{roundID}/withdraw.
func (h *Handler) WithdrawPrize(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	caller := auth.CallerFrom(r.Context())
	amount, err := h.mgr.WithdrawPrize(r.Context(), caller, roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{RoundID: roundID, Participant: caller, Amount: amount})
}

// --- Views ---

// GetSettings handles GET /api/v1/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.mgr.Settings(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// ListPortfolioTypes handles GET /api/v1/portfolio-types.
func (h *Handler) ListPortfolioTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.mgr.PortfolioTypes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

// ListRounds handles GET /api/v1/rounds.
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.mgr.Rounds(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetRound handles GET /api/v1/rounds/{roundID}.
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	rd, err := h.mgr.Round(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// GetPrizePool handles GET /api/v1/rounds/{roundID}/prize-pool.
func (h *Handler) GetPrizePool(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	pool, err := h.mgr.PrizePool(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PrizePoolResponse{RoundID: roundID, PrizePool: pool})
}

// GetWinners handles GET /api/v1/rounds/{roundID}/winners.
func (h *Handler) GetWinners(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	winners, err := h.mgr.Winners(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if winners == nil {
		winners = []string{}
	}
	writeJSON(w, http.StatusOK, WinnersResponse{RoundID: roundID, Winners: winners})
}

// IsWinner handles GET /api/v1/rounds/{roundID}/winners/{participant}.
func (h *Handler) IsWinner(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	participant := model.NormalizeAddress(chi.URLParam(r, "participant"))
	won, err := h.mgr.IsWinner(r.Context(), participant, roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WinnerResponse{RoundID: roundID, Participant: participant, Winner: won})
}

// IsOwnerWinner handles GET /api/v1/rounds/{roundID}/owner-winner.
func (h *Handler) IsOwnerWinner(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	won, err := h.mgr.IsOwnerWinner(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WinnerResponse{RoundID: roundID, Participant: h.mgr.Owner(), Winner: won})
}

// GetStandings handles GET /api/v1/rounds/{roundID}/standings.
func (h *Handler) GetStandings(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	standings, err := h.mgr.Standings(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if standings == nil {
		standings = []model.Standing{}
	}
	writeJSON(w, http.StatusOK, standings)
}

// ListWithdrawals handles GET /api/v1/rounds/{roundID}/withdrawals.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	paid, err := h.mgr.Withdrawals(r.Context(), roundID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if paid == nil {
		paid = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, paid)
}

// ViewPortfolio handles GET /api/v1/rounds/{roundID}/portfolios/{index}/{participant}.
func (h *Handler) ViewPortfolio(w http.ResponseWriter, r *http.Request) {
	roundID, ok := roundParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	p, err := h.mgr.ViewPortfolio(r.Context(), roundID, index, chi.URLParam(r, "participant"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

func roundParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roundID"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, "round id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// fail maps an engine error to its HTTP status. Unclassified errors are
// logged and hidden behind a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, registry.ErrUnauthorized),
		errors.Is(err, round.ErrNotAWinner):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, round.ErrRoundAlreadyActive),
		errors.Is(err, round.ErrRoundNotActive),
		errors.Is(err, round.ErrDurationNotElapsed),
		errors.Is(err, round.ErrRoundNotEnded),
		errors.Is(err, round.ErrRoundInProgress),
		errors.Is(err, round.ErrReentrantCall),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrPoolExhausted),
		errors.Is(err, registry.ErrNoWinners),
		errors.Is(err, store.ErrDuplicatePortfolio),
		errors.Is(err, store.ErrDuplicateType),
		errors.Is(err, store.ErrDuplicateRound),
		errors.Is(err, store.ErrAlreadyWithdrawn):
		return http.StatusConflict

	case errors.Is(err, portfolio.ErrEmptyAllocation),
		errors.Is(err, portfolio.ErrTooManyAssets),
		errors.Is(err, portfolio.ErrZeroWeight),
		errors.Is(err, portfolio.ErrDuplicateAsset),
		errors.Is(err, portfolio.ErrEmptyAsset),
		errors.Is(err, portfolio.ErrLengthMismatch),
		errors.Is(err, round.ErrUnknownPortfolioType),
		errors.Is(err, round.ErrInvalidDuration),
		errors.Is(err, round.ErrInvalidSettings),
		errors.Is(err, registry.ErrInvalidType),
		errors.Is(err, ledger.ErrUnknownToken),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired

	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway

	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrOracleUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
