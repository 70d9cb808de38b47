// Package api provides the HTTP handlers for settlement triggers, option
// grants and exercises, dividend distribution and wallet queries, plus a
// WebSocket hub that broadcasts engine events.
//
// All monetary values use shopspring/decimal and travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/dividend"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/options"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/program"
	"github.com/atmx/settlement-engine/internal/scoring"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      store.Store
	Programs   *program.Registry
	Settlement *settlement.Job
	Options    *options.Ledger
	Dividends  *dividend.Distributor

	// Hub and Limiter are optional.
	Hub     *Hub
	Limiter *RateLimiter
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.Store == nil:
		return errors.New("store is required")
	case cfg.Programs == nil:
		return errors.New("programs are required")
	case cfg.Settlement == nil:
		return errors.New("settlement job is required")
	case cfg.Options == nil:
		return errors.New("options ledger is required")
	case cfg.Dividends == nil:
		return errors.New("dividend distributor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service serves the engine's HTTP API.
type Service struct {
	log *slog.Logger
	cfg Config
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Routes registers every endpoint on r, which is expected to be mounted at
// /api/v1. Endpoints that move money are rate limited when a limiter is set.
func (s *Service) Routes(r chi.Router) {
	if s.cfg.Hub != nil {
		r.Get("/ws", s.cfg.Hub.HandleWS)
	}

	r.Get("/programs", s.ListPrograms)
	r.Get("/settlements/{program}", s.ListSettlements)
	r.Get("/settlements/{program}/{periodID}", s.GetSettlement)
	r.Get("/options/{userID}", s.GetOptions)
	r.Get("/dividends/weights", s.GetDividendWeights)
	r.Get("/dividends/{periodID}", s.GetDividend)
	r.Get("/wallets/{userID}", s.GetWallet)
	r.Get("/wallets/{userID}/entries", s.GetWalletEntries)

	r.Group(func(r chi.Router) {
		if s.cfg.Limiter != nil {
			r.Use(s.cfg.Limiter.Middleware)
		}
		r.Post("/metrics/{program}/{periodID}", s.PutMetrics)
		r.Post("/income/{program}/{periodID}", s.PutIncome)

		r.Post("/settlements/{program}/auto", s.AutoSettle)
		r.Post("/settlements/{program}/{periodID}/execute", s.ExecuteSettlement)
		r.Post("/settlements/{program}/{periodID}/preview", s.PreviewSettlement)

		r.Post("/options/grants", s.GrantOptions)
		r.Post("/options/vesting", s.ProcessVesting)
		r.Post("/options/exercise", s.ExerciseOptions)

		r.Post("/dividends/{periodID}/weights", s.CalculateDividendWeights)
		r.Post("/dividends/{periodID}/distribute", s.DistributeDividend)
	})
}

// --- Request/Response types ---

// IncomeRequest is the JSON body of POST /income/{program}/{periodID}.
type IncomeRequest struct {
	NetIncome decimal.Decimal `json:"net_income"`
}

// GrantRequest is the JSON body of POST /options/grants. With UserID set it
// issues one standalone grant; otherwise it runs the options settlement of
// Program and PeriodID with the optional pricing overrides.
type GrantRequest struct {
	Program     model.ProgramID  `json:"program"`
	PeriodID    string           `json:"period_id"`
	MarketPrice *decimal.Decimal `json:"market_price,omitempty"`
	Discount    *decimal.Decimal `json:"discount,omitempty"`
	VestingDays *int             `json:"vesting_days,omitempty"`

	UserID string          `json:"user_id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// VestingResponse is returned from POST /options/vesting.
type VestingResponse struct {
	Updated int                 `json:"updated"`
	Grants  []model.OptionGrant `json:"grants"`
}

// ExerciseRequest is the JSON body of POST /options/exercise. Without a
// market price the oracle price is used.
type ExerciseRequest struct {
	UserID      string           `json:"user_id"`
	Amount      decimal.Decimal  `json:"amount"`
	MarketPrice *decimal.Decimal `json:"market_price,omitempty"`
}

// DistributeRequest is the JSON body of POST /dividends/{periodID}/distribute.
type DistributeRequest struct {
	TotalPool decimal.Decimal `json:"total_pool"`
}

// --- Inputs ---

// PutMetrics handles POST /api/v1/metrics/{program}/{periodID}.
func (s *Service) PutMetrics(w http.ResponseWriter, r *http.Request) {
	prog, periodID, ok := s.period(w, r)
	if !ok {
		return
	}
	var metrics []model.ContributionMetric
	if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, m := range metrics {
		if m.UserID == "" {
			writeError(w, "user_id is required on every metric", http.StatusBadRequest)
			return
		}
	}
	if err := s.cfg.Store.PutMetrics(r.Context(), prog.ID, periodID, metrics); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"program": prog.ID, "period_id": periodID, "records": len(metrics)})
}

// PutIncome handles POST /api/v1/income/{program}/{periodID}.
func (s *Service) PutIncome(w http.ResponseWriter, r *http.Request) {
	prog, periodID, ok := s.period(w, r)
	if !ok {
		return
	}
	var req IncomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.PutNetIncome(r.Context(), prog.ID, periodID, req.NetIncome); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"program": prog.ID, "period_id": periodID, "net_income": req.NetIncome})
}

// --- Settlements ---

// ListPrograms handles GET /api/v1/programs.
func (s *Service) ListPrograms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Programs.All())
}

// AutoSettle handles POST /api/v1/settlements/{program}/auto.
func (s *Service) AutoSettle(w http.ResponseWriter, r *http.Request) {
	id := model.ProgramID(chi.URLParam(r, "program"))
	res, err := s.cfg.Settlement.CheckAndExecuteAuto(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExecuteSettlement handles POST /api/v1/settlements/{program}/{periodID}/execute.
func (s *Service) ExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	id := model.ProgramID(chi.URLParam(r, "program"))
	rec, err := s.cfg.Settlement.ExecuteManual(r.Context(), id, chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PreviewSettlement handles POST /api/v1/settlements/{program}/{periodID}/preview.
func (s *Service) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	id := model.ProgramID(chi.URLParam(r, "program"))
	p, err := s.cfg.Settlement.Preview(r.Context(), id, chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListSettlements handles GET /api/v1/settlements/{program}, optionally
// filtered by ?status=.
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	prog, err := s.cfg.Programs.Get(model.ProgramID(chi.URLParam(r, "program")))
	if err != nil {
		s.fail(w, err)
		return
	}

	var recs []model.SettlementRecord
	if status := r.URL.Query().Get("status"); status != "" {
		recs, err = s.cfg.Store.ListSettlementsByStatus(r.Context(), prog.ID, model.SettlementStatus(status))
	} else {
		recs, err = s.cfg.Store.ListSettlements(r.Context(), prog.ID)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []model.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetSettlement handles GET /api/v1/settlements/{program}/{periodID}.
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	prog, periodID, ok := s.period(w, r)
	if !ok {
		return
	}
	rec, err := s.cfg.Store.GetSettlement(r.Context(), prog.ID, periodID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Options ---

// GrantOptions handles POST /api/v1/options/grants.
func (s *Service) GrantOptions(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if req.UserID != "" {
		gr := options.GrantRequest{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Program:     req.Program,
			PeriodID:    req.PeriodID,
			Discount:    decimal.NewFromInt(1),
			VestingDays: 0,
		}
		if req.Program != "" {
			prog, err := s.cfg.Programs.Get(req.Program)
			if err != nil {
				s.fail(w, err)
				return
			}
			gr.Discount = prog.StrikeDiscount
			gr.VestingDays = prog.VestingDays
		}
		if req.MarketPrice != nil {
			gr.MarketPrice = *req.MarketPrice
		}
		if req.Discount != nil {
			gr.Discount = *req.Discount
		}
		if req.VestingDays != nil {
			gr.VestingDays = *req.VestingDays
		}
		g, err := s.cfg.Options.Grant(ctx, gr)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
		return
	}

	if req.Program == "" || req.PeriodID == "" {
		writeError(w, "program and period_id are required", http.StatusBadRequest)
		return
	}
	rec, err := s.cfg.Settlement.GrantOptions(ctx, req.Program, req.PeriodID, settlement.PricingInputs{
		MarketPrice: req.MarketPrice,
		Discount:    req.Discount,
		VestingDays: req.VestingDays,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ProcessVesting handles POST /api/v1/options/vesting.
func (s *Service) ProcessVesting(w http.ResponseWriter, r *http.Request) {
	updated, err := s.cfg.Options.TickVesting(r.Context(), s.cfg.Clock.Now())
	if err != nil {
		s.fail(w, err)
		return
	}
	if updated == nil {
		updated = []model.OptionGrant{}
	}
	writeJSON(w, http.StatusOK, VestingResponse{Updated: len(updated), Grants: updated})
}

// ExerciseOptions handles POST /api/v1/options/exercise.
func (s *Service) ExerciseOptions(w http.ResponseWriter, r *http.Request) {
	var req ExerciseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var res *options.ExerciseResult
	var err error
	if req.MarketPrice != nil {
		res, err = s.cfg.Options.Exercise(r.Context(), req.UserID, req.Amount, *req.MarketPrice)
	} else {
		res, err = s.cfg.Options.ExerciseAtMarket(r.Context(), req.UserID, req.Amount)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetOptions handles GET /api/v1/options/{userID}.
func (s *Service) GetOptions(w http.ResponseWriter, r *http.Request) {
	h, err := s.cfg.Options.Holdings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// --- Dividends ---

// CalculateDividendWeights handles POST /api/v1/dividends/{periodID}/weights.
func (s *Service) CalculateDividendWeights(w http.ResponseWriter, r *http.Request) {
	ws, err := s.cfg.Dividends.CalculateWeights(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// GetDividendWeights handles GET /api/v1/dividends/weights.
func (s *Service) GetDividendWeights(w http.ResponseWriter, r *http.Request) {
	ws, err := s.cfg.Dividends.Weights(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// DistributeDividend handles POST /api/v1/dividends/{periodID}/distribute.
func (s *Service) DistributeDividend(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := s.cfg.Dividends.Distribute(r.Context(), chi.URLParam(r, "periodID"), req.TotalPool)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetDividend handles GET /api/v1/dividends/{periodID}.
func (s *Service) GetDividend(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Dividends.Get(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Wallets ---

// GetWallet handles GET /api/v1/wallets/{userID}.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.cfg.Store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetWalletEntries handles GET /api/v1/wallets/{userID}/entries.
func (s *Service) GetWalletEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Store.GetLedgerEntriesByAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

// period resolves the {program} and {periodID} URL params, writing the error
// response itself when they are invalid.
func (s *Service) period(w http.ResponseWriter, r *http.Request) (program.Program, string, bool) {
	prog, err := s.cfg.Programs.Get(model.ProgramID(chi.URLParam(r, "program")))
	if err != nil {
		s.fail(w, err)
		return program.Program{}, "", false
	}
	per, err := period.Parse(prog.Cadence, chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, err)
		return program.Program{}, "", false
	}
	return prog, per.ID, true
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scoring.ErrInvalidMetric):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrLedgerCommit):
		return http.StatusInternalServerError
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, program.ErrUnknownProgram):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrConcurrentSettlement),
		errors.Is(err, options.ErrInsufficientVestedOptions),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrPeriodClosed),
		errors.Is(err, store.ErrInsufficientBalance),
		errors.Is(err, dividend.ErrPeriodSuperseded),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, period.ErrInvalidPeriod),
		errors.Is(err, period.ErrInvalidCadence),
		errors.Is(err, settlement.ErrNotOptionsProgram),
		errors.Is(err, program.ErrInvalidProgram),
		errors.Is(err, options.ErrInvalidAmount),
		errors.Is(err, options.ErrInvalidGrant),
		errors.Is(err, dividend.ErrInvalidPool):
		return http.StatusBadRequest
	case errors.Is(err, pricing.ErrPriceUnavailable):
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
	writeJSON(w, status, map[string]string{"error": message})
}
