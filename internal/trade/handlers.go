package trade

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/amm"
	"github.com/manaforge/market-engine/internal/contract"
	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/limits"
	"github.com/manaforge/market-engine/internal/model"
	"github.com/manaforge/market-engine/internal/resolution"
	"github.com/manaforge/market-engine/internal/store"
)

// UserHeader carries the caller's user id. Authentication happens upstream.
const UserHeader = "X-User-ID"

// Routes mounts the API on r. Mutating routes go through limiter when it
// is non-nil. Bonus grants and ledger administration are open only to the
// configured admins.
func (s *Service) Routes(r chi.Router, limiter *UserRateLimiter) {
	r.Get("/markets", s.handleListMarkets)
	r.Get("/markets/{marketID}", s.handleGetMarket)
	r.Get("/markets/{marketID}/prob", s.handleGetProb)
	r.Get("/markets/{marketID}/bets", s.handleListBets)
	r.Get("/markets/{marketID}/orders", s.handleListOrders)
	r.Get("/markets/{marketID}/positions/{userID}", s.handleGetPosition)
	r.Get("/accounts/{accountID}/balance", s.handleBalance)
	r.Get("/accounts/{accountID}/history", s.handleHistory)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/markets", s.handleCreateMarket)
		r.Post("/markets/{marketID}/liquidity", s.handleAddLiquidity)
		r.Post("/markets/{marketID}/resolve", s.handleResolve)
		r.Post("/markets/{marketID}/redeem", s.handleRedeem)
		r.Post("/markets/{marketID}/loans", s.handleTakeLoan)
		r.Post("/markets/{marketID}/loans/repay", s.handleRepayLoan)
		r.Post("/bets", s.handlePlaceBet)
		r.Post("/sells", s.handleSell)
		r.Delete("/orders/{orderID}", s.handleCancelOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/accounts/{userID}/bonus", s.handleGrant)
		r.Get("/admin/audit", s.handleAudit)
		r.Get("/admin/halts", s.handleListHalts)
		r.Delete("/admin/halts/{accountID}", s.handleUnhalt)
	})
}

// AmountRequest is the body of liquidity and loan requests.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// GrantRequest is the body of POST /accounts/{userID}/bonus.
type GrantRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// ResolveRequest is the body of POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome string                     `json:"outcome"`
	Prob    *decimal.Decimal           `json:"prob,omitempty"`
	Probs   map[string]decimal.Decimal `json:"probs,omitempty"`
}

// BalanceResponse is returned by GET /accounts/{accountID}/balance.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = r.Header.Get(UserHeader)
	m, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	if r.URL.Query().Get("open") == "true" {
		now := s.now()
		open := []model.Market{}
		for _, m := range markets {
			if !m.IsResolved && !m.IsClosed(now) {
				open = append(open, m)
			}
		}
		markets = open
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Service) handleGetProb(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amm.Probs(m))
}

func (s *Service) handleListBets(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var (
		bets []model.Bet
		err  error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		bets, err = s.store.ListUserBets(r.Context(), user, marketID)
	} else {
		bets, err = s.store.ListBets(r.Context(), marketID)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

func (s *Service) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListPendingOrders(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if orders == nil {
		orders = []model.LimitOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	cp, err := s.tracker.PositionsFor(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Service) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = r.Header.Get(UserHeader)
	res, err := s.PlaceBet(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleSell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = r.Header.Get(UserHeader)
	res, err := s.Sell(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleRedeem(w http.ResponseWriter, r *http.Request) {
	res, err := s.Redeem(r.Context(), r.Header.Get(UserHeader), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Cancel(r.Context(), r.Header.Get(UserHeader), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.tracker.Invalidate(r.Context(), o.ContractID, o.UserID)
	writeJSON(w, http.StatusOK, o)
}

func (s *Service) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.AddLiquidity(r.Context(), r.Header.Get(UserHeader), chi.URLParam(r, "marketID"), req.Amount)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	settlement, err := s.resolver.Resolve(r.Context(), resolution.Request{
		MarketID: chi.URLParam(r, "marketID"),
		UserID:   r.Header.Get(UserHeader),
		Outcome:  req.Outcome,
		Prob:     req.Prob,
		Probs:    req.Probs,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Service) handleTakeLoan(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.TakeLoan(r.Context(), r.Header.Get(UserHeader), chi.URLParam(r, "marketID"), req.Amount)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Service) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	loan, err := s.RepayLoan(r.Context(), r.Header.Get(UserHeader), chi.URLParam(r, "marketID"), req.Amount)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	bal, err := s.ledger.Balance(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountID: id, Balance: bal})
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.History(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Service) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decode(w, r, &req) {
		return
	}
	tx, err := s.ledger.Grant(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrInsufficientLiquidity),
		errors.Is(err, limits.ErrPerTradeLimitExceeded),
		errors.Is(err, limits.ErrMarketExposureExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrencyConflict),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrMarketResolved),
		errors.Is(err, model.ErrOrderNotPending),
		errors.Is(err, store.ErrAlreadyApplied):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTrade),
		errors.Is(err, contract.ErrInvalidQuestion),
		errors.Is(err, contract.ErrInvalidOutcomes),
		errors.Is(err, contract.ErrInvalidAnte),
		errors.Is(err, contract.ErrInvalidCloseTime):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrLedgerCorruption):
		return http.StatusLocked
	case errors.Is(err, keylock.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Service) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request-failed", zap.Error(err))
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
