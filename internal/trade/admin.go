package trade

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/model"
)

// HaltsResponse is returned by GET /admin/halts.
type HaltsResponse struct {
	Halted map[string]string `json:"halted"`
}

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" || !s.admins[user] {
			s.logger.Warn("admin-route-denied", zap.String("user", user), zap.String("path", r.URL.Path))
			writeError(w, model.ErrForbidden.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAudit replays every account. Corrupt accounts are halted and listed
// in the report, which is returned with 200 either way.
func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Audit(r.Context())
	if err != nil && !errors.Is(err, model.ErrLedgerCorruption) {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleListHalts(w http.ResponseWriter, r *http.Request) {
	halted, err := s.ledger.HaltedAccounts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HaltsResponse{Halted: halted})
}

func (s *Service) handleUnhalt(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.ledger.Unhalt(r.Context(), accountID); err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Warn("account-unhalted-by-admin",
		zap.String("account", accountID),
		zap.String("admin", r.Header.Get(UserHeader)))
	w.WriteHeader(http.StatusNoContent)
}
