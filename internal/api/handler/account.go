package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/yyogue/yoguepay/internal/engine"
)

type AccountHandler struct {
	engine *engine.Engine
}

func NewAccountHandler(eng *engine.Engine) *AccountHandler {
	return &AccountHandler{engine: eng}
}

// GetBalance returns the authoritative stored balance for an account. Accounts
// can only read their own balance.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "id")
	if accountID != actorID {
		RespondError(w, r, http.StatusForbidden, "account/forbidden", "cannot read another account's balance")
		return
	}

	acc, err := h.engine.GetBalance(r.Context(), accountID)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": acc.ID,
		"balance":    int64(acc.Balance),
	})
}

// GetHistory returns the account's ledger entries, newest first.
func (h *AccountHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "id")
	if accountID != actorID {
		RespondError(w, r, http.StatusForbidden, "account/forbidden", "cannot read another account's history")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	entries, err := h.engine.History(r.Context(), accountID, page, pageSize)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"entries":    entries,
	})
}
