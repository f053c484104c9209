package handler

import (
	"encoding/json"
	"net/http"

	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/engine"
)

type WithdrawalHandler struct {
	engine *engine.Engine
}

func NewWithdrawalHandler(eng *engine.Engine) *WithdrawalHandler {
	return &WithdrawalHandler{engine: eng}
}

// Withdraw moves money from the authenticated account to an external
// destination.
func (h *WithdrawalHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(w, r)
	if !ok {
		return
	}

	var req struct {
		Destination string `json:"destination"`
		Amount      int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	res, err := h.engine.Withdraw(r.Context(), engine.WithdrawRequest{
		AccountID:      actorID,
		DestinationRef: req.Destination,
		Amount:         domain.Money(req.Amount),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		respondRailOutcome(w, r, res, err)
		return
	}
	if res.Replayed {
		RespondJSON(w, http.StatusOK, res)
		return
	}
	RespondJSON(w, http.StatusCreated, res)
}
