package handler

import (
	"encoding/json"
	"net/http"

	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/engine"
)

type TopUpHandler struct {
	engine *engine.Engine
}

func NewTopUpHandler(eng *engine.Engine) *TopUpHandler {
	return &TopUpHandler{engine: eng}
}

// AddMoney funds the authenticated account from an external method.
func (h *TopUpHandler) AddMoney(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(w, r)
	if !ok {
		return
	}

	var req struct {
		MethodRef string `json:"method_ref"`
		Amount    int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	res, err := h.engine.AddMoney(r.Context(), engine.TopUpRequest{
		AccountID:      actorID,
		MethodRef:      req.MethodRef,
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
