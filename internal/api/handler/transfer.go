package handler

import (
	"encoding/json"
	"net/http"

	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/engine"
)

type TransferHandler struct {
	engine *engine.Engine
}

func NewTransferHandler(eng *engine.Engine) *TransferHandler {
	return &TransferHandler{engine: eng}
}

// Send moves money from the authenticated account to another account
// addressed by handle or phone number.
func (h *TransferHandler) Send(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requestActor(w, r)
	if !ok {
		return
	}

	var req struct {
		Receiver string `json:"receiver"`
		Amount   int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	res, err := h.engine.Send(r.Context(), engine.SendRequest{
		SenderID:       actorID,
		ReceiverRef:    req.Receiver,
		Amount:         domain.Money(req.Amount),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if res.Replayed {
		RespondJSON(w, http.StatusOK, res)
		return
	}
	RespondJSON(w, http.StatusCreated, res)
}
