package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/yyogue/yoguepay/internal/api/middleware"
	"github.com/yyogue/yoguepay/internal/api/problem"
	"github.com/yyogue/yoguepay/internal/domain"
	"github.com/yyogue/yoguepay/internal/engine"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

func requestActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := middleware.UserIDFromContext(r.Context())
	if actorID == "" {
		RespondError(w, r, http.StatusUnauthorized, "auth/missing-identity", "missing account in auth context")
		return "", false
	}
	return actorID, true
}

// respondEngineError maps engine failures onto HTTP statuses. Definitive
// client mistakes are 4xx, retryable conflicts are 409 and rail declines are
// 422 so the caller knows the request was understood and refused.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrMissingIdempotencyKey),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrSelfTransfer):
		RespondError(w, r, http.StatusBadRequest, "request/validation", err.Error())
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrEntryNotFound):
		RespondError(w, r, http.StatusNotFound, "account/not-found", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, "transfer/insufficient-funds", err.Error())
	case errors.Is(err, domain.ErrRailDeclined),
		errors.Is(err, domain.ErrRailFailed):
		RespondError(w, r, http.StatusUnprocessableEntity, "rail/rejected", err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrOperationInProgress):
		RespondError(w, r, http.StatusConflict, "idempotency/key-conflict", err.Error())
	case errors.Is(err, domain.ErrTransient),
		errors.Is(err, domain.ErrVersionConflict):
		RespondError(w, r, http.StatusConflict, "transfer/conflict", err.Error())
	default:
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "operation failed")
	}
}

// respondRailOutcome handles operations that ended in the rail's hands. An
// unknown outcome is 202: the money is reserved and the reconciliation pass
// will finish the operation.
func respondRailOutcome(w http.ResponseWriter, r *http.Request, res *engine.Result, err error) {
	if errors.Is(err, domain.ErrReconciliationRequired) && res != nil {
		RespondJSON(w, http.StatusAccepted, res)
		return
	}
	respondEngineError(w, r, err)
}
