package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// statusByCode maps machine-readable error codes to HTTP statuses. Codes not
// listed here are internal failures and render as 500.
var statusByCode = map[core.Code]int{
	core.CodeInvalidInput:         http.StatusBadRequest,
	core.CodeNoPendingApproval:    http.StatusBadRequest,
	core.CodeUnauthorized:         http.StatusUnauthorized,
	core.CodeInvalidApprovalToken: http.StatusForbidden,
	core.CodeNotFound:             http.StatusNotFound,
	core.CodeExampleNotFound:      http.StatusNotFound,
	core.CodeInvalidState:         http.StatusConflict,
	core.CodeRequestTooLarge:      http.StatusRequestEntityTooLarge,
	core.CodeConcurrencyLimit:     http.StatusTooManyRequests,
	core.CodeRateLimited:          http.StatusTooManyRequests,
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    core.Code      `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode failures here mean the client hung up mid-write.
	_ = json.NewEncoder(w).Encode(v)
}

// renderError translates an error into the `{error, code, details?}` body.
// Uncoded errors are logged and masked as internal failures so storage and
// driver messages never leak to clients.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var coded *core.CodedError
	if !errors.As(err, &coded) {
		logger.Error(r.Context(), "Request failed", tag.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: "internal error",
			Code:  "INTERNAL",
		})
		return
	}

	status, ok := statusByCode[coded.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{
		Error:   coded.Message,
		Code:    coded.Code,
		Details: coded.Details,
	})
}
