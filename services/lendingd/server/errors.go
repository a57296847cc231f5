package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"revenuechannels/native/lending"
	"revenuechannels/native/swap"
	"revenuechannels/native/token"
	"revenuechannels/services/lendingd/journal"
)

var (
	errRateLimited = errors.New("rate limit exceeded")
	errBadRequest  = errors.New("bad request")
)

// statusTable maps domain sentinels to HTTP status codes. The first match
// wins, so more specific errors come first.
var statusTable = []struct {
	err    error
	status int
}{
	{lending.ErrNotFound, http.StatusNotFound},
	{lending.ErrUnauthorized, http.StatusForbidden},
	{lending.ErrModulePaused, http.StatusServiceUnavailable},
	{lending.ErrStaleOracle, http.StatusServiceUnavailable},
	{journal.ErrNotConfigured, http.StatusServiceUnavailable},
	{lending.ErrUnknownPair, http.StatusUnprocessableEntity},
	{lending.ErrPoolExists, http.StatusConflict},
	{lending.ErrLoanNotActive, http.StatusConflict},
	{lending.ErrLoanParamsDisabled, http.StatusConflict},
	{lending.ErrNotLiquidatable, http.StatusConflict},
	{lending.ErrInsufficientCollateral, http.StatusUnprocessableEntity},
	{lending.ErrInsufficientRepayment, http.StatusUnprocessableEntity},
	{lending.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{lending.ErrInsufficientLiquidity, http.StatusUnprocessableEntity},
	{token.ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{token.ErrInsufficientAllowance, http.StatusUnprocessableEntity},
	{swap.ErrSlippage, http.StatusUnprocessableEntity},
	{token.ErrUnknownToken, http.StatusBadRequest},
	{lending.ErrInvalidAmount, http.StatusBadRequest},
	{lending.ErrInvalidMarginConfig, http.StatusBadRequest},
	{lending.ErrInvalidDemandCurve, http.StatusBadRequest},
	{lending.ErrInvalidPercent, http.StatusBadRequest},
	{lending.ErrDivisionByZero, http.StatusBadRequest},
	{lending.ErrOverflow, http.StatusBadRequest},
	{errBadRequest, http.StatusBadRequest},
}

func statusFor(err error) int {
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// writeError maps err through the status table. Internal errors are logged
// and replaced with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, status, errors.New(http.StatusText(status)))
		return
	}
	writeJSONError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := ""
	if err != nil {
		message = strings.TrimSpace(err.Error())
	}
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
