// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"dispatchd/internal/apperr"
	"dispatchd/internal/redact"
	"dispatchd/internal/reqid"
	"dispatchd/internal/store"
)

// jsonError is the response envelope for every non-2xx response.
type jsonError struct {
	Error             string `json:"error"`
	Message           string `json:"message,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps the closed error taxonomy to an HTTP status per
// the error handling design's surface column.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindPrincipalMismatch, apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTerminalState, apperr.KindValidation, apperr.KindScannerReject:
		return http.StatusBadRequest
	case apperr.KindQuotaRate, apperr.KindQuotaConcurrent:
		return http.StatusTooManyRequests
	case apperr.KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// kindOf resolves the taxonomy kind for err, additionally recognizing
// the store's bare ErrNotFound sentinel (which worker.go compares by
// identity rather than wrapping, so store.go leaves it unwrapped).
func kindOf(err error) apperr.Kind {
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		return k
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.KindNotFound
	}
	return apperr.KindUnknown
}

// writeAppError writes err as a jsonError using the taxonomy mapping,
// and logs it tagged with the request's correlation ID. Non-taxonomy
// errors are treated as internal/storage failures so they never leak
// implementation detail to the caller.
func (a *API) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	kind := kindOf(err)
	status := statusForKind(kind)

	body := jsonError{Error: kind.String(), Message: err.Error()}
	if kind == apperr.KindQuotaRate {
		if ae, ok := err.(*apperr.Error); ok {
			appErr = ae
			body.RetryAfterSeconds = int(appErr.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
		}
	}
	if kind == apperr.KindUnknown {
		body = jsonError{Error: "server_error", Message: "internal error"}
	}

	level := a.logLevelForStatus(status)
	a.Logger.Log(r.Context(), level, "request failed",
		"request_id", reqid.Get(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"kind", kind.String(),
		"error", err.Error(),
		"authorization", redact.AuthHeader(r.Header.Get("Authorization")),
	)

	writeJSON(w, status, body)
}

// logLevelForStatus keeps 4xx responses at info (they're caller
// mistakes, not operational problems) and everything else at error.
func (a *API) logLevelForStatus(status int) slog.Level {
	if status >= 400 && status < 500 {
		return slog.LevelInfo
	}
	return slog.LevelError
}
