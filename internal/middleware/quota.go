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

package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"dispatchd/internal/auth"
	"dispatchd/internal/metrics"
)

// RateLimiter is the subset of quota.Limiter this package needs. It is
// expressed as an interface, not the concrete type, so the submit
// handler (which resolves its principal from a payload field rather
// than from RequireAuth's context) can share the same rejection path.
type RateLimiter interface {
	Allow(principal string) (ok bool, retryAfter time.Duration)
}

// EnforceQuota checks principal against limiter. If the quota is
// exceeded it writes the 429 response and returns false.
func EnforceQuota(w http.ResponseWriter, limiter RateLimiter, principal string) bool {
	allowed, retryAfter := limiter.Allow(principal)
	if allowed {
		return true
	}
	metrics.IncQuotaRejection("rate")
	retryAfterSeconds := int(retryAfter.Seconds()) + 1
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":               "rate_limit_exceeded",
		"message":             "Too many submissions. Please try again later.",
		"retry_after_seconds": retryAfterSeconds,
	})
	return false
}

// QuotaMiddleware enforces limiter keyed by the authenticated
// principal rather than client IP, since the submission rate limit is
// a per-principal concept (must run after auth.RequireAuth in the
// handler chain so the principal is already attached to the context).
func QuotaMiddleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !EnforceQuota(w, limiter, principal.Principal) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
