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
	"net/http"
	"net/http/httptest"
	"testing"

	"dispatchd/internal/auth"
	"dispatchd/internal/quota"
)

func withPrincipal(r *http.Request, name string) *http.Request {
	ctx := auth.WithPrincipal(r.Context(), auth.AuthenticatedPrincipal{Principal: name})
	return r.WithContext(ctx)
}

func TestQuotaMiddlewareAllowsUnderLimit(t *testing.T) {
	limiter := quota.New(2)
	defer limiter.Stop()

	h := QuotaMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := withPrincipal(httptest.NewRequest("POST", "/jobs", nil), "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestQuotaMiddlewareRejectsOverLimit(t *testing.T) {
	limiter := quota.New(1)
	defer limiter.Stop()

	h := QuotaMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := withPrincipal(httptest.NewRequest("POST", "/jobs", nil), "alice")
	h.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := withPrincipal(httptest.NewRequest("POST", "/jobs", nil), "alice")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestQuotaMiddlewarePassesThroughWithoutPrincipal(t *testing.T) {
	limiter := quota.New(0)
	defer limiter.Stop()

	h := QuotaMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/jobs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected unauthenticated requests to pass through to auth middleware upstream, got %d", w.Code)
	}
}
