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

// Package auth validates bearer secrets presented by principals and
// issues new credentials. It never stores a presented secret, only a
// one-way hash of it.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/apperr"
	"dispatchd/pkg/dispatcher"
)

// CredentialStore is the subset of the store auth depends on.
type CredentialStore interface {
	InsertCredential(ctx context.Context, c dispatcher.Credential) error
	LookupCredentialByHash(ctx context.Context, hash []byte) (*dispatcher.Credential, error)
}

// Authenticator validates bearer tokens and issues credentials.
type Authenticator struct {
	store       CredentialStore
	maxValidity time.Duration
	now         func() time.Time
}

// New creates an Authenticator. maxValidityDays clamps any
// CreateCredential request to at most that many days.
func New(store CredentialStore, maxValidityDays int) *Authenticator {
	if maxValidityDays <= 0 {
		maxValidityDays = 90
	}
	return &Authenticator{
		store:       store,
		maxValidity: time.Duration(maxValidityDays) * 24 * time.Hour,
		now:         time.Now,
	}
}

func hashSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Authenticate validates a presented bearer secret, returning the
// principal and whether it is an admin credential.
func (a *Authenticator) Authenticate(ctx context.Context, secret string) (principal string, isAdmin bool, err error) {
	if secret == "" {
		return "", false, apperr.New(apperr.KindUnauthenticated, fmt.Errorf("no bearer secret presented"))
	}

	hash := hashSecret(secret)
	cred, err := a.store.LookupCredentialByHash(ctx, hash)
	if err != nil {
		return "", false, apperr.New(apperr.KindUnauthenticated, fmt.Errorf("invalid credential"))
	}
	if !cred.Active {
		return "", false, apperr.New(apperr.KindUnauthenticated, fmt.Errorf("credential inactive"))
	}
	if a.now().After(cred.ExpiresAt) {
		return "", false, apperr.New(apperr.KindUnauthenticated, fmt.Errorf("credential expired"))
	}
	if subtle.ConstantTimeCompare(hash, cred.SecretHash) != 1 {
		return "", false, apperr.New(apperr.KindUnauthenticated, fmt.Errorf("invalid credential"))
	}
	return cred.Principal, cred.IsAdmin, nil
}

// CreateCredential issues a new bearer secret for principal,
// deactivating any prior credential for the same principal. The
// caller-requested validity is clamped to the configured maximum.
// Returns the plaintext secret, which is never persisted.
func (a *Authenticator) CreateCredential(ctx context.Context, principal string, isAdmin bool, requested time.Duration) (secret string, cred dispatcher.Credential, err error) {
	if principal == "" {
		return "", dispatcher.Credential{}, apperr.New(apperr.KindValidation, fmt.Errorf("principal required"))
	}
	if requested <= 0 || requested > a.maxValidity {
		requested = a.maxValidity
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", dispatcher.Credential{}, apperr.New(apperr.KindStorage, fmt.Errorf("generate secret: %w", err))
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)

	now := a.now()
	cred = dispatcher.Credential{
		ID:         uuid.NewString(),
		Principal:  principal,
		SecretHash: hashSecret(secret),
		IsAdmin:    isAdmin,
		CreatedAt:  now,
		ExpiresAt:  now.Add(requested),
		Active:     true,
	}
	if err := a.store.InsertCredential(ctx, cred); err != nil {
		return "", dispatcher.Credential{}, apperr.New(apperr.KindStorage, fmt.Errorf("insert credential: %w", err))
	}
	return secret, cred, nil
}

type principalContextKey int

const principalKey principalContextKey = 0

// AuthenticatedPrincipal is what RequireAuth attaches to the request context.
type AuthenticatedPrincipal struct {
	Principal string
	IsAdmin   bool
}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p AuthenticatedPrincipal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (AuthenticatedPrincipal, bool) {
	p, ok := ctx.Value(principalKey).(AuthenticatedPrincipal)
	return p, ok
}

// RequireAuth is HTTP middleware enforcing a bearer Authorization
// header and attaching the resolved principal to the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearerFromHeader(r.Header.Get("Authorization"))
		principal, isAdmin, err := a.Authenticate(r.Context(), secret)
		if err != nil {
			writeUnauthorized(w)
			return
		}
		ctx := WithPrincipal(r.Context(), AuthenticatedPrincipal{Principal: principal, IsAdmin: isAdmin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="dispatchd"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthenticated","message":"a valid bearer credential is required"}`))
}
