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

// Package apperr defines the closed error taxonomy shared by the
// store, auth, and api packages. Every handler-facing
// error is one of these kinds so the API layer can map it to an HTTP
// status without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the defined dispatcher error categories.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindPrincipalMismatch
	KindForbidden
	KindNotFound
	KindTerminalState
	KindValidation
	KindQuotaRate
	KindQuotaConcurrent
	KindTransport
	KindStorage
	KindScannerReject
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindPrincipalMismatch:
		return "principal_mismatch"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindTerminalState:
		return "terminal_state"
	case KindValidation:
		return "validation"
	case KindQuotaRate:
		return "quota_rate"
	case KindQuotaConcurrent:
		return "quota_concurrent"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	case KindScannerReject:
		return "scanner_reject"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration // only meaningful for KindQuotaRate
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf constructs an Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithRetryAfter attaches a retry-after duration, used by KindQuotaRate.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from err, or KindUnknown if err is not an
// *Error (or wraps one).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ErrNotFound is the sentinel used by store lookups; wrap it with
// New(KindNotFound, ErrNotFound) at call sites that need the taxonomy.
var ErrNotFound = errors.New("not found")
