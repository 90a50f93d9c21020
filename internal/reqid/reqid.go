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

// Package reqid carries a per-request correlation ID through context,
// used to tag the API layer's request-failure log lines with the same
// ID the middleware returns to the client in X-Request-Id.
package reqid

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
)

type key int

const correlationIDKey key = 0

// HeaderName is the inbound/outbound HTTP header carrying the ID.
const HeaderName = "X-Request-Id"

// Get returns the correlation ID string from context if present, else "".
func Get(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(correlationIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// With returns a child context with the given correlation ID stored.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// Ensure returns a context carrying a correlation ID and the id
// itself. If the input already has one, it's preserved.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := Get(ctx); id != "" {
		return ctx, id
	}
	id := generate()
	return With(ctx, id), id
}

func generate() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000-0000-4000-8000-000000000000"
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3]),
		uint16(b[4])<<8|uint16(b[5]),
		uint16(b[6])<<8|uint16(b[7]),
		uint16(b[8])<<8|uint16(b[9]),
		uint64(b[10])<<40|uint64(b[11])<<32|uint64(b[12])<<24|uint64(b[13])<<16|uint64(b[14])<<8|uint64(b[15]),
	)
}

// Middleware assigns a correlation ID to every request, reusing an
// inbound X-Request-Id header when present, and echoes it back.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if inbound := r.Header.Get(HeaderName); inbound != "" {
			ctx = With(ctx, inbound)
		} else {
			ctx, _ = Ensure(ctx)
		}
		w.Header().Set(HeaderName, Get(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
