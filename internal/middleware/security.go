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

// Package middleware holds HTTP-layer concerns shared by every
// handler: security headers and quota enforcement.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityHeadersConfig holds configuration for security headers middleware.
type SecurityHeadersConfig struct {
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	EnableCORS            bool
	CORSAllowedOrigins    []string
	CORSAllowedMethods    []string
	CORSAllowedHeaders    []string
	CORSMaxAge            int
}

// DefaultSecurityHeadersConfig returns sensible defaults for a plain
// HTTP API with no browser-facing cross-origin surface enabled.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS:            false,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: false,
		EnableCORS:            false,
		CORSAllowedOrigins:    []string{"*"},
		CORSAllowedMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		CORSAllowedHeaders:    []string{"Content-Type", "Authorization"},
		CORSMaxAge:            3600,
	}
}

// SecurityHeaders returns middleware that adds baseline security
// headers and, when enabled, HSTS/CORS headers.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if cfg.EnableHSTS {
				hstsValue := "max-age=" + strconv.Itoa(cfg.HSTSMaxAge)
				if cfg.HSTSIncludeSubdomains {
					hstsValue += "; includeSubDomains"
				}
				w.Header().Set("Strict-Transport-Security", hstsValue)
			}

			if cfg.EnableCORS {
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORSAllowedMethods, ","))
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSAllowedHeaders, ","))
					if cfg.CORSMaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.CORSMaxAge))
					}
					w.WriteHeader(http.StatusNoContent)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
			}

			next.ServeHTTP(w, r)
		})
	}
}
