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

// Package scanner implements the optional pre-admission screening
// hook controlled by the scanner_enabled/scanner_quick settings. It
// performs pragmatic, deterministic checks on a submitted artifact
// rather than a full static-analysis engine; the quick variant skips
// the slower checks.
package scanner

import (
	"bytes"
	"fmt"
)

// MaxArtifactBytes bounds a single code artifact the scanner will
// accept regardless of mode.
const MaxArtifactBytes = 64 << 20 // 64 MiB

// disallowedSubstrings are crude indicators of an artifact that was
// clearly not meant for this pipeline (embedded private-key
// material). This is intentionally not a sandboxing or
// malware-detection claim.
var disallowedSubstrings = [][]byte{
	[]byte("BEGIN RSA PRIVATE KEY"),
	[]byte("BEGIN OPENSSH PRIVATE KEY"),
}

// Scanner screens a code artifact before admission.
type Scanner struct {
	enabled bool
	quick   bool
}

// New constructs a Scanner. When enabled is false, Scan always passes.
func New(enabled, quick bool) *Scanner {
	return &Scanner{enabled: enabled, quick: quick}
}

// Reject describes why Scan refused an artifact.
type Reject struct {
	Reason string
}

func (r *Reject) Error() string { return r.Reason }

// Scan inspects the artifact bytes and returns a *Reject if the
// artifact fails screening. A nil Scanner or a disabled one always
// passes.
func (s *Scanner) Scan(artifact []byte) *Reject {
	if s == nil || !s.enabled {
		return nil
	}
	if len(artifact) == 0 {
		return &Reject{Reason: "artifact is empty"}
	}
	if len(artifact) > MaxArtifactBytes {
		return &Reject{Reason: fmt.Sprintf("artifact exceeds %d bytes", MaxArtifactBytes)}
	}
	for _, needle := range disallowedSubstrings {
		if bytes.Contains(artifact, needle) {
			return &Reject{Reason: "artifact contains a disallowed embedded credential marker"}
		}
	}
	if s.quick {
		return nil
	}
	if bytes.Count(artifact, []byte{0}) > len(artifact)/4 {
		return &Reject{Reason: "artifact looks like an unexpected binary payload"}
	}
	return nil
}
