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

package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveJobSubmittedIncrementsCounter(t *testing.T) {
	Reset()
	ObserveJobSubmitted(0)
	ObserveJobSubmitted(0)

	count := testutil.ToFloat64(jobsSubmitted.WithLabelValues("0"))
	if count != 2 {
		t.Fatalf("expected 2 submissions recorded, got %v", count)
	}
}

func TestObserveJobTerminalRecordsStatusAndWait(t *testing.T) {
	Reset()
	ObserveJobTerminal("completed", 1, 45*time.Second)

	count := testutil.ToFloat64(jobsTerminal.WithLabelValues("completed", "1"))
	if count != 1 {
		t.Fatalf("expected 1 terminal job recorded, got %v", count)
	}
}

func TestSanitizeLabelReplacesDisallowedRunes(t *testing.T) {
	got := sanitizeLabel("Cancel Requested!")
	if got != "cancel_requested_" {
		t.Fatalf("unexpected sanitized label: %q", got)
	}
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	Reset()
	ObserveJobSubmitted(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
