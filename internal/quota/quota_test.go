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

package quota

import (
	"testing"
	"time"
)

func TestAllowUnderLimit(t *testing.T) {
	l := New(3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("alice")
		if !ok {
			t.Fatalf("expected submission %d to be allowed", i)
		}
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l := New(2)
	defer l.Stop()

	l.Allow("alice")
	l.Allow("alice")
	ok, retryAfter := l.Allow("alice")
	if ok {
		t.Fatal("expected third submission within the window to be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}
}

func TestAllowSlidesWindowForward(t *testing.T) {
	l := New(1)
	defer l.Stop()

	base := time.Now()
	l.now = func() time.Time { return base }
	ok, _ := l.Allow("alice")
	if !ok {
		t.Fatal("expected first submission allowed")
	}

	l.now = func() time.Time { return base.Add(30 * time.Second) }
	ok, _ = l.Allow("alice")
	if ok {
		t.Fatal("expected second submission still within window to be rejected")
	}

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, _ = l.Allow("alice")
	if !ok {
		t.Fatal("expected submission allowed once the window has fully slid past")
	}
}

func TestAllowIsPerPrincipal(t *testing.T) {
	l := New(1)
	defer l.Stop()

	ok, _ := l.Allow("alice")
	if !ok {
		t.Fatal("expected alice's first submission allowed")
	}
	ok, _ = l.Allow("bob")
	if !ok {
		t.Fatal("expected bob's first submission allowed regardless of alice's state")
	}
}
