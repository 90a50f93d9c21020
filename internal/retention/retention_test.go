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

package retention

import (
	"context"
	"testing"
	"time"
)

type fakeStore struct {
	calls       int
	lastCutoff  time.Time
	purgedCount int64
	err         error
}

func (f *fakeStore) PurgeOldResultBlobs(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.lastCutoff = cutoff
	return f.purgedCount, f.err
}

func TestSweepOnceComputesCutoffFromWindow(t *testing.T) {
	fs := &fakeStore{purgedCount: 3}
	sw := New(fs, 24*time.Hour, time.Hour, nil)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return base }

	sw.sweepOnce(context.Background())

	if fs.calls != 1 {
		t.Fatalf("expected 1 purge call, got %d", fs.calls)
	}
	want := base.Add(-24 * time.Hour)
	if !fs.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, fs.lastCutoff)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fs := &fakeStore{}
	sw := New(fs, time.Hour, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run did not return after context cancellation")
	}

	if fs.calls == 0 {
		t.Error("expected at least one sweep to have run")
	}
}
