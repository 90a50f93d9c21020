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

// Package retention runs a background sweep that clears result
// artifacts (stdout, stderr, result file) for old terminal jobs. Job
// rows and their status/exit-code history are never deleted.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Store is the narrow persistence dependency this package needs.
type Store interface {
	PurgeOldResultBlobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically purges result artifacts older than Window.
type Sweeper struct {
	store    Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Sweeper. window is how long a finished job's
// result artifacts are retained; interval is how often the sweep
// runs.
func New(s Store, window, interval time.Duration, logger *slog.Logger) *Sweeper {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, window: window, interval: interval, logger: logger, now: time.Now}
}

// Run executes the sweep on the configured interval until ctx is
// cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := sw.now().Add(-sw.window)
	n, err := sw.store.PurgeOldResultBlobs(ctx, cutoff)
	if err != nil {
		sw.logger.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Info("retention sweep cleared result artifacts", "jobs_cleared", n, "cutoff", cutoff)
	}
}
