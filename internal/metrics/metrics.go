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
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsTerminal    *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
	jobRunDuration  *prometheus.HistogramVec
	transportErrors *prometheus.CounterVec
	nodeLoad        *prometheus.GaugeVec
	quotaRejections *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily
// used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobSubmitted records an accepted submission and which node
// the placement policy assigned it to.
func ObserveJobSubmitted(node int) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(strconv.Itoa(node)).Inc()
	}
}

// ObserveJobTerminal records a job reaching a terminal status and how
// long it sat queued before a worker claimed it.
func ObserveJobTerminal(status string, node int, queueWait time.Duration) {
	labelStatus := sanitizeLabel(status)
	nodeLabel := strconv.Itoa(node)

	mu.RLock()
	defer mu.RUnlock()
	if jobsTerminal != nil {
		jobsTerminal.WithLabelValues(labelStatus, nodeLabel).Inc()
	}
	if queueWaitTime != nil {
		queueWaitTime.WithLabelValues(nodeLabel).Observe(durationSeconds(queueWait))
	}
}

// ObserveJobRunDuration records wall-clock time from launch to
// terminal status for one job.
func ObserveJobRunDuration(node int, status string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobRunDuration != nil {
		jobRunDuration.WithLabelValues(strconv.Itoa(node), sanitizeLabel(status)).Observe(durationSeconds(d))
	}
}

// IncTransportError records a transport-layer failure for a node
// (connect, exec, file-transfer, or liveness check).
func IncTransportError(node int, op string) {
	mu.RLock()
	defer mu.RUnlock()
	if transportErrors != nil {
		transportErrors.WithLabelValues(strconv.Itoa(node), sanitizeLabel(op)).Inc()
	}
}

// SetNodeLoad publishes a node's current projected queue time, used
// by the placement policy and exposed for dashboard scraping.
func SetNodeLoad(node int, projectedQueueSeconds int64) {
	mu.RLock()
	defer mu.RUnlock()
	if nodeLoad != nil {
		nodeLoad.WithLabelValues(strconv.Itoa(node)).Set(float64(projectedQueueSeconds))
	}
}

// IncQuotaRejection records a submission rejected by the rate or
// concurrency quota for a principal.
func IncQuotaRejection(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if quotaRejections != nil {
		quotaRejections.WithLabelValues(sanitizeLabel(reason)).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs accepted by submission, grouped by assigned node.",
	}, []string{"node"})

	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Name:      "jobs_terminal_total",
		Help:      "Total jobs reaching a terminal status, grouped by status and node.",
	}, []string{"status", "node"})

	queueWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatchd",
		Name:      "job_queue_wait_seconds",
		Help:      "Time a job spent queued before a worker claimed it.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"node"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatchd",
		Name:      "job_run_duration_seconds",
		Help:      "Wall-clock duration from launch to terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 7200},
	}, []string{"node", "status"})

	transportErr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Name:      "transport_errors_total",
		Help:      "Total transport-layer errors, grouped by node and operation.",
	}, []string{"node", "op"})

	load := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dispatchd",
		Name:      "node_projected_queue_seconds",
		Help:      "Current projected queue time per node, as used by the placement policy.",
	}, []string{"node"})

	quotaRej := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Name:      "quota_rejections_total",
		Help:      "Total submissions rejected by quota, grouped by reason (rate, concurrency).",
	}, []string{"reason"})

	registry.MustRegister(submitted, terminal, queueWait, runDuration, transportErr, load, quotaRej)

	reg = registry
	jobsSubmitted = submitted
	jobsTerminal = terminal
	queueWaitTime = queueWait
	jobRunDuration = runDuration
	transportErrors = transportErr
	nodeLoad = load
	quotaRejections = quotaRej
}

func sanitizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
