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

package api

import (
	"context"
	"net/http"
	"time"

	"dispatchd/internal/auth"
	"dispatchd/pkg/dispatcher"
)

// recentTerminalCount is K in the dashboard's "last K recent terminal
// jobs" panel.
const recentTerminalCount = 10

// successRatioWindow is W in the dashboard's success-ratio aggregate.
const successRatioWindow = 50

// dashboardFetchLimit bounds the single job query the dashboard
// issues; no separate cache or pre-aggregation layer is warranted for
// a snapshot view.
const dashboardFetchLimit = 500

// handleNodes implements GET /nodes. It carries no authentication:
// node load is not principal-sensitive information.
func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	states, err := a.Store.ReadNodeStates(r.Context())
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": a.nodeDescriptors(states)})
}

func (a *API) addressTag(index int) string {
	if index >= 0 && index < len(a.Config.NodeAddresses) {
		return a.Config.NodeAddresses[index]
	}
	return ""
}

func (a *API) nodeDescriptors(states []dispatcher.NodeState) []map[string]any {
	out := make([]map[string]any, 0, len(states))
	for _, ns := range states {
		out = append(out, map[string]any{
			"index":                ns.Index,
			"projected_queue_time": ns.ProjectedQueueSeconds,
			"busy":                 ns.CurrentJobID != nil,
			"address_tag":          a.addressTag(ns.Index),
		})
	}
	return out
}

// handleDashboard implements GET /dashboard.
func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	ctx := r.Context()
	p, _ := auth.PrincipalFromContext(ctx)

	var principalFilter *string
	if !p.IsAdmin {
		principalFilter = &p.Principal
	}

	jobs, err := a.Store.QueryJobs(ctx, principalFilter, nil, dashboardFetchLimit)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	states, err := a.Store.ReadNodeStates(ctx)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	active, err := a.Store.ListActiveJobs(ctx)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"counts_by_status": countsByStatus(jobs),
		"nodes":            nodeQueueDescriptors(states, active),
		"active_jobs":      a.activeJobSummaries(ctx, active, p),
		"recent_terminal":  recentTerminal(jobs, recentTerminalCount),
		"health":           healthAggregates(jobs, states),
	})
}

func countsByStatus(jobs []*dispatcher.Job) map[string]int {
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	return counts
}

func nodeQueueDescriptors(states []dispatcher.NodeState, active []*dispatcher.Job) []map[string]any {
	out := make([]map[string]any, 0, len(states))
	for _, ns := range states {
		queueSize := 0
		for _, j := range active {
			if j.Node == ns.Index {
				queueSize++
			}
		}
		out = append(out, map[string]any{
			"index":           ns.Index,
			"queue_size":      queueSize,
			"projected_time":  ns.ProjectedQueueSeconds,
			"busy":            ns.CurrentJobID != nil,
			"current_job_id":  ns.CurrentJobID,
		})
	}
	return out
}

func (a *API) activeJobSummaries(ctx context.Context, jobs []*dispatcher.Job, p auth.AuthenticatedPrincipal) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		if !p.IsAdmin && j.Principal != p.Principal {
			continue
		}
		entry := map[string]any{
			"job_id":    j.ID,
			"principal": j.Principal,
			"status":    string(j.Status),
			"node":      j.Node,
		}
		if j.Status == dispatcher.JobStatusQueued {
			if pos, err := a.Store.QueuePosition(ctx, j); err == nil {
				entry["queue_position"] = pos
			}
		}
		out = append(out, entry)
	}
	return out
}

func recentTerminal(jobs []*dispatcher.Job, k int) []map[string]any {
	out := make([]map[string]any, 0, k)
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			continue
		}
		out = append(out, map[string]any{
			"job_id": j.ID,
			"status": string(j.Status),
			"node":   j.Node,
		})
		if len(out) == k {
			break
		}
	}
	return out
}

func healthAggregates(jobs []*dispatcher.Job, states []dispatcher.NodeState) map[string]any {
	busy := 0
	var queueSum int64
	for _, ns := range states {
		if ns.CurrentJobID != nil {
			busy++
		}
		queueSum += ns.ProjectedQueueSeconds
	}
	utilization := 0.0
	avgQueue := 0.0
	if len(states) > 0 {
		utilization = 100 * float64(busy) / float64(len(states))
		avgQueue = float64(queueSum) / float64(len(states))
	}

	terminal := make([]*dispatcher.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status.IsTerminal() {
			terminal = append(terminal, j)
		}
	}
	window := terminal
	if len(window) > successRatioWindow {
		window = window[:successRatioWindow]
	}
	successRatio := 0.0
	if len(window) > 0 {
		ok := 0
		for _, j := range window {
			if j.Status == dispatcher.JobStatusCompleted {
				ok++
			}
		}
		successRatio = float64(ok) / float64(len(window))
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	submissions24h := 0
	for _, j := range jobs {
		if j.CreatedAt.After(cutoff) {
			submissions24h++
		}
	}

	return map[string]any{
		"node_utilization_percent":    utilization,
		"avg_projected_queue_seconds": avgQueue,
		"success_ratio":               successRatio,
		"submissions_last_24h":        submissions24h,
	}
}
