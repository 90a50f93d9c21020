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

// Package placer implements the pure node-selection policy used when
// a job is admitted: smallest projected queue time, ties broken by
// lowest node index.
package placer

// NodeLoad is the placer's view of one node's current load.
type NodeLoad struct {
	Index                 int
	ProjectedQueueSeconds int64
}

// Choose returns the index of the node that should receive a job with
// the given declared budget. nodes must be non-empty.
func Choose(nodes []NodeLoad, declaredBudgetSeconds int64) int {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.ProjectedQueueSeconds < best.ProjectedQueueSeconds ||
			(n.ProjectedQueueSeconds == best.ProjectedQueueSeconds && n.Index < best.Index) {
			best = n
		}
	}
	return best.Index
}
