// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("active", "blocked")
	m.Transition("active", "blocked")
	m.ReportSubmitted(3, false)
	m.SetPendingWelcomes(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("active", "blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reportsSubmitted.WithLabelValues("3", "unrouted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pendingWelcomes))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "hearth_relationship_transitions_total")
	assert.Contains(t, names, "hearth_pending_welcomes")
}

func TestNilRegistryIsUsable(t *testing.T) {
	m := New(nil)
	m.TicketPublished()
	m.Discovery("empty", 0.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticketsPublished))
}
