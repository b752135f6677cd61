/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigs.k8s.io/flowqueue/pkg/flowcontrol/types"
)

func TestTable_Bind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		existing [][2]string
		from, to string
		wantErr  error
	}{
		{name: "first edge", from: "a", to: "b"},
		{name: "fan-in is allowed", existing: [][2]string{{"a", "c"}}, from: "b", to: "c"},
		{name: "extends a chain", existing: [][2]string{{"a", "b"}}, from: "b", to: "c"},
		{name: "self loop", from: "a", to: "a", wantErr: types.ErrRelayCycle},
		{name: "two-node cycle", existing: [][2]string{{"a", "b"}}, from: "b", to: "a", wantErr: types.ErrRelayCycle},
		{
			name:     "long cycle",
			existing: [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}},
			from:     "d", to: "a",
			wantErr: types.ErrRelayCycle,
		},
		{name: "already bound", existing: [][2]string{{"a", "b"}}, from: "a", to: "c", wantErr: types.ErrRelayBound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			table := NewTable()
			for _, edge := range tc.existing {
				require.NoError(t, table.Bind(edge[0], edge[1]), "Setup: binding existing edge should not fail")
			}
			before := table.Len()

			err := table.Bind(tc.from, tc.to)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, before, table.Len(), "a rejected binding must leave the table unchanged")
				return
			}
			require.NoError(t, err)
			to, ok := table.Downstream(tc.from)
			require.True(t, ok)
			assert.Equal(t, tc.to, to)
		})
	}
}

func TestTable_CycleErrorNamesPath(t *testing.T) {
	t.Parallel()
	table := NewTable()
	require.NoError(t, table.Bind("a", "b"))
	require.NoError(t, table.Bind("b", "c"))

	err := table.Bind("c", "a")
	require.ErrorIs(t, err, types.ErrRelayCycle)
	assert.Contains(t, err.Error(), "c -> a -> b -> c")
}

func TestTable_Topology(t *testing.T) {
	t.Parallel()
	table := NewTable()
	require.NoError(t, table.Bind("a", "c"))
	require.NoError(t, table.Bind("b", "c"))
	require.NoError(t, table.Bind("c", "d"))

	if diff := cmp.Diff([]string{"a", "c", "d"}, table.Path("a")); diff != "" {
		t.Errorf("Path mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"d"}, table.Path("d")); diff != "" {
		t.Errorf("Path of a terminal node mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, table.Upstreams("c")); diff != "" {
		t.Errorf("Upstreams mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, table.Upstreams("a"))

	to, ok := table.Unbind("c")
	assert.True(t, ok)
	assert.Equal(t, "d", to)
	_, ok = table.Unbind("c")
	assert.False(t, ok, "unbinding twice reports no edge")

	require.NoError(t, table.Bind("d", "a"), "removing c -> d makes d -> a legal")
	assert.Equal(t, 3, table.Len())
}
