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

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		opts      []ConfigOption
		expectErr bool
		expected  *Config
	}{
		{
			name: "ShouldApplyDefaults_WhenNoOptionsProvided",
			expected: &Config{
				MaxConcurrentDispatches: defaultMaxConcurrentDispatches,
				PriorityUpdatePolicy:    PriorityUpdateAtNextSelection,
			},
		},
		{
			name: "ShouldApplyOptions",
			opts: []ConfigOption{WithMaxConcurrentDispatches(16), WithPriorityUpdatePolicy(PriorityUpdateAtEnrollment)},
			expected: &Config{
				MaxConcurrentDispatches: 16,
				PriorityUpdatePolicy:    PriorityUpdateAtEnrollment,
			},
		},
		{
			name:      "ShouldError_WhenConcurrencyIsZero",
			opts:      []ConfigOption{WithMaxConcurrentDispatches(0)},
			expectErr: true,
		},
		{
			name:      "ShouldError_WhenPolicyIsUnknown",
			opts:      []ConfigOption{WithPriorityUpdatePolicy(PriorityUpdatePolicy(7))},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := NewConfig(tc.opts...)
			if tc.expectErr {
				require.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cfg)
		})
	}
}

func TestPriorityUpdatePolicy_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AtNextSelection", PriorityUpdateAtNextSelection.String())
	assert.Equal(t, "AtEnrollment", PriorityUpdateAtEnrollment.String())
	assert.Equal(t, "UnknownPolicy(9)", PriorityUpdatePolicy(9).String())
}

func TestParsePriorityUpdatePolicy(t *testing.T) {
	t.Parallel()
	for _, p := range []PriorityUpdatePolicy{PriorityUpdateAtNextSelection, PriorityUpdateAtEnrollment} {
		got, err := ParsePriorityUpdatePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriorityUpdatePolicy("Sometimes")
	assert.Error(t, err)
}
