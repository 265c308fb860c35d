// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	testCases := []struct {
		name       string
		entrypoint []string
		command    []string
		wantOut    string
		wantErr    bool
	}{
		{
			name:       "simple echo command",
			entrypoint: []string{"bash", "-c"},
			command:    []string{"echo 'hello'"},
			wantOut:    "hello\n",
			wantErr:    false,
		},
		{
			name:       "invalid command",
			entrypoint: []string{"bash", "-c"},
			command:    []string{"invalid_command"},
			wantOut:    "not found",
			wantErr:    false,
		},
		{
			name:       "empty entrypoint",
			entrypoint: nil,
			command:    []string{"echo hi"},
			wantErr:    true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			step := &Spec{
				ID:         "step1",
				Name:       "test",
				Entrypoint: tc.entrypoint,
				Command:    tc.command,
			}
			output := &bytes.Buffer{}
			result, err := Run(context.Background(), step, output)

			if tc.wantErr {
				require.Error(t, err)
				require.Nil(t, result)
				return
			}
			require.NoError(t, err)
			require.Contains(t, output.String(), tc.wantOut)
		})
	}
}
