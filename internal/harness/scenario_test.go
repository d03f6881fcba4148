package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One tab, one event"
tabs: [a]
steps:
  - op: append
    tab: a
    event: {id: p1, type: player/added, payload: {playerId: alice, name: Alice}}
assertions:
  - type: height
    tab: a
    height: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, []string{"a"}, scenario.Tabs)
	assert.Equal(t, DefaultSession, scenario.session())
	require.Len(t, scenario.Steps, 1)
	require.NotNil(t, scenario.Steps[0].Event)
	assert.Equal(t, "player/added", scenario.Steps[0].Event.Type)
	assert.Equal(t, "alice", scenario.Steps[0].Event.Payload["playerId"])
	require.Len(t, scenario.Assertions, 1)
	require.NotNil(t, scenario.Assertions[0].Height)
	assert.Equal(t, int64(1), *scenario.Assertions[0].Height)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_AllTestdataScenariosLoad(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `
description: d
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "name is required",
		},
		{
			name: "missing description",
			yaml: `
name: n
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "description is required",
		},
		{
			name: "no tabs",
			yaml: `
name: n
description: d
steps: [{op: hold, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "tabs list is required",
		},
		{
			name: "duplicate tab",
			yaml: `
name: n
description: d
tabs: [a, a]
steps: [{op: hold, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: `duplicate tab "a"`,
		},
		{
			name: "bad session",
			yaml: `
name: n
description: d
session: "../x"
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "invalid session name",
		},
		{
			name: "bad tiers",
			yaml: `
name: n
description: d
snapshot_tiers: "ten:20"
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "snapshot_tiers",
		},
		{
			name: "no steps",
			yaml: `
name: n
description: d
tabs: [a]
assertions: [{type: converged}]
`,
			wantErr: "steps list is required",
		},
		{
			name: "unknown op",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: explode, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: `unknown op "explode"`,
		},
		{
			name: "unknown tab",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: z}]
assertions: [{type: converged}]
`,
			wantErr: `unknown tab "z"`,
		},
		{
			name: "append without event",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: append, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "event is required",
		},
		{
			name: "drop without count",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: drop, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "count must be positive",
		},
		{
			name: "restore without game",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: restore, tab: a}]
assertions: [{type: converged}]
`,
			wantErr: "game is required",
		},
		{
			name: "expect_error on hold",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: a, expect_error: invalid_payload}]
assertions: [{type: converged}]
`,
			wantErr: "expect_error is only valid",
		},
		{
			name: "unknown rejection code",
			yaml: `
name: n
description: d
tabs: [a]
steps:
  - {op: append, tab: a, expect_error: nope, event: {type: x}}
assertions: [{type: converged}]
`,
			wantErr: `unknown rejection code "nope"`,
		},
		{
			name: "no assertions",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: a}]
`,
			wantErr: "assertions list is required",
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: vibes}]
`,
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name: "height without tab",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: height, height: 1}]
`,
			wantErr: "tab is required for height",
		},
		{
			name: "state without value",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: state, tab: a, path: mode}]
`,
			wantErr: "value is required",
		},
		{
			name: "games without expectation",
			yaml: `
name: n
description: d
tabs: [a]
steps: [{op: hold, tab: a}]
assertions: [{type: games}]
`,
			wantErr: "count or winner is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_DeliverWithoutTab(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: n
description: d
tabs: [a, b]
steps:
  - op: hold
    tab: b
  - op: deliver
assertions:
  - type: converged
`))
	require.NoError(t, err)
	assert.Empty(t, s.Steps[1].Tab)
}
