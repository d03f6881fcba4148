package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "scorelog", cmd.Use)
	assert.Contains(t, cmd.Long, "append-only")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"append"}, {"state"}, {"events"}, {"export"}, {"import"}, {"archive"},
		{"games", "list"}, {"games", "get"}, {"games", "delete"}, {"games", "restore"},
		{"migrate"}, {"hub"}, {"watch"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "data-dir", "db", "transport"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	tests := []struct {
		path []string
		flag string
		def  string
	}{
		{[]string{"append"}, "id", ""},
		{[]string{"state"}, "at", "-1"},
		{[]string{"events"}, "from", "0"},
		{[]string{"events"}, "to", "0"},
		{[]string{"export"}, "out", ""},
		{[]string{"archive"}, "title", ""},
		{[]string{"migrate"}, "all", "false"},
		{[]string{"hub"}, "addr", ""},
		{[]string{"watch"}, "count", "0"},
	}
	for _, tt := range tests {
		sub, _, err := cmd.Find(tt.path)
		require.NoError(t, err)
		f := sub.Flags().Lookup(tt.flag)
		require.NotNil(t, f, "%v --%s", tt.path, tt.flag)
		assert.Equal(t, tt.def, f.DefValue)
	}
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("yaml"))
}
