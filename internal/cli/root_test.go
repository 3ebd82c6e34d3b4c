package cli

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tuplespace", cmd.Use)
	assert.Contains(t, cmd.Long, "template")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "inspect", "verify", "snapshot", "test"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "Command %s should exist", name)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	for _, name := range []string{"listen", "data", "schemas"} {
		f := serve.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "", f.DefValue, "%s defaults to the config file", name)
	}
}

func TestRootCommand_RejectsBadFormats(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--format", "yaml", "test", "."}, `invalid format "yaml"`},
		{[]string{"--log-format", "xml", "test", "."}, `invalid log format "xml"`},
	}
	for _, tt := range tests {
		cmd := NewRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(tt.args)

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), tt.want)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range ValidLogFormats {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, format, slog.LevelInfo)
			logger.Debug("hidden")
			logger.Info("space started", "types", 2)

			out := buf.String()
			assert.NotContains(t, out, "hidden")
			assert.Contains(t, out, "space started")
			assert.Equal(t, 1, strings.Count(out, "\n"))
		})
	}

	var buf bytes.Buffer
	NewLogger(&buf, "json", slog.LevelInfo).Info("ready")
	assert.Contains(t, buf.String(), `"msg":"ready"`)
}
