package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsStartupErrors(t *testing.T) {
	t.Setenv("HUDDLE_NATS_URL", "")
	dir := t.TempDir()
	noEnv := filepath.Join(dir, "missing.env")

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("server: [\n"), 0o644))

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-bogus"}},
		{"malformed config", []string{"-env", noEnv, "-config", badYAML}},
		{"store cannot be opened", []string{"-env", noEnv, "-db", filepath.Join(blocker, "huddle.db")}},
		{"address in use", []string{"-env", noEnv, "-db", ":memory:", "-addr", busy.Addr().String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, run(tt.args))
		})
	}
}
