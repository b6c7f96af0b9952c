package main

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsStartupErrors(t *testing.T) {
	t.Setenv("HUDDLE_USER_ID", "")
	noEnv := filepath.Join(t.TempDir(), "missing.env")

	// A port that was free a moment ago refuses the dial.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-bogus"}},
		{"no user", []string{"-env", noEnv}},
		{"relay unreachable", []string{"-env", noEnv, "-user", "1", "-server", "ws://" + addr, "-api", "http://" + addr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, run(tt.args))
		})
	}
}
