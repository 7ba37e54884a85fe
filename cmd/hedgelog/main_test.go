package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/iuboy/hedgelog/internal/daemon"
	"github.com/iuboy/hedgelog/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("boom"), exitFailure},
		{statusError{Status: "Don't know what to do.", StatusCode: exitUsage}, exitUsage},
		{statusError{}, exitFailure},
		{fmt.Errorf("start: %w", daemon.ErrAlreadyRunning), exitAlreadyRunning},
		{fmt.Errorf("listen: %w", server.ErrBind), exitAlreadyRunning},
		{daemon.ErrNoPidFile, exitNoPidFile},
		{daemon.ErrSignalDelivery, exitSignal},
		{daemon.ErrStillRunning, exitStillRunning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func execute(args ...string) (string, error) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUnknownCommand(t *testing.T) {
	for _, args := range [][]string{nil, {"restart"}} {
		_, err := execute(args...)
		var sterr statusError
		require.ErrorAs(t, err, &sterr)
		assert.Equal(t, "Don't know what to do.", sterr.Status)
		assert.Equal(t, exitUsage, exitCode(err))
	}
}

func TestUnknownFlag(t *testing.T) {
	_, err := execute("start", "--bogus")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestStopWithoutPIDFile(t *testing.T) {
	pid := filepath.Join(t.TempDir(), "hedgelog.pid")
	_, err := execute("stop", "--pid-file", pid)
	assert.ErrorIs(t, err, daemon.ErrNoPidFile)
	assert.Equal(t, exitNoPidFile, exitCode(err))
}

func TestStartWithoutLoggingConfig(t *testing.T) {
	pid := filepath.Join(t.TempDir(), "hedgelog.pid")
	_, err := execute("start", "--debug", "--pid-file", pid)
	assert.Equal(t, exitFailure, exitCode(err))
}
