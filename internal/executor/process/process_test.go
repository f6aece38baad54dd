//go:build unix

package process

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/executor/command"
)

func shell(script string) command.Invocation {
	return command.Invocation{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestStartCapturesStdoutAndStderr(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, shell(`echo out; echo err >&2`), nil)
	require.NoError(t, err)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, StateExited, h.State())
	assert.Equal(t, "out\n", string(h.Stdout().Bytes()))
	assert.Equal(t, "err\n", string(h.Stderr().Bytes()))
}

func TestWaitReportsExitCode(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, shell(`exit 7`), nil)
	require.NoError(t, err)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Code)
	assert.NoError(t, res.Err)
}

func TestSendAppendsNewline(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, shell(`cat`), nil)
	require.NoError(t, err)

	require.NoError(t, h.Send([]byte("first")))
	require.NoError(t, h.Send([]byte("second\n")))
	require.NoError(t, h.CloseStdin())

	_, err = h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(h.Stdout().Bytes()))
}

func TestSendAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, shell(`cat`), nil)
	require.NoError(t, err)

	require.NoError(t, h.CloseStdin())
	assert.ErrorIs(t, h.Send([]byte("late")), ErrStdinClosed)

	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func TestStdoutReaderStreamsWhileRunning(t *testing.T) {
	ctx := context.Background()
	h, err := Start(ctx, shell(`echo ready; cat >/dev/null`), nil)
	require.NoError(t, err)

	// The reader sees output while the process is still alive.
	buf := make([]byte, 6)
	_, err = io.ReadFull(h.Stdout().Reader(), buf)
	require.NoError(t, err)
	assert.Equal(t, "ready\n", string(buf))
	assert.Equal(t, StateRunning, h.State())

	require.NoError(t, h.CloseStdin())
	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func TestStopGracefulThenKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Traps nothing, so SIGINT ends it promptly.
	h, err := Start(ctx, shell(`sleep 30`), nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Stop(ctx, 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.Code)
}

func TestStopEscalatesWhenInterruptIgnored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	h, err := Start(ctx, shell(`trap '' INT; echo trapped; sleep 30`), nil)
	require.NoError(t, err)

	// Wait for the trap to be installed before signalling.
	buf := make([]byte, 8)
	_, err = io.ReadFull(h.Stdout().Reader(), buf)
	require.NoError(t, err)

	require.NoError(t, h.Stop(ctx, 500*time.Millisecond))
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Code != 0 || res.Signal != "")
}

func TestKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := Start(ctx, shell(`sleep 30`), nil)
	require.NoError(t, err)

	require.NoError(t, h.Kill(ctx))
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Code != 0 || strings.Contains(res.Signal, "killed"))
}

func TestStateMonotonic(t *testing.T) {
	h := &Handle{done: make(chan struct{})}
	h.advance(StateRunning)
	h.advance(StateExited)
	h.advance(StateRunning)
	assert.Equal(t, StateExited, h.State())
}
