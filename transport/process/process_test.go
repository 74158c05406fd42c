package process

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ignores SIGTERM so only a kill stops it.
const stubbornScript = `#!/bin/sh
trap '' TERM
echo ready
while true; do sleep 1; done
`

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestStartEmptyCommand(t *testing.T) {
	_, err := Start(Config{})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestStartInvalidCommand(t *testing.T) {
	_, err := Start(Config{Argv: []string{"non_existent_command_for_test"}})
	assert.Error(t, err)
}

func TestEchoThroughPipes(t *testing.T) {
	p, err := Start(Config{Argv: []string{"cat"}})
	require.NoError(t, err)
	defer p.Close()

	_, err = io.WriteString(p.Stdin(), "hello\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	// EOF on stdin ends cat.
	require.NoError(t, p.Stdin().Close())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after stdin closed")
	}
	assert.NoError(t, p.ExitErr())
	assert.NotZero(t, p.Pid())
}

func TestEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(Config{
		Argv: []string{"sh", "-c", "echo \"$GOCOPILOT_TEST_VAR\"; pwd; echo oops >&2"},
		Env:  []string{"GOCOPILOT_TEST_VAR=injected"},
		Dir:  dir,
	})
	require.NoError(t, err)
	defer p.Close()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "injected", lines[0])

	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(lines[1])
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)

	errOut, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestShutdownGraceful(t *testing.T) {
	p, err := Start(Config{Argv: []string{"sleep", "30"}})
	require.NoError(t, err)
	defer p.Close()

	killed, err := p.Shutdown(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, killed, "sleep should exit on SIGTERM")
}

func TestShutdownEscalatesToKill(t *testing.T) {
	p, err := Start(Config{Argv: []string{writeScript(t, stubbornScript)}})
	require.NoError(t, err)
	defer p.Close()

	// Wait until the trap is installed.
	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)

	start := time.Now()
	killed, err := p.Shutdown(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, killed)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	select {
	case <-p.Done():
	default:
		t.Fatal("process should be gone after Shutdown")
	}
}

func TestTerminateAfterExitIsNoop(t *testing.T) {
	p, err := Start(Config{Argv: []string{"true"}})
	require.NoError(t, err)
	defer p.Close()

	<-p.Done()
	assert.NoError(t, p.Terminate())
	assert.NoError(t, p.Kill())
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := Start(Config{Argv: []string{"true"}})
	require.NoError(t, err)
	<-p.Done()
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}
