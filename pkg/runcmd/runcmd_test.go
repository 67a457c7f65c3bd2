package runcmd

import (
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dupFD(fd int) (int, error) {
	return syscall.Dup(fd)
}

// readAll reads fd to EOF without taking ownership of it: Close still
// owns the underlying *os.File and closes the real descriptor, so this
// wraps a duplicate rather than the original to avoid a double-close.
func readAll(t *testing.T, fd int) []byte {
	t.Helper()
	dup, err := dupFD(fd)
	require.NoError(t, err)
	f := os.NewFile(uintptr(dup), "test-read-dup")
	defer f.Close()

	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return b
}

func TestStartHappyPath(t *testing.T) {
	p, complication, err := Start("/bin/echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, int(complication))
	require.NotZero(t, p.Pid)

	_, ok := PidForFD(p.StdoutFD())
	assert.True(t, ok)

	out := readAll(t, p.StdoutFD())
	assert.Equal(t, "hello\n", string(out))

	res, err := Close(p)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Signaled)
	require.NotNil(t, res.Rusage)

	_, ok = PidForFD(p.StdoutFD())
	assert.False(t, ok)
}

func TestStartStderrOnlyAndNonzeroExit(t *testing.T) {
	p, complication, err := Start(`/bin/sh -c '1>&2 echo err; exit 3'`)
	require.NoError(t, err)
	assert.Zero(t, complication, "the semicolon and redirection are quoted, so the splitter tokenizes this directly")

	stderr := readAll(t, p.StderrFD())
	assert.Equal(t, "err\n", string(stderr))

	res, err := Close(p)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestStartShellFallbackOnPipe(t *testing.T) {
	p, complication, err := Start("echo a | cat")
	require.NoError(t, err)
	assert.NotZero(t, complication)

	out := readAll(t, p.StdoutFD())
	assert.Equal(t, "a\n", string(out))

	res, err := Close(p)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestStartEmptyCommandErrors(t *testing.T) {
	_, _, err := Start("   ")
	assert.Error(t, err)
}
