package workerproc

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/relaymon/probed/pkg/kvcodec"
)

func socketpair(t *testing.T) (masterEnd, workerEnd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
	})
	return fds[0], fds[1]
}

func sendFrame(t *testing.T, fd int, v *kvcodec.Vector) {
	t.Helper()
	buf := kvcodec.Serialize(v)
	off := 0
	for off < len(buf) {
		n, err := unix.Write(fd, buf[off:])
		require.NoError(t, err)
		off += n
	}
}

// readFrame blocks on fd until a full job response frame (ending in
// three NUL bytes) has arrived, skipping the "log=" frames the worker
// sends around each job. Reads are bounded by the deadline set on fd
// itself rather than a software timer (a worker that hangs would
// otherwise hang the test run, not just fail it).
func readFrame(t *testing.T, fd int, timeout time.Duration) *kvcodec.Vector {
	t.Helper()
	require.NoError(t, unix.SetNonblock(fd, false))

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	require.NoError(t, unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		for end := bytes.Index(buf, []byte{0, 0, 0}); end >= 0; end = bytes.Index(buf, []byte{0, 0, 0}) {
			v, ok := kvcodec.Parse(buf[:end+1])
			require.True(t, ok)
			buf = buf[end+3:]
			if _, isLog := v.Get("log"); !isLog {
				return v
			}
		}
		n, err := unix.Read(fd, tmp)
		require.NoError(t, err, "reading response frame")
		buf = append(buf, tmp[:n]...)
	}
}

func TestWorkerHappyPathCheck(t *testing.T) {
	masterFD, workerFD := socketpair(t)

	w, err := New(workerFD, zerolog.Nop())
	require.NoError(t, err)

	req := kvcodec.NewVector(4)
	req.AddString("job_id", "1")
	req.AddString("type", "check")
	req.AddString("command", "/bin/echo hello")
	req.AddString("timeout", "10")
	sendFrame(t, masterFD, req)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	// drive the worker's broker loop by hand for a bounded number of
	// turns via the response we expect on masterFD, then tear down by
	// closing the master end so Run() returns.
	resp := readFrame(t, masterFD, 5*time.Second)

	cmdVal, _ := resp.Get("command")
	assert.Equal(t, "/bin/echo hello", string(cmdVal))
	stdout, _ := resp.Get("stdout")
	assert.Equal(t, "hello\n", string(stdout))
	waitStatus, ok := resp.Get("wait_status")
	require.True(t, ok)
	assert.Equal(t, "0", string(waitStatus))
	_, hasRU := resp.Get("ru_utime")
	assert.True(t, hasRU)

	unix.Close(masterFD)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after master closed the channel")
	}
}

func TestWorkerEnvKeyNeverEchoed(t *testing.T) {
	masterFD, workerFD := socketpair(t)

	w, err := New(workerFD, zerolog.Nop())
	require.NoError(t, err)

	req := kvcodec.NewVector(4)
	req.AddString("job_id", "2")
	req.AddString("command", "/bin/echo secret")
	req.AddString("env", "TOKEN=abc123")
	sendFrame(t, masterFD, req)

	go func() { w.Run() }()

	resp := readFrame(t, masterFD, 5*time.Second)
	_, hasEnv := resp.Get("env")
	assert.False(t, hasEnv)

	unix.Close(masterFD)
}

func TestWorkerReportsStderrWhenStdoutEmpty(t *testing.T) {
	masterFD, workerFD := socketpair(t)

	w, err := New(workerFD, zerolog.Nop())
	require.NoError(t, err)

	req := kvcodec.NewVector(3)
	req.AddString("job_id", "3")
	req.AddString("command", `/bin/sh -c '1>&2 echo err; exit 3'`)
	sendFrame(t, masterFD, req)

	go func() { w.Run() }()

	resp := readFrame(t, masterFD, 5*time.Second)
	stdout, _ := resp.Get("stdout")
	stderr, _ := resp.Get("stderr")
	assert.Empty(t, string(stdout))
	assert.Equal(t, "err\n", string(stderr))

	unix.Close(masterFD)
}
