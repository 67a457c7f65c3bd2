/*
Package runcmd is a shell-free, pipe-based command runner: the
closest Go can get to the classic popen(3)-style "run this, give me
stdout and stderr fds and the pid" primitive without a literal
fork().

Go's runtime cannot safely fork() a multi-threaded process and keep
running Go code in the child — only fork+exec is supported. Start
therefore always goes through os/exec, which already fork+execs and
marks every inherited descriptor close-on-exec except the three it is
told to pass down, so a spawned command never sees the worker's
sockets or other children's pipes.
*/
package runcmd

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/relaymon/probed/pkg/cmdsplit"
)

// Process is a single running (or just-finished) child command.
type Process struct {
	Pid int

	cmd        *exec.Cmd
	stdoutRead *os.File
	stderrRead *os.File
	started    time.Time
}

// StdoutFD and StderrFD are the read-end descriptors the caller
// registers with an iobroker.Broker.
func (p *Process) StdoutFD() int { return int(p.stdoutRead.Fd()) }
func (p *Process) StderrFD() int { return int(p.stderrRead.Fd()) }

// Started reports when the child was forked.
func (p *Process) Started() time.Time { return p.started }

var (
	pidMapMu sync.Mutex
	pidMap   = map[int]int{} // stdout fd -> pid
)

// PidForFD returns the pid associated with a stdout fd previously
// returned by Start, mirroring the reference implementation's
// fd-indexed pid table (there: a fixed array sized to the descriptor
// limit; here: a map, since Go fds aren't small dense integers we
// control the allocation of).
func PidForFD(fd int) (int, bool) {
	pidMapMu.Lock()
	defer pidMapMu.Unlock()
	pid, ok := pidMap[fd]
	return pid, ok
}

// Start tokenizes cmdline and runs it. If the tokenizer reports any
// complication (a pipe, subshell, wildcard, etc.), the original command
// line is re-executed verbatim via /bin/sh -c instead of exec'd
// directly.
func Start(cmdline string) (*Process, cmdsplit.Complication, error) {
	argv, complication := cmdsplit.Split(cmdline)
	if complication != 0 {
		argv = []string{"/bin/sh", "-c", cmdline}
	}
	if len(argv) == 0 {
		return nil, complication, fmt.Errorf("runcmd: empty command line")
	}

	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return nil, complication, fmt.Errorf("runcmd: stdout pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		stdoutRead.Close()
		stdoutWrite.Close()
		return nil, complication, fmt.Errorf("runcmd: stderr pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdoutRead.Close()
		stdoutWrite.Close()
		stderrRead.Close()
		stderrWrite.Close()
		return nil, complication, fmt.Errorf("runcmd: start: %w", err)
	}

	// the write ends now live in the child; the parent only ever reads.
	stdoutWrite.Close()
	stderrWrite.Close()

	p := &Process{
		Pid:        cmd.Process.Pid,
		cmd:        cmd,
		stdoutRead: stdoutRead,
		stderrRead: stderrRead,
		started:    time.Now(),
	}

	pidMapMu.Lock()
	pidMap[p.StdoutFD()] = p.Pid
	pidMapMu.Unlock()

	return p, complication, nil
}

// Result is what Close reports about a finished child.
type Result struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	Rusage   *syscall.Rusage
}

func resultFromStatus(ws syscall.WaitStatus, ru syscall.Rusage) Result {
	res := Result{Rusage: &ru}
	switch {
	case ws.Exited():
		res.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		res.Signaled = true
		res.Signal = ws.Signal()
	}
	return res
}

// unregister drops p's pid-map entry and closes both pipe read ends.
// It is safe to call at most once per Process.
func (p *Process) unregister() {
	pidMapMu.Lock()
	delete(pidMap, p.StdoutFD())
	pidMapMu.Unlock()

	p.stdoutRead.Close()
	p.stderrRead.Close()
}

// Close blocks (wait4 without WNOHANG) until the child exits, clears
// the pid-map entry, closes both pipe read ends, and reports how the
// child finished. Use this only once both of its pipes have already
// reported EOF — the reference implementation's "blocking
// check_completion" mode.
func Close(p *Process) (Result, error) {
	var ws syscall.WaitStatus
	var ru syscall.Rusage
	for {
		_, err := syscall.Wait4(p.Pid, &ws, 0, &ru)
		if err == syscall.EINTR {
			continue
		}
		p.unregister()
		if err != nil {
			return Result{}, fmt.Errorf("runcmd: wait4: %w", err)
		}
		return resultFromStatus(ws, ru), nil
	}
}

// TryClose performs a non-blocking reap (wait4 with WNOHANG). done is
// false if the child has not yet exited, in which case the pid-map
// entry and pipes are left intact for a later TryClose/Close call.
func TryClose(p *Process) (done bool, res Result, err error) {
	var ws syscall.WaitStatus
	var ru syscall.Rusage
	for {
		pid, werr := syscall.Wait4(p.Pid, &ws, syscall.WNOHANG, &ru)
		if werr == syscall.EINTR {
			continue
		}
		if werr == syscall.ECHILD {
			// already reaped elsewhere; treat as done with no stats.
			p.unregister()
			return true, Result{}, nil
		}
		if werr != nil {
			return false, Result{}, fmt.Errorf("runcmd: wait4: %w", werr)
		}
		if pid == 0 {
			return false, Result{}, nil
		}
		p.unregister()
		return true, resultFromStatus(ws, ru), nil
	}
}
