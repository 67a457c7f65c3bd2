/*
Package workerproc implements the worker-side broker loop: a single
process that owns exactly one socket back to its master, receives
framed job requests on it, forks a child per job via pkg/runcmd,
multiplexes the children's stdout/stderr through pkg/iobroker, and
ships a framed response back to the master once each child finishes.

A worker is single-threaded and cooperative: the only place it ever
blocks is inside Broker.Poll. Every handler invoked from Poll runs to
completion before Poll is called again.
*/
package workerproc

import (
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/relaymon/probed/pkg/iobroker"
	"github.com/relaymon/probed/pkg/iocache"
	"github.com/relaymon/probed/pkg/kvcodec"
	"github.com/relaymon/probed/pkg/runcmd"
)

// frameTerminator is the frame delimiter shared by both directions of
// the master<->worker channel: the last pair's own PairSep followed by
// kvcodec's two-byte frame terminator, i.e. three NUL bytes.
var frameTerminator = []byte{kvcodec.PairSep, kvcodec.PairSep, kvcodec.PairSep}

const readBufferSize = 65536

// defaultJobTimeout is used when a request carries no timeout key.
const defaultJobTimeout = 300 * time.Second

type child struct {
	id         uint64
	cmd        string
	proc       *runcmd.Process
	request    *kvcodec.Vector
	start      time.Time
	stop       time.Time
	// deadline is recorded but not enforced: no code path signals a
	// child whose deadline has passed.
	deadline   time.Time
	stdoutBuf  []byte
	stderrBuf  []byte
	stdoutOpen bool
	stderrOpen bool
}

// Worker drives one worker process's entire lifetime.
type Worker struct {
	masterFD int
	broker   iobroker.Broker
	ioc      *iocache.Cache
	children map[int]*child
	ppid     int
	log      zerolog.Logger

	started uint64
	running uint64
}

// New creates a worker bound to masterFD (conventionally fd 3, the
// socketpair end passed down via exec.Cmd.ExtraFiles by the master)
// and registers it for readability with a fresh broker.
func New(masterFD int, logger zerolog.Logger) (*Worker, error) {
	broker, err := iobroker.New()
	if err != nil {
		return nil, fmt.Errorf("workerproc: create broker: %w", err)
	}

	w := &Worker{
		masterFD: masterFD,
		broker:   broker,
		ioc:      iocache.New(readBufferSize),
		children: make(map[int]*child),
		ppid:     unix.Getppid(),
		log:      logger,
	}

	if err := broker.Register(masterFD, nil, w.receiveCommand); err != nil {
		return nil, fmt.Errorf("workerproc: register master socket: %w", err)
	}
	return w, nil
}

// Run polls until the master closes the channel (clean shutdown), the
// parent process disappears, or an unrecoverable broker error occurs.
func (w *Worker) Run() error {
	for w.broker.NumFDs() > 0 {
		if _, err := w.broker.Poll(-1); err != nil {
			return fmt.Errorf("workerproc: poll: %w", err)
		}
		if !w.parentAlive() {
			w.log.Warn().Msg("parent process is gone, exiting")
			return nil
		}
	}
	return nil
}

func (w *Worker) parentAlive() bool {
	return unix.Kill(w.ppid, 0) == nil
}

// receiveCommand is the master socket's readability handler.
func (w *Worker) receiveCommand(fd int, events iobroker.Events, arg interface{}) error {
	n, err := w.ioc.Read(fd)
	if err != nil {
		w.wlog("iocache read error: %v", err)
		return err
	}
	if n == 0 {
		// master closed the channel: clean shutdown.
		w.broker.Close(fd)
		return nil
	}

	for {
		frame, ok := w.ioc.UseDelim(frameTerminator)
		if !ok {
			break
		}
		// Parse takes the pairs with their own PairSep terminators, so
		// only the two-byte frame terminator is stripped.
		body := frame[:len(frame)-2]
		w.spawnJob(body)
	}
	return nil
}

func (w *Worker) spawnJob(body []byte) {
	vector, ok := kvcodec.Parse(body)
	if !ok {
		w.wlog("dropping malformed job frame (%d pairs parsed before error)", vector.Len())
		return
	}

	cmdRaw, hasCmd := vector.Get("command")
	if !hasCmd {
		w.jobError(vector, fmt.Errorf("missing command key"))
		return
	}

	var jobID uint64
	if raw, ok := vector.Get("job_id"); ok {
		jobID, _ = strconv.ParseUint(string(raw), 10, 64)
	}

	var rel int64
	if raw, ok := vector.Get("timeout"); ok {
		rel, _ = strconv.ParseInt(string(raw), 10, 64)
	}

	now := time.Now()
	var deadline time.Time
	if rel == 0 {
		deadline = now.Add(defaultJobTimeout)
	} else {
		deadline = now.Add(time.Duration(rel)*time.Second + time.Second)
	}

	proc, _, err := runcmd.Start(string(cmdRaw))
	if err != nil {
		w.jobError(vector, err)
		return
	}

	c := &child{
		id:         jobID,
		cmd:        string(cmdRaw),
		proc:       proc,
		request:    vector,
		start:      proc.Started(),
		deadline:   deadline,
		stdoutOpen: true,
		stderrOpen: true,
	}

	w.children[proc.StdoutFD()] = c
	w.children[proc.StderrFD()] = c
	if err := w.broker.Register(proc.StdoutFD(), c, w.stdoutReady); err != nil {
		w.wlog("failed to register stdout fd for job %d: %v", jobID, err)
	}
	if err := w.broker.Register(proc.StderrFD(), c, w.stderrReady); err != nil {
		w.wlog("failed to register stderr fd for job %d: %v", jobID, err)
	}

	w.started++
	w.running++
	w.wlog("started job %d (%s), pid %d; started=%d running=%d", jobID, c.cmd, proc.Pid, w.started, w.running)
}

func (w *Worker) stdoutReady(fd int, events iobroker.Events, arg interface{}) error {
	return w.gatherOutput(fd, arg.(*child), true)
}

func (w *Worker) stderrReady(fd int, events iobroker.Events, arg interface{}) error {
	return w.gatherOutput(fd, arg.(*child), false)
}

// gatherOutput reads up to 4KiB from one of a child's pipes. On EOF it
// closes and unregisters that pipe, then checks completion: blocking
// if the other pipe is already closed (the child is certainly near
// done), non-blocking otherwise.
func (w *Worker) gatherOutput(fd int, c *child, isStdout bool) error {
	buf := make([]byte, 4096)

	var n int
	var err error
	for {
		n, err = unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil && err != unix.EINTR {
		n = 0
	}

	if n > 0 {
		if isStdout {
			c.stdoutBuf = append(c.stdoutBuf, buf[:n]...)
		} else {
			c.stderrBuf = append(c.stderrBuf, buf[:n]...)
		}
		return nil
	}

	w.broker.Close(fd)
	delete(w.children, fd)
	if isStdout {
		c.stdoutOpen = false
	} else {
		c.stderrOpen = false
	}

	if !c.stdoutOpen && !c.stderrOpen {
		return w.checkCompletion(c, true)
	}
	return w.checkCompletion(c, false)
}

func (w *Worker) checkCompletion(c *child, blocking bool) error {
	if blocking {
		res, err := runcmd.Close(c.proc)
		reason := 0
		if err != nil {
			reason = 1
		}
		w.finishJob(c, res, reason)
		return nil
	}

	done, res, err := runcmd.TryClose(c.proc)
	if !done {
		return nil
	}
	reason := 0
	if err != nil {
		reason = 1
	}
	w.finishJob(c, res, reason)
	return nil
}

// encodeWaitStatus packs res into the same bit layout as a POSIX
// wait(2) status word, so the master's field-mapping table can apply
// the standard WIFEXITED/WEXITSTATUS-equivalent decode regardless of
// which platform produced it.
func encodeWaitStatus(res runcmd.Result) int {
	if res.Signaled {
		return int(res.Signal) & 0x7f
	}
	return (res.ExitCode & 0xff) << 8
}

func formatTimeval(tv syscall.Timeval) string {
	return fmt.Sprintf("%d.%06d", tv.Sec, tv.Usec)
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func (w *Worker) finishJob(c *child, res runcmd.Result, reason int) {
	c.stop = time.Now()

	resp := kvcodec.NewVector(16)
	for _, p := range c.request.Pairs {
		if p.Key == "env" {
			continue
		}
		resp.Add(p.Key, p.Value)
	}

	resp.AddString("wait_status", strconv.Itoa(encodeWaitStatus(res)))
	resp.Add("stdout", c.stdoutBuf)
	resp.Add("stderr", c.stderrBuf)
	resp.AddString("start", formatTime(c.start))
	resp.AddString("stop", formatTime(c.stop))
	resp.AddString("runtime", strconv.FormatFloat(c.stop.Sub(c.start).Seconds(), 'f', 6, 64))

	if reason == 0 && res.Rusage != nil {
		ru := res.Rusage
		resp.AddString("ru_utime", formatTimeval(ru.Utime))
		resp.AddString("ru_stime", formatTimeval(ru.Stime))
		resp.AddString("ru_minflt", strconv.FormatInt(int64(ru.Minflt), 10))
		resp.AddString("ru_majflt", strconv.FormatInt(int64(ru.Majflt), 10))
		resp.AddString("ru_nswap", strconv.FormatInt(int64(ru.Nswap), 10))
		resp.AddString("ru_inblock", strconv.FormatInt(int64(ru.Inblock), 10))
		resp.AddString("ru_oublock", strconv.FormatInt(int64(ru.Oublock), 10))
		resp.AddString("ru_nsignals", strconv.FormatInt(int64(ru.Nsignals), 10))
	} else {
		resp.AddString("reason", strconv.Itoa(reason))
	}

	w.sendResponse(resp)

	if w.running > 0 {
		w.running--
	}
	w.wlog("finished job %d in %s; running=%d", c.id, c.stop.Sub(c.start), w.running)
}

func (w *Worker) jobError(request *kvcodec.Vector, jobErr error) {
	resp := kvcodec.NewVector(request.Len() + 1)
	for _, p := range request.Pairs {
		if p.Key == "env" {
			continue
		}
		resp.Add(p.Key, p.Value)
	}
	resp.AddString("error", jobErr.Error())
	w.sendResponse(resp)
}

func (w *Worker) sendResponse(v *kvcodec.Vector) {
	buf := kvcodec.Serialize(v)
	w.writeAll(buf)
}

// wlog implements the "log=" out-of-band escape hatch: a single-pair
// frame the master forwards to the daemon's logger, in addition to
// this process's own local structured log.
func (w *Worker) wlog(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	v := kvcodec.NewVector(1)
	v.AddString("log", msg)
	w.sendResponse(v)
	w.log.Debug().Msg(msg)
}

func (w *Worker) writeAll(buf []byte) {
	for len(buf) > 0 {
		n, err := unix.Write(w.masterFD, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		buf = buf[n:]
	}
}
