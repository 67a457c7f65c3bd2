/*
Package pool is the master side of the worker-pool execution subsystem:
it spawns worker processes, round-robins job requests across them over
a framed key/value socket, and decodes their responses back into typed
results.

A Pool is single-threaded and cooperative, mirroring pkg/workerproc on
the other end of the wire: the only place it ever blocks is inside
Poll, which drives one turn of the underlying iobroker.Broker. Callers
drive the loop themselves (see cmd/probed's master command) rather than
Pool spawning its own goroutine, so embedding Pool inside a larger
event loop never requires synchronization.
*/
package pool

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/relaymon/probed/pkg/audit"
	"github.com/relaymon/probed/pkg/config"
	"github.com/relaymon/probed/pkg/iobroker"
	"github.com/relaymon/probed/pkg/iocache"
	"github.com/relaymon/probed/pkg/kvcodec"
	"github.com/relaymon/probed/pkg/log"
	"github.com/relaymon/probed/pkg/metrics"
	"github.com/relaymon/probed/pkg/squeue"
)

// frameTerminator mirrors pkg/workerproc's framing: in both directions
// a kvcodec frame ends with the last pair's own PairSep followed by the
// two-byte frame terminator, i.e. three NUL bytes.
var frameTerminator = []byte{kvcodec.PairSep, kvcodec.PairSep, kvcodec.PairSep}

const readBufferSize = 65536

// jobKind distinguishes a dispatched job's response handling.
type jobKind int

const (
	jobCheck jobKind = iota
	jobNotify
)

// ETIME is the errno value that, as a response's numeric "error" value,
// marks a job as killed for exceeding its advisory timeout. pkg/workerproc
// never kills a job, and the "error" values it sends are error text, so
// no response from it carries this value.
const ETIME = int(syscall.ETIME)

// Rusage is the subset of getrusage(2) fields the wire protocol
// carries, decoded from a finished job's response frame.
type Rusage struct {
	UserTime   time.Duration
	SystemTime time.Duration
	MinFlt     int64
	MajFlt     int64
	NSwap      int64
	InBlock    int64
	OutBlock   int64
	NSignals   int64
}

// CheckAccumulator is the caller-owned context for one dispatched check:
// callers fill in the identifying fields before calling RunCheck, and
// the pool fills in the result fields once the worker responds.
type CheckAccumulator struct {
	HostName           string
	ServiceDescription string // empty means a host check, matching the wire schema's absence-as-tag convention

	Command string

	JobID        int64
	Output       string
	LongOutput   string
	ReturnCode   int
	ExitedOK     bool
	EarlyTimeout bool
	Start        time.Time
	Stop         time.Time
	Runtime      time.Duration
	Rusage       Rusage
	Reason       int // nonzero if the worker ended abnormally (no rusage)
	Error        string
}

// NotifyDescriptor identifies a notification job. Results are logged,
// not handed to a callback: the reference implementation never wires
// notification completion back into a handler either.
type NotifyDescriptor struct {
	ContactName       string
	HostName          string
	ServiceDescription string
}

type jobSlot struct {
	inUse   bool
	kind    jobKind
	jobID   int64
	check   *CheckAccumulator
	notify  NotifyDescriptor
	started time.Time
}

type workerProc struct {
	id       int
	cmd      *exec.Cmd
	fd       int
	ioc      *iocache.Cache
	jobIndex uint64
	jobs     []jobSlot
	alive    bool
}

// Pool owns a set of spawned worker processes and the broker used to
// multiplex their response sockets.
type Pool struct {
	cfg       config.PoolConfig
	workerBin string
	broker    iobroker.Broker
	workers   []*workerProc
	workerIdx uint64
	queue     *squeue.Queue
	auditLog  *audit.Log
	log       zerolog.Logger
	handler   func(*CheckAccumulator)
}

// New builds a Pool from cfg but does not yet spawn any workers; call
// InitWorkers to do that.
func New(cfg config.PoolConfig) (*Pool, error) {
	cfg.Normalize()

	broker, err := iobroker.New()
	if err != nil {
		return nil, fmt.Errorf("pool: create broker: %w", err)
	}

	queue, err := squeue.New(3600)
	if err != nil {
		return nil, fmt.Errorf("pool: create schedule queue: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("pool: open audit log: %w", err)
	}

	workerBin := cfg.WorkerBinary
	if workerBin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("pool: resolve worker binary: %w", err)
		}
		workerBin = exe
	}

	return &Pool{
		cfg:       cfg,
		workerBin: workerBin,
		broker:    broker,
		queue:     queue,
		auditLog:  auditLog,
		log:       log.WithComponent("pool"),
	}, nil
}

// SetCheckResultHandler registers the callback invoked with a filled-in
// CheckAccumulator once the dispatching worker's response frame has
// been fully decoded. It is never called for notify jobs.
func (p *Pool) SetCheckResultHandler(fn func(*CheckAccumulator)) {
	p.handler = fn
}

// InitWorkers spawns n workers (clamped up to config.DefaultWorkers,
// matching the reference implementation's own clamp) and registers
// each worker's socket with the broker. InitWorkers cannot shrink an
// already-running pool; calling it again with a smaller n is an error.
func (p *Pool) InitWorkers(n int) error {
	if n <= 0 {
		n = config.DefaultWorkers
	}
	if n < len(p.workers) {
		return fmt.Errorf("pool: cannot shrink worker count from %d to %d", len(p.workers), n)
	}

	spawned := make([]*workerProc, 0, n-len(p.workers))
	for i := len(p.workers); i < n; i++ {
		wp, err := p.spawnWorker(i)
		if err != nil {
			for _, s := range spawned {
				p.killWorker(s)
			}
			return fmt.Errorf("pool: spawn worker %d: %w", i, err)
		}
		spawned = append(spawned, wp)
	}

	// Register only after every spawn succeeded, mirroring
	// init_workers' two-pass spawn-then-register structure: a failure
	// partway through never leaves a half-registered broker set.
	for _, wp := range spawned {
		if err := p.broker.Register(wp.fd, wp, p.handleWorkerResult); err != nil {
			return fmt.Errorf("pool: register worker %d: %w", wp.id, err)
		}
		p.workers = append(p.workers, wp)
		metrics.WorkersAlive.Inc()
		_ = p.auditLog.Record("spawned", wp.id, fmt.Sprintf("pid %d", wp.cmd.Process.Pid))
	}

	return nil
}

// spawnWorker forks the shared worker binary under the hidden
// "__worker" subcommand, handing it one end of a socketpair as fd 3 via
// exec.Cmd.ExtraFiles (Go's fork+exec substitute for a literal fork()
// that then calls a post-fork init function).
func (p *Pool) spawnWorker(id int) (*workerProc, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	masterEnd, workerEnd := fds[0], fds[1]

	workerFile := os.NewFile(uintptr(workerEnd), "worker-socket")
	defer workerFile.Close()

	cmd := exec.Command(p.workerBin, "__worker")
	cmd.ExtraFiles = []*os.File{workerFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(masterEnd)
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	return &workerProc{
		id:    id,
		cmd:   cmd,
		fd:    masterEnd,
		ioc:   iocache.New(readBufferSize),
		jobs:  make([]jobSlot, p.cfg.MaxJobsPerWorker),
		alive: true,
	}, nil
}

func (p *Pool) killWorker(wp *workerProc) {
	unix.Close(wp.fd)
	if wp.cmd.Process != nil {
		_ = wp.cmd.Process.Kill()
		_, _ = wp.cmd.Process.Wait()
	}
}

// nextWorker returns the next worker in round-robin order, matching
// get_worker's `workers[worker_index++ % num_workers]`.
func (p *Pool) nextWorker() *workerProc {
	wp := p.workers[p.workerIdx%uint64(len(p.workers))]
	p.workerIdx++
	return wp
}

// nextJobID assigns this worker's next job slot, matching
// get_job_id's `wp->job_index++ % wp->max_jobs`. If the slot is still
// occupied by an undelivered prior job, that job is silently
// overwritten and its response, if it ever arrives, is misattributed —
// the same lossy collision the reference implementation accepts in
// exchange for a fixed-size job table.
func (wp *workerProc) nextJobID() int64 {
	id := wp.jobIndex
	wp.jobIndex++
	return int64(id % uint64(len(wp.jobs)))
}

func buildRequest(jobID int64, typ string, cmd string, timeout time.Duration, macros map[string]string, extra func(*kvcodec.Vector)) *kvcodec.Vector {
	v := kvcodec.NewVector(8 + len(macros))
	v.AddString("job_id", strconv.FormatInt(jobID, 10))
	v.AddString("type", typ)
	v.AddString("command", cmd)
	if timeout > 0 {
		v.AddString("timeout", strconv.FormatInt(int64(timeout/time.Second), 10))
	}
	if extra != nil {
		extra(v)
	}
	// Macro expansion into the command text is explicitly out of
	// scope; macros are instead forwarded as "env"-tagged pairs, the
	// wire schema's forward-compatible placeholder for passing
	// environment to the child (pkg/workerproc strips these before
	// echoing the request back, per the response schema).
	for k, val := range macros {
		v.AddString("env", k+"="+val)
	}
	return v
}

func (p *Pool) dispatch(wp *workerProc, slot jobSlot, req *kvcodec.Vector) error {
	jobIDKey := slot.jobID
	wp.jobs[jobIDKey%int64(len(wp.jobs))] = slot

	buf := kvcodec.Serialize(req)
	off := 0
	for off < len(buf) {
		n, err := unix.Write(wp.fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("pool: write job to worker %d: %w", wp.id, err)
		}
		off += n
	}
	return nil
}

// RunCheck dispatches a host or service check to the next worker in
// round-robin order and returns the job id the caller can use to
// correlate the eventual CheckResultHandler invocation (accum.JobID
// will carry the same value).
func (p *Pool) RunCheck(accum *CheckAccumulator, cmd string, macros map[string]string) (int64, error) {
	if len(p.workers) == 0 {
		return 0, fmt.Errorf("pool: no workers initialized")
	}

	wp := p.nextWorker()
	jobID := wp.nextJobID()
	accum.JobID = jobID
	accum.Command = cmd

	req := buildRequest(jobID, "check", cmd, p.cfg.JobTimeout, macros, func(v *kvcodec.Vector) {
		v.AddString("host_name", accum.HostName)
		if accum.ServiceDescription != "" {
			v.AddString("service_description", accum.ServiceDescription)
		}
	})

	if err := p.dispatch(wp, jobSlot{inUse: true, kind: jobCheck, jobID: jobID, check: accum, started: time.Now()}, req); err != nil {
		return jobID, err
	}
	metrics.JobsDispatchedTotal.WithLabelValues("check").Inc()
	return jobID, nil
}

// Notify dispatches a notification script to the next worker. Its
// completion is logged but never handed to a callback, matching the
// reference daemon's fire-and-forget notification jobs.
func (p *Pool) Notify(ctx NotifyDescriptor, cmd string, macros map[string]string) (int64, error) {
	if len(p.workers) == 0 {
		return 0, fmt.Errorf("pool: no workers initialized")
	}

	wp := p.nextWorker()
	jobID := wp.nextJobID()

	req := buildRequest(jobID, "notify", cmd, p.cfg.JobTimeout, macros, func(v *kvcodec.Vector) {
		v.AddString("contact_name", ctx.ContactName)
		v.AddString("host_name", ctx.HostName)
		if ctx.ServiceDescription != "" {
			v.AddString("service_description", ctx.ServiceDescription)
		}
	})

	if err := p.dispatch(wp, jobSlot{inUse: true, kind: jobNotify, jobID: jobID, notify: ctx, started: time.Now()}, req); err != nil {
		return jobID, err
	}
	metrics.JobsDispatchedTotal.WithLabelValues("notify").Inc()
	return jobID, nil
}

// Poll drives one turn of the broker: it blocks until a worker socket
// is ready or timeout elapses, dispatching each ready response frame to
// handleWorkerResult. A negative timeout waits indefinitely.
func (p *Pool) Poll(timeout time.Duration) error {
	_, err := p.broker.Poll(timeout)
	if err != nil {
		return fmt.Errorf("pool: poll: %w", err)
	}
	return nil
}

// handleWorkerResult is the per-worker-socket readability handler: it
// reads as much as is available, then extracts and processes every
// complete frame the read produced, mirroring handle_worker_result's
// "read once, drain every queued frame" structure.
func (p *Pool) handleWorkerResult(fd int, events iobroker.Events, arg interface{}) error {
	wp := arg.(*workerProc)

	n, err := wp.ioc.Read(fd)
	if err != nil {
		p.crashWorker(wp, err.Error())
		return err
	}
	if n == 0 {
		p.crashWorker(wp, "eof on worker socket")
		return nil
	}

	for {
		frame, ok := wp.ioc.UseDelim(frameTerminator)
		if !ok {
			break
		}
		// Parse takes the pairs with their own PairSep terminators, so
		// only the two-byte frame terminator is stripped.
		body := frame[:len(frame)-2]
		p.processFrame(wp, body)
	}
	return nil
}

// crashWorker logs and audits a dead worker socket. The reference
// implementation has no retry or job-redistribution path for this
// either: in-flight jobs on a crashed worker are simply lost, an
// explicit non-goal (see DESIGN.md).
func (p *Pool) crashWorker(wp *workerProc, reason string) {
	if !wp.alive {
		return
	}
	wp.alive = false
	p.log.Error().Int("worker_id", wp.id).Str("reason", reason).Msg("worker socket lost")
	metrics.WorkerCrashesTotal.Inc()
	metrics.WorkersAlive.Dec()
	_ = p.auditLog.Record("crashed", wp.id, reason)
	_ = p.broker.Close(wp.fd)
}

// processFrame parses one response frame and either logs it (the "log="
// escape hatch) or decodes it as a finished job and dispatches it to
// the registered handler, following the field-mapping table in
// handle_worker_result.
func (p *Pool) processFrame(wp *workerProc, body []byte) {
	v, ok := kvcodec.Parse(body)
	if !ok {
		metrics.MalformedFramesTotal.Inc()
		p.log.Warn().Int("worker_id", wp.id).Msg("dropping malformed response frame")
		return
	}

	if msg, isLog := v.Get("log"); isLog {
		p.log.Debug().Int("worker_id", wp.id).Str("message", string(msg)).Msg("worker log")
		return
	}

	// A genuine job response's first pair is job_id. finishJob echoes
	// the request and adds wait_status, stdout, stderr, start, stop and
	// runtime; jobError echoes the request (job_id, type, command,
	// timeout and host_name for every job this pool sends) and adds
	// error. Either way that is at least six pairs, so anything shorter
	// is a truncated or otherwise malformed frame, not a real response.
	if v.Len() < 6 || v.Pairs[0].Key != "job_id" {
		metrics.MalformedFramesTotal.Inc()
		p.log.Warn().Int("worker_id", wp.id).Int("pairs", v.Len()).Msg("dropping response frame: too few pairs or missing leading job_id")
		return
	}

	jobID, err := strconv.ParseInt(string(v.Pairs[0].Value), 10, 64)
	if err != nil {
		p.log.Warn().Int("worker_id", wp.id).Msg("response frame has non-numeric job_id")
		return
	}

	slot := wp.jobs[jobID%int64(len(wp.jobs))]
	if !slot.inUse || slot.jobID != jobID {
		p.log.Debug().Int("worker_id", wp.id).Int64("job_id", jobID).
			Msg("response for unknown or already-superseded job slot, dropping")
		return
	}
	wp.jobs[jobID%int64(len(wp.jobs))] = jobSlot{}

	switch slot.kind {
	case jobCheck:
		p.fillCheckResult(slot.check, v)
		metrics.JobsCompletedTotal.WithLabelValues("check").Inc()
		metrics.DispatchLatency.Observe(time.Since(slot.started).Seconds())
		if p.handler != nil {
			p.handler(slot.check)
		}
	case jobNotify:
		p.log.Info().Str("contact", slot.notify.ContactName).Int64("job_id", jobID).Msg("notification completed")
		metrics.JobsCompletedTotal.WithLabelValues("notify").Inc()
		metrics.DispatchLatency.Observe(time.Since(slot.started).Seconds())
	}
}

// fillCheckResult decodes a finished check's response fields into
// accum, following the same field-by-field mapping as
// handle_worker_result: stdout falls back to stderr when empty,
// wait_status decodes via the WIFEXITED/WEXITSTATUS-equivalent bit
// layout pkg/workerproc encodes, and error=ETIME sets EarlyTimeout.
func (p *Pool) fillCheckResult(accum *CheckAccumulator, v *kvcodec.Vector) {
	if raw, ok := v.Get("start"); ok {
		accum.Start = parseWireTime(string(raw))
	}
	if raw, ok := v.Get("stop"); ok {
		accum.Stop = parseWireTime(string(raw))
	}
	if raw, ok := v.Get("runtime"); ok {
		if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
			accum.Runtime = time.Duration(f * float64(time.Second))
		}
	}

	if raw, ok := v.Get("error"); ok {
		accum.Error = string(raw)
		if code, err := strconv.Atoi(string(raw)); err == nil && code == ETIME {
			accum.EarlyTimeout = true
		}
	}

	stdout, hasStdout := v.Get("stdout")
	stderr, _ := v.Get("stderr")
	if hasStdout && len(stdout) > 0 {
		accum.Output = string(stdout)
	} else {
		accum.Output = string(stderr)
	}

	if raw, ok := v.Get("wait_status"); ok {
		if status, err := strconv.Atoi(string(raw)); err == nil {
			accum.ExitedOK = status&0x7f == 0
			if accum.ExitedOK {
				accum.ReturnCode = (status >> 8) & 0xff
			}
		}
	}

	if raw, ok := v.Get("reason"); ok {
		accum.Reason, _ = strconv.Atoi(string(raw))
		return
	}

	accum.Rusage = Rusage{
		UserTime:   parseWireTimeval(v, "ru_utime"),
		SystemTime: parseWireTimeval(v, "ru_stime"),
		MinFlt:     parseWireInt(v, "ru_minflt"),
		MajFlt:     parseWireInt(v, "ru_majflt"),
		NSwap:      parseWireInt(v, "ru_nswap"),
		InBlock:    parseWireInt(v, "ru_inblock"),
		OutBlock:   parseWireInt(v, "ru_oublock"),
		NSignals:   parseWireInt(v, "ru_nsignals"),
	}
}

func parseWireInt(v *kvcodec.Vector, key string) int64 {
	raw, ok := v.Get(key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n
}

// parseWireTime parses the "sec.usec" timestamp format pkg/workerproc
// writes for start/stop.
func parseWireTime(s string) time.Time {
	sec, usec := splitSecUsec(s)
	return time.Unix(sec, usec*1000)
}

func parseWireTimeval(v *kvcodec.Vector, key string) time.Duration {
	raw, ok := v.Get(key)
	if !ok {
		return 0
	}
	sec, usec := splitSecUsec(string(raw))
	return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
}

func splitSecUsec(s string) (sec, usec int64) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			sec, _ = strconv.ParseInt(s[:i], 10, 64)
			usec, _ = strconv.ParseInt(s[i+1:], 10, 64)
			return sec, usec
		}
	}
	sec, _ = strconv.ParseInt(s, 10, 64)
	return sec, 0
}

// FreeWorkerMemory tears the pool down: it unregisters and closes every
// worker socket, waits for each worker process to exit, and closes the
// audit log. Named after the reference implementation's
// free_worker_memory, which performs the analogous per-worker cleanup.
func (p *Pool) FreeWorkerMemory() error {
	for _, wp := range p.workers {
		if wp.alive {
			_ = p.broker.Unregister(wp.fd)
			unix.Close(wp.fd)
		}
		if wp.cmd.Process != nil {
			_, _ = wp.cmd.Process.Wait()
		}
	}
	p.workers = nil

	if err := p.broker.Destroy(); err != nil {
		return fmt.Errorf("pool: destroy broker: %w", err)
	}
	return p.auditLog.Close()
}
