// Package tracer is the event loop / driver: it forks the target
// command, installs ptrace on it, and drives the reap-and-continue
// loop that turns kernel tracing events into the four calls the span
// tracker understands (spawn, exec, finish, late-reap).
package tracer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/zbprofiler/zb/internal/cmdtree"
	"github.com/zbprofiler/zb/internal/procstat"
	"github.com/zbprofiler/zb/internal/resourceusage"
	"github.com/zbprofiler/zb/internal/span"
)

const (
	// rootTailWindow is how long the loop keeps reaping after the root
	// has terminated, to collect trailing events from siblings/threads
	// that outlive it briefly.
	rootTailWindow = 200 * time.Millisecond
	// termGrace is how long an external termination signal gets before
	// a second one (or the grace period itself) forces an abort.
	termGrace = 3 * time.Second
)

// Options configures a single trace run.
type Options struct {
	Command []string
	Logger  *zap.Logger
}

// Result is everything the caller (cmd/zb) needs to render the report
// and choose an exit code.
type Result struct {
	Tree        *cmdtree.Tree
	ExitCode    int
	SchedstatOK bool
}

// Driver owns one trace run: the traced root's pid, the span tracker
// it feeds, and the shutdown deadlines.
type Driver struct {
	opts Options
	log  *zap.Logger

	tracker *span.Tracker
	rootPID int

	stopRequested int32 // atomic: set by the termination-signal handler
	stopDeadline  time.Time
}

// New builds a Driver for the given options.
func New(opts Options) *Driver {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{opts: opts, log: log}
}

// Run forks the target command, traces its whole descendant tree to
// completion, and returns the derived command tree plus the exit code
// to propagate.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	// ptrace is per-OS-thread: the thread that calls PTRACE_* on a
	// tracee must be the same thread throughout, so the whole run
	// happens on one locked OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(d.opts.Command[0], d.opts.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		// exec.Cmd detects a failed execve in the child (bad path,
		// permission denied, traceme setup failure, ...) via its own
		// error pipe and returns it synchronously here; the wait4 loop
		// below never runs and never observes a normal Exited event
		// for this pid. Treat it the same as a traced child that ran
		// and exited 2: synthesize that report instead of surfacing
		// an internal failure with nothing rendered.
		d.log.Error("tracer: target exec failed before tracing could attach",
			zap.String("command", d.opts.Command[0]), zap.Error(err))
		return execFailureResult(d.opts.Command, d.logf), nil
	}
	d.rootPID = cmd.Process.Pid
	d.tracker = span.NewTracker(d.rootPID, d.logf)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go d.watchTermination(sigCh)

	if err := d.loop(); err != nil {
		return nil, err
	}

	d.tracker.CompileTree()
	tree := cmdtree.Build(d.tracker.Root())

	return &Result{
		Tree:        tree,
		ExitCode:    d.exitCode(),
		SchedstatOK: d.tracker.SchedstatAvailable(),
	}, nil
}

// execFailureResult builds the single-root, no-descendants report for
// a command that never got to run at all: it reports as one rc=2
// command with zero resource usage, rather than an internal error
// with no report at all.
func execFailureResult(command []string, logf func(string, ...interface{})) *Result {
	tr := span.NewTracker(0, logf)
	// No process ever ran, so there is nothing for the real CPU
	// source to read; force every read to succeed with zero rather
	// than fail and log a spurious error for a pid that never existed.
	tr.SetReadCPU(func(int) (time.Duration, time.Duration, bool) { return 0, 0, true })
	tr.HandleExec(0, command, nil, resourceusage.Usage{})
	tr.FinishThread(0, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 2})
	tr.CompileTree()

	return &Result{
		Tree:        cmdtree.Build(tr.Root()),
		ExitCode:    2,
		SchedstatOK: true,
	}
}

// watchTermination sets the stop-requested flag on the first
// termination signal and arms the 3s external-termination deadline; a
// second signal (or the deadline's own expiry handled in the loop)
// escalates to an unconditional process exit.
func (d *Driver) watchTermination(sigCh <-chan os.Signal) {
	<-sigCh
	// Arm the deadline before publishing the flag, so the loop never
	// sees the flag with a zero deadline and stops at once.
	d.stopDeadline = time.Now().Add(termGrace)
	atomic.StoreInt32(&d.stopRequested, 1)
	d.log.Warn("tracer: termination requested, winding down")

	select {
	case <-sigCh:
		d.log.Error("tracer: second termination signal, aborting")
		os.Exit(2)
	case <-time.After(termGrace):
		d.log.Error("tracer: termination grace period expired, aborting")
		os.Exit(2)
	}
}

// eventKind classifies a reaped wait status into one of the four
// event families the span tracker understands, plus the two terminal
// cases (Exited/Signaled) and the ones it ignores.
type eventKind int

const (
	kindIgnored eventKind = iota
	kindInitialStop
	kindNormalStop
	kindFork
	kindVfork
	kindClone
	kindExec
	kindExitEvent
	kindVforkDone
	kindExited
	kindSignaled
)

// classify maps a reaped wait4 status to an eventKind, which loop()
// then dispatches on with a switch rather than a map[eventKind]func
// table, since every branch here needs to mutate loop-local run state
// (everSeenTrace, rootExited, deadline) that a per-event handler
// function signature would otherwise have to thread through a struct.
// An unrecognized status still falls through to kindIgnored rather
// than panicking.
func classify(ws unix.WaitStatus, everSeenTrace bool) eventKind {
	switch {
	case ws.Exited():
		return kindExited
	case ws.Signaled():
		return kindSignaled
	case ws.Stopped():
		if !everSeenTrace {
			return kindInitialStop
		}
		if ws.StopSignal() != unix.SIGTRAP {
			return kindNormalStop
		}
		switch ws.TrapCause() {
		case unix.PTRACE_EVENT_FORK:
			return kindFork
		case unix.PTRACE_EVENT_VFORK:
			return kindVfork
		case unix.PTRACE_EVENT_CLONE:
			return kindClone
		case unix.PTRACE_EVENT_EXEC:
			return kindExec
		case unix.PTRACE_EVENT_EXIT:
			return kindExitEvent
		case unix.PTRACE_EVENT_VFORK_DONE:
			return kindVforkDone
		default:
			return kindNormalStop
		}
	default:
		return kindIgnored
	}
}

const traceOptions = unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT | unix.PTRACE_O_TRACEVFORKDONE

// loop is the single-threaded reap-and-continue event loop described
// by the tracer core: block in wait4 for any descendant, classify the
// status, mutate the span tree, and continue the stopped thread.
func (d *Driver) loop() error {
	everSeenTrace := false
	rootExited := false
	var deadline time.Time

	for {
		if rootExited && time.Now().After(deadline) {
			return nil
		}
		if atomic.LoadInt32(&d.stopRequested) == 1 && time.Now().After(d.stopDeadline) {
			return nil
		}

		var ws unix.WaitStatus
		var ru unix.Rusage
		wpid, err := unix.Wait4(-1, &ws, unix.WALL, &ru)
		if err == unix.ECHILD {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("tracer: wait4: %w", err)
		}

		usage := rusageToUsage(ru)
		kind := classify(ws, everSeenTrace)

		switch kind {
		case kindInitialStop:
			everSeenTrace = true
			if err := unix.PtraceSetOptions(wpid, traceOptions); err != nil {
				d.log.Error("tracer: PtraceSetOptions failed", zap.Error(err))
			}
			argv, err := procstat.ReadCmdline(wpid)
			if err != nil {
				d.log.Error("tracer: reading root cmdline failed", zap.Error(err))
				argv = d.opts.Command
			}
			d.tracker.HandleExec(wpid, argv, nil, usage)
			d.cont(wpid, 0)

		case kindNormalStop:
			sig := ws.StopSignal()
			if sig == unix.SIGTRAP {
				sig = 0
			}
			d.cont(wpid, int(sig))

		case kindFork, kindVfork:
			newTid, err := unix.PtraceGetEventMsg(wpid)
			if err != nil {
				d.log.Error("tracer: PtraceGetEventMsg (fork) failed", zap.Error(err))
				d.cont(wpid, 0)
				continue
			}
			d.tracker.HandleSpawn(int(newTid), wpid, true)
			d.cont(wpid, 0)

		case kindClone:
			newTid, err := unix.PtraceGetEventMsg(wpid)
			if err != nil {
				d.log.Error("tracer: PtraceGetEventMsg (clone) failed", zap.Error(err))
				d.cont(wpid, 0)
				continue
			}
			d.tracker.HandleSpawn(int(newTid), wpid, false)
			d.cont(wpid, 0)

		case kindExec:
			prevRaw, err := unix.PtraceGetEventMsg(wpid)
			prevTid := wpid
			if err == nil && prevRaw != 0 {
				prevTid = int(prevRaw)
			}
			argv, err := procstat.ReadCmdline(wpid)
			if err != nil {
				d.log.Error("tracer: reading exec cmdline failed", zap.Int("pid", wpid), zap.Error(err))
			}
			d.tracker.HandleExec(wpid, argv, &prevTid, usage)
			d.cont(wpid, 0)

		case kindExitEvent:
			statusWord, err := unix.PtraceGetEventMsg(wpid)
			code := 0
			if err == nil {
				code = int(statusWord>>8) & 0xff
			}
			// The thread is still alive (stopped, pending its real exit) at
			// this event, so /proc/<pid>/task/<tid>/io is still readable;
			// after the eventual reap under kindExited it no longer is.
			if io, err := procstat.ReadThreadIO(d.rootPID, wpid); err == nil {
				usage.ReadIOPs = io.ReadOps
				usage.WriteIOPs = io.WriteOps
			}
			d.tracker.FinishThread(wpid, usage, span.EndReason{Kind: span.ExitCode, Code: code})
			d.cont(wpid, 0)

		case kindVforkDone:
			d.log.Debug("tracer: vfork-done", zap.Int("pid", wpid))
			d.cont(wpid, 0)

		case kindExited:
			code := ws.ExitStatus()
			d.tracker.FinishThread(wpid, usage, span.EndReason{Kind: span.LateExitCode, Code: code})
			if wpid == d.rootPID {
				rootExited = true
				deadline = time.Now().Add(rootTailWindow)
			}

		case kindSignaled:
			sig := int(ws.Signal())
			d.tracker.FinishThread(wpid, usage, span.EndReason{Kind: span.Signal, Code: sig})
			if wpid == d.rootPID {
				rootExited = true
				deadline = time.Now().Add(rootTailWindow)
			}

		case kindIgnored:
			d.log.Debug("tracer: ignored wait status", zap.Int("pid", wpid))
		}
	}
}

func (d *Driver) cont(pid, signal int) {
	if err := unix.PtraceCont(pid, signal); err != nil && err != unix.ESRCH {
		d.log.Error("tracer: PtraceCont failed", zap.Int("pid", pid), zap.Error(err))
	}
}

func (d *Driver) logf(format string, args ...interface{}) {
	d.log.Sugar().Debugf(format, args...)
}

// exitCode is the traced command's exit code when known, 2 for a
// signal-terminated root, 1 for an internal failure (returned as an
// error from Run instead, so callers map that separately).
func (d *Driver) exitCode() int {
	root := d.tracker.Root()
	if root == nil {
		return 2
	}
	switch root.EndReason.Kind {
	case span.ExitCode, span.LateExitCode:
		return root.EndReason.Code
	case span.Signal:
		return 2
	default:
		return 2
	}
}

func rusageToUsage(ru unix.Rusage) resourceusage.Usage {
	return resourceusage.Usage{
		MaxRSSKB:    ru.Maxrss,
		UserCPU:     timevalToDuration(ru.Utime),
		KernelCPU:   timevalToDuration(ru.Stime),
		ReadIOPs:    0, // filled in from procstat.ReadThreadIO where the thread is still alive to read
		WriteIOPs:   0,
		MajorFaults: ru.Majflt,
		Threads:     1,
	}
}

func timevalToDuration(tv unix.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}
