// Package span owns the thread-level span tree: the in-memory model
// that distinguishes threads, forked processes, and exec transitions,
// and attributes kernel-reported resource usage to the right node as
// events arrive — including out of their natural order.
package span

import (
	"fmt"
	"time"

	"github.com/zbprofiler/zb/internal/procstat"
	"github.com/zbprofiler/zb/internal/resourceusage"
)

// InitKind records how a span came to exist.
type InitKind int

const (
	// Unknown is the transient state before a span's defining event
	// has been observed — absorbs out-of-order spawn/exec delivery.
	Unknown InitKind = iota
	// Forked means a new address space was created (fork/vfork).
	Forked
	// Thread means the address space is shared with its parent (clone).
	Thread
	// Exec means the thread replaced its image; Argv names the new command.
	Exec
)

func (k InitKind) String() string {
	switch k {
	case Forked:
		return "forked"
	case Thread:
		return "thread"
	case Exec:
		return "exec"
	default:
		return "unknown"
	}
}

// EndReason records why a span stopped being active.
type EndReason struct {
	Kind EndReasonKind
	// Code holds the exit code for ExitCode/LateExitCode, the signal
	// number for Signal. Unused for Exec/None.
	Code int
}

type EndReasonKind int

const (
	NoEndReason EndReasonKind = iota
	ExitCode
	LateExitCode
	Signal
	ExecEnded
)

// isSignal reports whether this reason is the "strongest" kind, used
// by the status-upgrade law in finish_thread.
func (r EndReason) isSignal() bool { return r.Kind == Signal }

// Span is one node per observed thread id — possibly several in
// sequence for the same tid across an exec chain, each a distinct node.
type Span struct {
	Ordinal int
	Tid     int
	Init    InitKind
	Argv    []string // valid when Init == Exec

	Parent   *Span
	Children []*Span

	StartTime time.Time
	EndTime   time.Time

	// Usage is this span's SELF usage: net of whatever it inherited
	// from a predecessor exec. Until finalized it holds that inherited
	// usage (zero for a span with no predecessor exec).
	Usage resourceusage.Usage
	// TreeUsage is computed once at compile_tree time: usage
	// aggregated over this span and its descendants.
	TreeUsage resourceusage.Usage

	EndReason EndReason

	finalized bool
}

func (s *Span) String() string {
	return fmt.Sprintf("tid=%d init=%s ordinal=%d", s.Tid, s.Init, s.Ordinal)
}

// Tracker owns the live span map and drives the four mutating
// operations the event loop calls: new event kinds are new methods
// the driver calls directly rather than a type-switch buried in here,
// since there are exactly four kinds and they rarely change.
type Tracker struct {
	active  map[int]*Span
	root    *Span
	ordinal int

	rootPID int

	// CPU source, decided once at startup and never switched mid-run.
	schedstatAvailable bool
	clockTicksPerSec   int64

	// readCPU resolves a thread id's current cumulative CPU time using
	// whichever source was selected at startup. Overridable so tests
	// don't depend on the contents of the host's /proc.
	readCPU func(tid int) (user, kernel time.Duration, ok bool)

	now func() time.Time

	logf func(format string, args ...interface{})
}

// NewTracker builds a Tracker for a tree rooted at rootPID, probing
// once whether schedstat accounting is available for that pid.
func NewTracker(rootPID int, logf func(string, ...interface{})) *Tracker {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	schedstatOK := procstat.SchedstatAvailable(rootPID, rootPID)
	ticks := procstat.ClockTicksPerSec()

	t := &Tracker{
		active:             make(map[int]*Span),
		rootPID:            rootPID,
		schedstatAvailable: schedstatOK,
		clockTicksPerSec:   ticks,
		now:                time.Now,
		logf:               logf,
	}
	t.readCPU = t.defaultReadCPU
	return t
}

// defaultReadCPU is the production CPU-source implementation, reading
// whichever of schedstat or /proc/<pid>/task/<tid>/stat was selected
// as available at startup.
func (t *Tracker) defaultReadCPU(tid int) (user, kernel time.Duration, ok bool) {
	if t.schedstatAvailable {
		cpu, err := procstat.ReadSchedstat(t.rootPID, tid)
		if err != nil {
			return 0, 0, false
		}
		// schedstat reports total on-CPU time undivided between
		// user/kernel; attribute it all to user so CPU() totals
		// remain correct even though the user/kernel split is lost.
		return cpu, 0, true
	}

	st, err := procstat.ReadThreadStat(t.rootPID, tid)
	if err != nil {
		return 0, 0, false
	}
	user, kernel = st.CPU(t.clockTicksPerSec)
	return user, kernel, true
}

// SchedstatAvailable reports whether the nanosecond-precision CPU
// source was available at startup, so the driver can print a
// degraded-precision warning.
func (t *Tracker) SchedstatAvailable() bool { return t.schedstatAvailable }

// Root returns the root span, valid only after the initial handle_exec.
func (t *Tracker) Root() *Span { return t.root }

// SetReadCPU overrides the CPU source chosen at startup. Exposed for
// callers synthesizing a span tree for a process that never actually
// ran (e.g. a target whose execve failed before tracing could attach),
// where the real /proc-backed source has nothing to read.
func (t *Tracker) SetReadCPU(readCPU func(tid int) (user, kernel time.Duration, ok bool)) {
	t.readCPU = readCPU
}

func (t *Tracker) nextOrdinal() int {
	t.ordinal++
	return t.ordinal
}

// ensure returns the active span for tid, creating an Unknown
// placeholder if this is the first time tid has been observed at all.
// This absorbs races where a spawn or exec event names a tid the
// tracker has not seen from either side yet.
func (t *Tracker) ensure(tid int) *Span {
	if s, ok := t.active[tid]; ok {
		return s
	}
	s := &Span{
		Ordinal:   t.nextOrdinal(),
		Tid:       tid,
		Init:      Unknown,
		StartTime: t.now(),
	}
	t.active[tid] = s
	return s
}

// HandleSpawn processes a fork/vfork/clone event.
func (t *Tracker) HandleSpawn(newTid, parentTid int, isFork bool) {
	parent := t.ensure(parentTid)
	child := t.ensure(newTid)

	kind := Thread
	if isFork {
		kind = Forked
	}

	t.bindToParent(child, parent, kind)
}

// bindToParent attaches the HEAD of child's parent chain to parent and
// stamps that head's init kind. In the ordinary case child has no
// parent yet and is its own head. But when child's exec event was
// delivered before this spawn event, `child` (looked up by tid) is
// already the NEW post-exec span, whose Parent points at the pre-exec
// placeholder HandleExec created for it — that placeholder, not
// child, is the node this spawn event is actually describing, so the
// walk up the chain finds it and stamps it instead. This is the
// out-of-order exec-before-spawn invariant from the original tracker.
func (t *Tracker) bindToParent(child, parent *Span, kind InitKind) {
	head := child
	for head.Parent != nil {
		if head.Init != Exec {
			// Only an exec span should already carry a parent before
			// its own spawn event has been processed.
			t.logf("span: unexpected pre-existing non-exec parent for %s", head)
		}
		head = head.Parent
	}

	if head.Init == Unknown {
		head.Init = kind
	}
	head.Parent = parent
	parent.Children = append(parent.Children, head)
}

// HandleExec processes PTRACE_EVENT_EXEC and the initial attach of the
// root process (prevTid == nil for the root case).
func (t *Tracker) HandleExec(tid int, argv []string, prevTid *int, end resourceusage.Usage) {
	var parent *Span
	var inherited resourceusage.Usage

	if prevTid != nil {
		prev, ok := t.active[*prevTid]
		if !ok {
			prev = t.ensure(*prevTid)
		}
		t.finalizeSpan(prev, end, EndReason{Kind: ExecEnded})
		delete(t.active, *prevTid)
		parent = prev
		inherited = prev.Usage
	}

	s := &Span{
		Ordinal:   t.nextOrdinal(),
		Tid:       tid,
		Init:      Exec,
		Argv:      append([]string(nil), argv...),
		Parent:    parent,
		StartTime: t.now(),
		Usage:     inherited,
	}
	if parent != nil {
		parent.Children = append(parent.Children, s)
	}
	t.active[tid] = s

	if prevTid == nil {
		if t.root != nil {
			t.logf("span: fatal: second root exec observed for tid %d", tid)
			panic(fmt.Sprintf("span: root already established, cannot re-root at tid %d", tid))
		}
		t.root = s
	}
}

// FinishThread processes PTRACE_EVENT_EXIT (authoritative, tid
// still in the active map) and the later Exited/Signaled late-reap
// (also authoritative, delivers final cumulative rusage).
func (t *Tracker) FinishThread(tid int, end resourceusage.Usage, reason EndReason) {
	s, ok := t.active[tid]
	if !ok {
		s = t.ensure(tid)
		t.active[tid] = s
	}
	t.finalizeSpan(s, end, reason)
}

func (t *Tracker) finalizeSpan(s *Span, end resourceusage.Usage, reason EndReason) {
	s.EndTime = t.now()

	if !s.finalized {
		cpuEnd := t.readThreadCPU(s.Tid, end, isLateReap(reason.Kind))
		s.Usage = cpuEnd.Sub(s.Usage)
		s.EndReason = reason
		s.finalized = true
		return
	}

	// Subsequent finalizations: only an upgrade from non-Signal to
	// Signal is allowed; never overwrite usage once computed.
	if reason.isSignal() && !s.EndReason.isSignal() {
		s.EndReason = reason
	}
}

// isLateReap reports whether reason is the post-mortem reap
// (LateExitCode/Signal, delivered after the kernel has already
// reclaimed the thread) as opposed to the still-alive
// PTRACE_EVENT_EXIT stop (plain ExitCode) — the window where a missing
// /proc entry is expected rather than an error worth logging.
func isLateReap(kind EndReasonKind) bool {
	return kind == LateExitCode || kind == Signal
}

// readThreadCPU fills in CPU usage from whichever source was selected
// at startup, overriding whatever the rusage-derived `end` value
// provided for those two fields (rusage is reported per-process, not
// per-thread). A read failure substitutes zero rather than leaving the
// stale rusage-derived value in place, and is logged unless lateReap
// is set, where a missing /proc entry is the expected case, not an
// error.
func (t *Tracker) readThreadCPU(tid int, end resourceusage.Usage, lateReap bool) resourceusage.Usage {
	out := end
	if user, kernel, ok := t.readCPU(tid); ok {
		out.UserCPU = user
		out.KernelCPU = kernel
		return out
	}
	out.UserCPU = 0
	out.KernelCPU = 0
	if !lateReap {
		t.logf("span: tid %d: CPU source read failed, substituting zero", tid)
	}
	return out
}

// CompileTree recursively derives TreeUsage bottom-up, and folds the
// self-usage of any non-exec descendant up into the command-bearing
// ancestor's own Usage, so a command's "self" cost subsumes its
// internal threads and non-exec forks.
func (t *Tracker) CompileTree() {
	if t.root != nil {
		t.compile(t.root)
	}
}

func (t *Tracker) compile(s *Span) {
	s.TreeUsage = s.Usage
	s.TreeUsage.Threads = 1

	for _, c := range s.Children {
		t.compile(c)

		// Only the max-like/per-thread fields are rolled up here: the
		// kernel's rusage-at-reap already reports read/write iops and
		// major faults as cumulative subtree totals, so summing them
		// again here would double count. See resourceusage's
		// AddSelfMetrics/AddAll split.
		s.TreeUsage = s.TreeUsage.AddSelfMetrics(c.TreeUsage)

		if c.Init != Exec {
			s.Usage = s.Usage.AddSelfMetrics(c.Usage)
		}

		if c.EndTime.After(s.EndTime) {
			s.EndTime = c.EndTime
		}
	}
}
