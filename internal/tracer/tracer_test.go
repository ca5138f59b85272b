package tracer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/zbprofiler/zb/internal/resourceusage"
	"github.com/zbprofiler/zb/internal/span"
)

// The helpers below hand-construct raw wait(2) status words using the
// documented kernel encoding (WIFEXITED/WIFSIGNALED/WIFSTOPPED and the
// PTRACE_EVENT extension in the status's third byte), since there is
// no live tracee to reap for these unit tests.

func exitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

func signaledStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(int(sig))
}

func stoppedStatus(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (int(sig) << 8))
}

func ptraceEventStatus(event int) unix.WaitStatus {
	return unix.WaitStatus(0x7f | (int(unix.SIGTRAP) << 8) | (event << 16))
}

func TestClassify_Exited(t *testing.T) {
	assert.Equal(t, kindExited, classify(exitedStatus(0), true))
}

func TestClassify_Signaled(t *testing.T) {
	assert.Equal(t, kindSignaled, classify(signaledStatus(unix.SIGTERM), true))
}

func TestClassify_InitialStopBeforeAnyTraceSeen(t *testing.T) {
	assert.Equal(t, kindInitialStop, classify(stoppedStatus(unix.SIGTRAP), false))
}

func TestClassify_NormalStopForwardsRealSignal(t *testing.T) {
	assert.Equal(t, kindNormalStop, classify(stoppedStatus(unix.SIGCHLD), true))
}

func TestClassify_PtraceEvents(t *testing.T) {
	cases := []struct {
		event int
		want  eventKind
	}{
		{unix.PTRACE_EVENT_FORK, kindFork},
		{unix.PTRACE_EVENT_VFORK, kindVfork},
		{unix.PTRACE_EVENT_CLONE, kindClone},
		{unix.PTRACE_EVENT_EXEC, kindExec},
		{unix.PTRACE_EVENT_EXIT, kindExitEvent},
		{unix.PTRACE_EVENT_VFORK_DONE, kindVforkDone},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classify(ptraceEventStatus(c.event), true))
	}
}

func TestClassify_UnrecognizedWaitStatus_Ignored(t *testing.T) {
	// Neither exited, signaled, nor stopped: classify must not panic and
	// must fall back to kindIgnored rather than crash the loop, mirroring
	// the "unrecognized event, log and ignore" protocol-violation policy.
	assert.Equal(t, kindIgnored, classify(unix.WaitStatus(0xff), true))
}

func TestExitCode_PropagatesRootExitCode(t *testing.T) {
	d := driverWithRootEndReason(t, span.EndReason{Kind: span.ExitCode, Code: 7})
	assert.Equal(t, 7, d.exitCode())
}

func TestExitCode_LateExitCodeAlsoPropagates(t *testing.T) {
	d := driverWithRootEndReason(t, span.EndReason{Kind: span.LateExitCode, Code: 3})
	assert.Equal(t, 3, d.exitCode())
}

func TestExitCode_SignaledRootYieldsTwo(t *testing.T) {
	d := driverWithRootEndReason(t, span.EndReason{Kind: span.Signal, Code: 15})
	assert.Equal(t, 2, d.exitCode())
}

// execFailureResult is what Run synthesizes when cmd.Start() itself fails
// (the target's execve never got as far as a traceable process): a single
// root command reporting rc=2 with no descendants and no resource usage,
// rather than a bare error with no report at all.
func TestExecFailureResult_SingleRootExitCodeTwoNoDescendants(t *testing.T) {
	res := execFailureResult([]string{"/no/such/binary", "-x"}, nil)

	assert.Equal(t, 2, res.ExitCode)
	require.NotNil(t, res.Tree)
	assert.Empty(t, res.Tree.Root.Children)
	assert.Equal(t, span.ExitCode, res.Tree.Root.EndReason().Kind)
	assert.Equal(t, 2, res.Tree.Root.EndReason().Code)
	assert.Equal(t, []string{"/no/such/binary", "-x"}, res.Tree.Root.Argv())
	assert.Equal(t, time.Duration(0), res.Tree.Root.SelfUsage().CPU())
}

func driverWithRootEndReason(t *testing.T, reason span.EndReason) *Driver {
	t.Helper()
	tr := span.NewTracker(1, nil)
	tr.HandleExec(1, []string{"/bin/true"}, nil, resourceusage.Usage{})
	tr.FinishThread(1, resourceusage.Usage{}, reason)

	d := New(Options{Command: []string{"/bin/true"}})
	d.tracker = tr
	return d
}
