package cmdtree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbprofiler/zb/internal/resourceusage"
	"github.com/zbprofiler/zb/internal/span"
)

func TestNormalizeName_PlainCommand(t *testing.T) {
	assert.Equal(t, "/bin/true", NormalizeName([]string{"/bin/true"}))
}

func TestNormalizeName_ShCDashC_CollapsesToShellName(t *testing.T) {
	assert.Equal(t, "sh", NormalizeName([]string{"/bin/sh", "-c", "sleep 0.05"}))
	assert.Equal(t, "bash", NormalizeName([]string{"bash", "-c", "echo hi"}))
}

func TestNormalizeName_EnvConsumesDashCPath(t *testing.T) {
	assert.Equal(t, "env make", NormalizeName([]string{"env", "-C", "/tmp", "make", "-j4"}))
}

func TestNormalizeName_PythonWildcard(t *testing.T) {
	assert.Equal(t, "python3 setup.py", NormalizeName([]string{"python3", "-u", "setup.py"}))
}

func TestNormalizeName_EmptyArgv(t *testing.T) {
	assert.Equal(t, "?", NormalizeName(nil))
}

// buildFinalizedTree constructs a three-node span tree (root exec,
// forked non-exec child, and a nested exec child) and compiles it,
// mirroring the shape the event loop would have produced for
// `parent-forks-then-execs-true`.
func buildFinalizedTree(t *testing.T) *span.Span {
	t.Helper()
	tr := span.NewTracker(1, nil)
	tr.HandleExec(1, []string{"/bin/sh", "-c", "true"}, nil, resourceusage.Usage{})
	tr.HandleSpawn(2, 1, true)
	tr.HandleExec(2, []string{"/bin/true"}, intp(2), resourceusage.Usage{})
	tr.FinishThread(2, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 0})
	tr.FinishThread(1, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 0})
	tr.CompileTree()
	require.NotNil(t, tr.Root())
	return tr.Root()
}

func TestBuild_OrdinalsContiguousPreOrder(t *testing.T) {
	root := buildFinalizedTree(t)
	tree := Build(root)

	assert.Equal(t, 1, tree.Root.Ordinal)
	require.Len(t, tree.Root.Children, 1)
	assert.Equal(t, 2, tree.Root.Children[0].Ordinal)
	assert.Equal(t, 2, tree.Depth)
}

func TestBuild_GroupsAccumulateAcrossCommandSpans(t *testing.T) {
	root := buildFinalizedTree(t)
	tree := Build(root)

	shGroup, ok := tree.Groups["sh"]
	require.True(t, ok)
	assert.Equal(t, 1, shGroup.NumExecs)

	trueGroup, ok := tree.Groups["/bin/true"]
	require.True(t, ok)
	assert.Equal(t, 1, trueGroup.NumExecs)
}

// TestBuild_GroupPercentUsesGroupOwnElapsed_NotRootElapsed guards against
// computing a group's %cpu against the root's overall elapsed time: each
// group must accumulate its own elapsed time, so a short-lived command run
// repeatedly under a long-lived root still reports its true %cpu.
func TestBuild_GroupPercentUsesGroupOwnElapsed_NotRootElapsed(t *testing.T) {
	rootStart := time.Now()

	root := &span.Span{
		Ordinal:   1,
		Tid:       1,
		Init:      span.Exec,
		Argv:      []string{"/bin/sh", "-c", "x"},
		StartTime: rootStart,
		EndTime:   rootStart.Add(10 * time.Second),
		EndReason: span.EndReason{Kind: span.ExitCode, Code: 0},
	}

	for i := 0; i < 3; i++ {
		child := &span.Span{
			Ordinal:   2 + i,
			Tid:       2 + i,
			Init:      span.Exec,
			Argv:      []string{"/bin/true"},
			Parent:    root,
			StartTime: rootStart,
			EndTime:   rootStart.Add(100 * time.Millisecond),
			Usage:     resourceusage.Usage{UserCPU: 90 * time.Millisecond, Threads: 1},
			EndReason: span.EndReason{Kind: span.ExitCode, Code: 0},
		}
		child.TreeUsage = child.Usage
		root.Children = append(root.Children, child)
	}

	tree := Build(root)

	g, ok := tree.Groups["/bin/true"]
	require.True(t, ok)
	assert.Equal(t, 3, g.NumExecs)
	assert.Equal(t, 300*time.Millisecond, g.SumElapsed, "group must accumulate its own members' elapsed time")
	assert.Equal(t, 270*time.Millisecond, g.SumSelf.CPU())

	// Against the group's own 300ms, not the root's 10s, this is 90%;
	// dividing by the root's elapsed time would give only 2.
	assert.Equal(t, 90, pctOf(g.SumSelf.CPU(), g.SumElapsed))
}

func intp(v int) *int { return &v }
