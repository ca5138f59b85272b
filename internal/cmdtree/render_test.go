package cmdtree

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbprofiler/zb/internal/redact"
	"github.com/zbprofiler/zb/internal/resourceusage"
	"github.com/zbprofiler/zb/internal/ruleset"
	"github.com/zbprofiler/zb/internal/span"
)

func TestRender_SingleCommand_PrintsTreeAndSummary(t *testing.T) {
	tr := span.NewTracker(1, nil)
	tr.HandleExec(1, []string{"/bin/true"}, nil, resourceusage.Usage{})
	tr.FinishThread(1, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 0})
	tr.CompileTree()

	tree := Build(tr.Root())

	var buf bytes.Buffer
	tree.Render(&buf, &ReportOptions{Ruleset: ruleset.Default(), Redact: nil})

	out := buf.String()
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "/bin/true")
	assert.Contains(t, out, "[rc=0]")
	assert.Contains(t, out, "true: 1 commands")
	assert.Contains(t, out, "Exited 0")
}

func TestRender_DropRuleHidesLineButKeepsGroupAccounting(t *testing.T) {
	tr := span.NewTracker(1, nil)
	tr.HandleExec(1, []string{"/bin/sh", "-c", "true"}, nil, resourceusage.Usage{})
	tr.HandleSpawn(2, 1, true)
	tr.HandleExec(2, []string{"/bin/true"}, intp(2), resourceusage.Usage{})
	tr.FinishThread(2, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 0})
	tr.FinishThread(1, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 0})
	tr.CompileTree()

	tree := Build(tr.Root())

	rs, err := ruleset.Load(writeRulesFile(t, `
commands:
  /bin/true: "dl:drop"
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	tree.Render(&buf, &ReportOptions{Ruleset: rs})

	out := buf.String()
	assert.NotContains(t, out, "/bin/true")
	assert.Contains(t, out, "sh")

	trueGroup, ok := tree.Groups["/bin/true"]
	require.True(t, ok)
	assert.Equal(t, 1, trueGroup.NumExecs)
}

func TestRender_RedactsConfiguredArgvPositions(t *testing.T) {
	tr := span.NewTracker(1, nil)
	tr.HandleExec(1, []string{"mysql", "-u", "root", "-psecret"}, nil, resourceusage.Usage{})
	tr.FinishThread(1, resourceusage.Usage{}, span.EndReason{Kind: span.ExitCode, Code: 0})
	tr.CompileTree()

	tree := Build(tr.Root())

	rd, err := redact.Load(writeRedactFile(t, `
rules:
  - command: "mysql"
    positions: [3]
`))
	require.NoError(t, err)

	var buf bytes.Buffer
	tree.Render(&buf, &ReportOptions{Ruleset: ruleset.Default(), Redact: rd})

	out := buf.String()
	assert.Contains(t, out, "***")
	assert.NotContains(t, out, "secret")
}

func writeRulesFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644))
	return path
}

func writeRedactFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redact.yml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644))
	return path
}
