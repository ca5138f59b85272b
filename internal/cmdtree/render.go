package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/zbprofiler/zb/internal/cgroupmem"
	"github.com/zbprofiler/zb/internal/redact"
	"github.com/zbprofiler/zb/internal/ruleset"
	"github.com/zbprofiler/zb/internal/span"
)

// ReportOptions carries the settings resolved once by the driver at
// startup and threaded down into Render, rather than re-parsing per
// command.
type ReportOptions struct {
	Ruleset *ruleset.Settings
	Redact  *redact.Settings
	Ceiling cgroupmem.Ceiling

	// RootArgv0 names the root command for the summary line; argv[0]
	// of the root CommandSpan is used when empty.
	RootArgv0 string
}

const (
	ttyArgvWidth = 100
	minGroupSize = 3
)

var (
	red       = color.New(color.FgRed)
	brightRed = color.New(color.FgHiRed)
)

// Render writes the full report: the DFS pre-order command tree, the
// optional group-by-command block, and the final summary line.
func (t *Tree) Render(w io.Writer, opts *ReportOptions) {
	if opts == nil {
		opts = &ReportOptions{}
	}

	tty := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	noColor := color.NoColor || !tty

	t.renderNode(w, t.Root, "", "", 1, opts, noColor, tty)
	t.renderGroups(w, opts, noColor)
	t.renderSummary(w, opts, noColor)
}

// renderNode prints c's own line (unless the ruleset drops it), then
// recurses into its children. linePrefix is the box-drawing prefix for
// c's own line; childPrefix is what each child continues from — "│ "
// under a non-last sibling, "  " under a last one.
func (t *Tree) renderNode(w io.Writer, c *CommandSpan, linePrefix, childPrefix string, depth int, opts *ReportOptions, noColor, tty bool) {
	dl := opts.Ruleset.Resolve(c.NormalizedName)
	if dl != ruleset.DetailDrop {
		fmt.Fprintln(w, t.formatLine(c, linePrefix, depth, opts, noColor, tty))
	}

	for i, child := range c.Children {
		last := i == len(c.Children)-1
		connector := "├─"
		nextChild := childPrefix + "│ "
		if last {
			connector = "└─"
			nextChild = childPrefix + "  "
		}
		t.renderNode(w, child, childPrefix+connector, nextChild, depth+1, opts, noColor, tty)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (t *Tree) formatLine(c *CommandSpan, prefix string, depth int, opts *ReportOptions, noColor, tty bool) string {
	self := c.SelfUsage()
	tree := c.TreeUsage()
	elapsed := c.Elapsed

	selfCPUPct := pctOf(self.CPU(), elapsed)
	treeCPUPct := pctOf(tree.CPU(), elapsed)

	argv := opts.Redact.Apply(c.NormalizedName, c.Argv())
	argvStr := strings.Join(argv, " ")
	if tty && len(argvStr) > ttyArgvWidth {
		argvStr = argvStr[:ttyArgvWidth]
	}

	status := formatStatus(c.EndReason(), noColor)

	treePad := strings.Repeat("  ", maxInt(t.Depth-depth, 0))

	return fmt.Sprintf("%s#%d  %s  %ss  %d %%cpu  (tree: %d %%cpu)  %d MB  %s iops  %d PF  %d threads  %s  %s%s",
		prefix,
		c.Ordinal,
		formatOffset(c.StartOffset),
		formatSeconds(elapsed),
		selfCPUPct,
		treeCPUPct,
		tree.MaxRSSKB/1024,
		tree.FormatIOPs(),
		tree.MajorFaults,
		tree.Threads,
		status,
		argvStr,
		treePad,
	)
}

func pctOf(cpu, wall time.Duration) int {
	if wall <= 0 {
		return 0
	}
	return int(100 * cpu / wall)
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// formatOffset renders a duration as "[DDDd ]HH:MM:SS.mmm", with the
// day field only present when nonzero.
func formatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	millis := d / time.Millisecond

	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d.%03d", days, hours, minutes, seconds, millis)
	}
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}

func formatStatus(er span.EndReason, noColor bool) string {
	switch er.Kind {
	case span.ExitCode, span.LateExitCode:
		s := fmt.Sprintf("[rc=%d]", er.Code)
		if er.Code == 0 || noColor {
			return s
		}
		return brightRed.Sprint(s)
	case span.Signal:
		s := fmt.Sprintf("[killed by %d]", er.Code)
		if noColor {
			return s
		}
		return red.Sprint(s)
	case span.ExecEnded:
		return "[exec]"
	default:
		return "[running]"
	}
}

// renderGroups prints the "Group by command" block when at least one
// group accumulated minGroupSize or more execs, sorted ascending by
// total self CPU (most cpu-intensive last).
func (t *Tree) renderGroups(w io.Writer, opts *ReportOptions, noColor bool) {
	var groups []*Group
	for _, g := range t.Groups {
		if g.NumExecs >= minGroupSize {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].SumSelf.CPU() < groups[j].SumSelf.CPU()
	})

	fmt.Fprintln(w, "\nGroup by command (most cpu-intensive last)")

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"self cpu", "%cpu", "tree %cpu", "avg MB", "max MB", "iops", "execs", "name"})
	table.SetAutoFormatHeaders(false)

	for _, g := range groups {
		avgMB := int64(0)
		if g.NumExecs > 0 {
			avgMB = g.SumMaxRSS / int64(g.NumExecs) / 1024
		}
		table.Append([]string{
			g.SumSelf.CPU().String(),
			fmt.Sprintf("%d", pctOf(g.SumSelf.CPU(), g.SumElapsed)),
			fmt.Sprintf("%d", pctOf(g.SumTree.CPU(), g.SumElapsed)),
			fmt.Sprintf("%d", avgMB),
			fmt.Sprintf("%d", g.MaxRSS/1024),
			g.SumSelf.FormatIOPs(),
			fmt.Sprintf("%d", g.NumExecs),
			g.Name,
		})
	}
	table.Render()
}

func (t *Tree) renderSummary(w io.Writer, opts *ReportOptions, noColor bool) {
	root := t.Root
	name := opts.RootArgv0
	if name == "" && len(root.Argv()) > 0 {
		name = root.Argv()[0]
	}

	outcome := formatOutcome(root.EndReason(), noColor)

	line := fmt.Sprintf("%s: %d commands %ss %d %%cpu %s iops %d PF  %s",
		name,
		t.commandCount(),
		formatSeconds(root.Elapsed),
		pctOf(root.TreeUsage().CPU(), root.Elapsed),
		root.TreeUsage().FormatIOPs(),
		root.TreeUsage().MajorFaults,
		outcome,
	)

	if pct, ok := opts.Ceiling.PercentOf(root.TreeUsage().MaxRSSKB); ok && pct >= 50 {
		line += fmt.Sprintf(" (%d%% of cgroup limit)", pct)
	}

	fmt.Fprintln(w, line)
}

func formatOutcome(er span.EndReason, noColor bool) string {
	switch er.Kind {
	case span.ExitCode, span.LateExitCode:
		if er.Code == 0 {
			return "Exited 0"
		}
		s := fmt.Sprintf("Exited %d", er.Code)
		if noColor {
			return s
		}
		return brightRed.Sprint(s)
	case span.Signal:
		s := fmt.Sprintf("Killed by %d", er.Code)
		if noColor {
			return s
		}
		return red.Sprint(s)
	default:
		return "Still running"
	}
}

func (t *Tree) commandCount() int {
	n := 0
	var walk func(*CommandSpan)
	walk = func(c *CommandSpan) {
		n++
		for _, ch := range c.Children {
			walk(ch)
		}
	}
	walk(t.Root)
	return n
}

// SchedstatWarning is the stderr message emitted once at startup when
// nanosecond-precision CPU accounting was unavailable, matching the
// spec's fixed wording.
const SchedstatWarning = "** schedstats are not enabled in the kernel, CPU measurements may be skewed"

// WarnIfNoSchedstat writes SchedstatWarning to w when available is false.
func WarnIfNoSchedstat(w io.Writer, available bool) {
	if !available {
		fmt.Fprintln(w, SchedstatWarning)
	}
}
