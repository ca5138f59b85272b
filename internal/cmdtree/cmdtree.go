// Package cmdtree derives the per-command report from a finalized
// thread span tree: folding threads into commands, normalizing
// command names for grouping, and rendering the tree, the group-by
// block and the summary line.
package cmdtree

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/zbprofiler/zb/internal/resourceusage"
	"github.com/zbprofiler/zb/internal/span"
)

// CommandSpan is a post-processing node corresponding to one Exec
// ThreadSpan: its own argv/metrics plus the CommandSpans found by
// descending through non-Exec descendants to the next Exec.
type CommandSpan struct {
	Ordinal  int
	Lead     *span.Span
	Children []*CommandSpan

	StartOffset time.Duration // from the root span's start
	Elapsed     time.Duration

	NormalizedName string
}

func (c *CommandSpan) Argv() []string { return c.Lead.Argv }
func (c *CommandSpan) SelfUsage() resourceusage.Usage { return c.Lead.Usage }
func (c *CommandSpan) TreeUsage() resourceusage.Usage { return c.Lead.TreeUsage }
func (c *CommandSpan) EndReason() span.EndReason      { return c.Lead.EndReason }

// Tree is the full derived command tree plus group aggregation.
type Tree struct {
	Root   *CommandSpan
	Groups map[string]*Group
	// Depth is the longest command chain, root counted as depth 1.
	Depth int

	rootStart time.Time
	ordinal   int
}

// Group accumulates metrics across every CommandSpan sharing a
// normalized name.
type Group struct {
	Name       string
	NumExecs   int
	SumSelf    resourceusage.Usage
	SumTree    resourceusage.Usage
	SumElapsed time.Duration
	SumMaxRSS  int64
	MaxRSS     int64
}

// Build derives a Tree from a finalized tracker's root span. The
// tracker must already have had CompileTree called on it.
func Build(root *span.Span) *Tree {
	t := &Tree{
		Groups:    make(map[string]*Group),
		rootStart: root.StartTime,
	}
	t.Root = t.buildCommand(root)
	t.Depth = depthOf(t.Root)
	return t
}

func depthOf(c *CommandSpan) int {
	max := 0
	for _, ch := range c.Children {
		if d := depthOf(ch); d > max {
			max = d
		}
	}
	return max + 1
}

func (t *Tree) nextOrdinal() int {
	t.ordinal++
	return t.ordinal
}

// buildCommand builds one CommandSpan from an Exec ThreadSpan, then
// recurses to find the next Exec nodes through any number of
// intervening non-Exec descendants.
func (t *Tree) buildCommand(lead *span.Span) *CommandSpan {
	c := &CommandSpan{
		Ordinal:        t.nextOrdinal(),
		Lead:           lead,
		StartOffset:    lead.StartTime.Sub(t.rootStart),
		Elapsed:        lead.EndTime.Sub(lead.StartTime),
		NormalizedName: NormalizeName(lead.Argv),
	}

	var execChildren []*span.Span
	t.collectExecDescendants(lead, &execChildren)
	for _, e := range execChildren {
		c.Children = append(c.Children, t.buildCommand(e))
	}

	g, ok := t.Groups[c.NormalizedName]
	if !ok {
		g = &Group{Name: c.NormalizedName}
		t.Groups[c.NormalizedName] = g
	}
	g.NumExecs++
	g.SumSelf = g.SumSelf.AddAll(c.SelfUsage())
	g.SumTree = g.SumTree.AddAll(c.TreeUsage())
	g.SumElapsed += c.Elapsed
	g.SumMaxRSS += c.SelfUsage().MaxRSSKB
	if c.SelfUsage().MaxRSSKB > g.MaxRSS {
		g.MaxRSS = c.SelfUsage().MaxRSSKB
	}

	return c
}

// collectExecDescendants walks non-Exec children, appending any Exec
// node it finds (without descending further past an Exec node — that
// Exec node's own descendants are handled when buildCommand recurses
// into it).
func (t *Tree) collectExecDescendants(s *span.Span, out *[]*span.Span) {
	for _, c := range s.Children {
		if c.Init == span.Exec {
			*out = append(*out, c)
			continue
		}
		t.collectExecDescendants(c, out)
	}
}

// NormalizeName derives the grouping key for a CommandSpan's argv:
// argv[0] verbatim, unless its basename is one of a small set of
// wrapper commands, in which case the key is that basename plus the
// wrapper's inner verb, which is more useful for grouping.
func NormalizeName(argv []string) string {
	if len(argv) == 0 {
		return "?"
	}
	base := filepath.Base(argv[0])

	wrapper := base
	if strings.HasPrefix(base, "python") {
		wrapper = "python*"
	}
	switch wrapper {
	case "env", "zig", "time", "cargo", "bash", "sh", "python*":
	default:
		return argv[0]
	}

	rest := argv[1:]
	// sh -c / bash -c: the second token is a script literal, useless
	// for grouping, so collapse to just the shell name.
	if (base == "sh" || base == "bash") && len(rest) > 0 && rest[0] == "-c" {
		return base
	}

	i := 0
	for i < len(rest) {
		tok := rest[i]
		if !strings.HasPrefix(tok, "-") {
			return base + " " + tok
		}
		// -C path consumes two positions for env/time/cargo/zig/python*;
		// any other flag consumes just itself.
		if tok == "-C" && base != "sh" && base != "bash" {
			i += 2
			continue
		}
		i++
	}
	return base
}
