// Package cgroupmem discovers whether the tracer itself is running
// under a memory-limited cgroup, so the final report can annotate how
// close the traced tree came to that ceiling.
package cgroupmem

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Version identifies which cgroup hierarchy, if any, is mounted.
type Version int

const (
	Unsupported Version = iota
	V1
	V2
)

// Ceiling is the discovered memory limit for the current cgroup, in
// kibibytes. Unlimited is true when no finite limit is configured
// (the common case: "max" under v2, or the v1 near-MAX_INT sentinel).
type Ceiling struct {
	Version   Version
	LimitKB   int64
	Unlimited bool
}

// Detect inspects /proc/self/mountinfo for a cgroup2 or cgroup v1
// memory-controller mount and, if found, reads the configured limit.
// Returns a Ceiling with Unlimited set and no error when there simply
// is no cgroup memory limit to report (Version Unsupported when no
// cgroup hierarchy is mounted at all) — that is the common case on a developer
// workstation, not a failure.
func Detect() (Ceiling, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return Ceiling{}, err
	}
	defer f.Close()

	var v2Point, v1MemPoint string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) == 0 {
			continue
		}
		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		mountPoint := pre[4]

		switch tail[0] {
		case "cgroup2":
			v2Point = mountPoint
		case "cgroup":
			if len(tail) >= 3 && strings.Contains(tail[2], "memory") {
				v1MemPoint = mountPoint
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Ceiling{}, err
	}

	if v2Point != "" {
		return readV2Limit(v2Point)
	}
	if v1MemPoint != "" {
		return readV1Limit(v1MemPoint)
	}
	return Ceiling{Version: Unsupported, Unlimited: true}, nil
}

func readV2Limit(mountPoint string) (Ceiling, error) {
	b, err := os.ReadFile(mountPoint + "/memory.max")
	if err != nil {
		return Ceiling{Version: V2, Unlimited: true}, nil
	}
	val := strings.TrimSpace(string(b))
	if val == "max" {
		return Ceiling{Version: V2, Unlimited: true}, nil
	}
	bytes, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return Ceiling{Version: V2, Unlimited: true}, nil
	}
	return Ceiling{Version: V2, LimitKB: bytes / 1024}, nil
}

func readV1Limit(mountPoint string) (Ceiling, error) {
	b, err := os.ReadFile(mountPoint + "/memory.limit_in_bytes")
	if err != nil {
		return Ceiling{Version: V1, Unlimited: true}, nil
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	// cgroup v1 represents "no limit" as a near-MAX_INT64 sentinel
	// rather than a keyword.
	if err != nil || bytes <= 0 || bytes > (1<<62) {
		return Ceiling{Version: V1, Unlimited: true}, nil
	}
	return Ceiling{Version: V1, LimitKB: bytes / 1024}, nil
}

// PercentOf returns the percentage usedKB represents of the ceiling,
// or false if the ceiling is unlimited/unsupported.
func (c Ceiling) PercentOf(usedKB int64) (pct int, ok bool) {
	if c.Unlimited || c.LimitKB <= 0 {
		return 0, false
	}
	return int(usedKB * 100 / c.LimitKB), true
}
