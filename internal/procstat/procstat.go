// Package procstat reads the /proc entries the tracer needs to attribute
// CPU time and I/O counters to a specific thread id.
package procstat

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoStat    = errors.New("procstat: no stat line")
	ErrShortStat = errors.New("procstat: stat line has too few fields")
)

// ClockTicksPerSec returns the kernel's jiffies-per-second rate used to
// convert /proc/<tid>/stat CPU fields into a duration. Honors CLK_TCK
// for tests; falls back to the near-universal Linux default of 100 Hz,
// since sysconf(_SC_CLK_TCK) is only reachable via cgo.
func ClockTicksPerSec() int64 {
	if v, err := strconv.ParseInt(os.Getenv("CLK_TCK"), 10, 64); err == nil && v > 0 {
		return v
	}
	return 100
}

// ThreadStat is the subset of /proc/<pid>/task/<tid>/stat this tracer
// attributes to a span.
type ThreadStat struct {
	UTimeTicks  uint64
	STimeTicks  uint64
	MinorFaults uint64
	MajorFaults uint64
}

// ReadThreadStat parses /proc/<pid>/task/<tid>/stat. comm is parenthesized
// and may itself contain spaces or closing parens, so the numeric fields
// are located after the LAST ") " rather than by fixed offset.
func ReadThreadStat(pid, tid int) (ThreadStat, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/stat", pid, tid)
	b, err := os.ReadFile(path)
	if err != nil {
		return ThreadStat{}, err
	}
	line := strings.TrimRight(string(b), "\n")

	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return ThreadStat{}, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])

	get := func(idx int) (uint64, error) {
		if idx >= len(fields) {
			return 0, ErrShortStat
		}
		return strconv.ParseUint(fields[idx], 10, 64)
	}

	// Field numbering below is 0-based within `fields`, i.e. fields[0] is
	// overall field 3 (state). minflt=10th, majflt=12th, utime=14th, stime=15th.
	minflt, err := get(10 - 3)
	if err != nil {
		return ThreadStat{}, err
	}
	majflt, err := get(12 - 3)
	if err != nil {
		return ThreadStat{}, err
	}
	utime, err := get(14 - 3)
	if err != nil {
		return ThreadStat{}, err
	}
	stime, err := get(15 - 3)
	if err != nil {
		return ThreadStat{}, err
	}

	return ThreadStat{UTimeTicks: utime, STimeTicks: stime, MinorFaults: minflt, MajorFaults: majflt}, nil
}

// CPU converts the tick counters to a duration using the given tick rate.
func (s ThreadStat) CPU(ticksPerSec int64) (user, kernel time.Duration) {
	scale := time.Second / time.Duration(ticksPerSec)
	return time.Duration(s.UTimeTicks) * scale, time.Duration(s.STimeTicks) * scale
}

// SchedstatAvailable reports whether the kernel exposes per-thread
// schedstat accounting, checked once at startup to pick the CPU-source
// for the whole run rather than per call (spec decision, §9).
func SchedstatAvailable(pid, tid int) bool {
	_, err := ReadSchedstat(pid, tid)
	return err == nil
}

// ReadSchedstat reads /proc/<pid>/task/<tid>/schedstat and returns
// nanosecond-precision time spent on CPU (field 1 of 3).
func ReadSchedstat(pid, tid int) (time.Duration, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/schedstat", pid, tid)
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, ErrNoStat
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 1 {
		return 0, ErrShortStat
	}
	ns, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ns), nil
}

// ThreadIO is the subset of /proc/<pid>/task/<tid>/io this tracer uses.
type ThreadIO struct {
	ReadOps  int64
	WriteOps int64
}

// ReadThreadIO parses the syscr/syscw counters (operation counts, not
// byte counts) from /proc/<pid>/task/<tid>/io.
func ReadThreadIO(pid, tid int) (ThreadIO, error) {
	path := fmt.Sprintf("/proc/%d/task/%d/io", pid, tid)
	f, err := os.Open(path)
	if err != nil {
		return ThreadIO{}, err
	}
	defer f.Close()

	var io ThreadIO
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "syscr:"):
			io.ReadOps, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "syscr:")), 10, 64)
		case strings.HasPrefix(line, "syscw:"):
			io.WriteOps, _ = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "syscw:")), 10, 64)
		}
	}
	return io, sc.Err()
}

// ReadCmdline reads /proc/<pid>/cmdline and splits it on its NUL
// separators, dropping the trailing empty token the kernel appends.
func ReadCmdline(pid int) ([]string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, err
	}
	b = []byte(strings.TrimRight(string(b), "\x00"))
	if len(b) == 0 {
		return nil, nil
	}
	return strings.Split(string(b), "\x00"), nil
}
