// Package resourceusage holds the accounting value type shared by the
// span tree and the command report: a bundle of the countable resources
// the kernel reports back about a thread or process at reap time.
package resourceusage

import "time"

// Usage bundles the per-thread resources the tracer cares about. The
// kernel reports max_rss and CPU time per reap; iops and major faults
// are cumulative subtree counters by the time they reach us.
type Usage struct {
	MaxRSSKB    int64
	UserCPU     time.Duration
	KernelCPU   time.Duration
	ReadIOPs    int64
	WriteIOPs   int64
	MajorFaults int64
	Threads     int64
}

// CPU returns total CPU time, user plus kernel.
func (u Usage) CPU() time.Duration {
	return u.UserCPU + u.KernelCPU
}

// Sub subtracts other from u, saturating every subtracted field at
// zero rather than going negative. MaxRSSKB is untouched: it is a
// high-water mark, not a counter, and carries forward unchanged across
// an exec chain.
func (u Usage) Sub(other Usage) Usage {
	return Usage{
		MaxRSSKB:    u.MaxRSSKB,
		UserCPU:     satSubDuration(u.UserCPU, other.UserCPU),
		KernelCPU:   satSubDuration(u.KernelCPU, other.KernelCPU),
		ReadIOPs:    satSubInt64(u.ReadIOPs, other.ReadIOPs),
		WriteIOPs:   satSubInt64(u.WriteIOPs, other.WriteIOPs),
		MajorFaults: satSubInt64(u.MajorFaults, other.MajorFaults),
		Threads:     satSubInt64(u.Threads, other.Threads),
	}
}

// AddSelfMetrics merges the per-thread / max-like fields: CPU and
// thread count are summed, max_rss takes the larger of the two. This
// is the ONLY merge to use when rolling a non-exec child's usage into
// its parent command, or a command's tree_usage CPU/RSS/thread-count
// contribution from a child command.
func (u Usage) AddSelfMetrics(other Usage) Usage {
	r := u
	if other.MaxRSSKB > r.MaxRSSKB {
		r.MaxRSSKB = other.MaxRSSKB
	}
	r.UserCPU += other.UserCPU
	r.KernelCPU += other.KernelCPU
	r.Threads += other.Threads
	return r
}

// AddAll merges AddSelfMetrics plus the per-tree / counter-like fields
// (iops, major faults), which the kernel already reports as subtree
// totals at reap. Do not call this where AddSelfMetrics is required —
// collapsing the two semantics into a single add is the most common
// bug surface in this kind of accounting code.
func (u Usage) AddAll(other Usage) Usage {
	r := u.AddSelfMetrics(other)
	r.ReadIOPs += other.ReadIOPs
	r.WriteIOPs += other.WriteIOPs
	r.MajorFaults += other.MajorFaults
	return r
}

// FormatIOPs renders the read+write iops pair as shown in the report.
func (u Usage) FormatIOPs() string {
	return formatIOPs(u.ReadIOPs, u.WriteIOPs)
}

func satSubDuration(a, b time.Duration) time.Duration {
	if b >= a {
		return 0
	}
	return a - b
}

func satSubInt64(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}
