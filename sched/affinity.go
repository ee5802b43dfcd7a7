package sched

import (
	"fmt"
	"strconv"
	"strings"
)

// Affinity constrains which pcpus a workload's vcpus may run on. The zero
// value means unconstrained. Exactly one of the two fields is set:
//
//   - PerVCPU pins each vcpu to its own pcpu: PerVCPU[i] is vcpu i's pcpu.
//   - Shared is one pcpu set that every vcpu may use.
type Affinity struct {
	PerVCPU []int
	Shared  []int
}

// IsZero reports whether no affinity is configured.
func (a Affinity) IsZero() bool {
	return len(a.PerVCPU) == 0 && len(a.Shared) == 0
}

// ControlString serializes the affinity in the scheduler's wire syntax.
// The encoding is compatibility-critical and must stay byte-exact:
//
//	per-vcpu list        "0:1;1:0;"
//	single-vcpu shared   "2" or "0,1,2"
//	multi-vcpu shared    "all:0,1,2;"
func (a Affinity) ControlString(vcpus int) string {
	if len(a.PerVCPU) > 0 {
		var b strings.Builder
		for i := 0; i < vcpus && i < len(a.PerVCPU); i++ {
			fmt.Fprintf(&b, "%d:%d;", i, a.PerVCPU[i])
		}
		return b.String()
	}
	spec := joinInts(a.Shared)
	if vcpus == 1 {
		return spec
	}
	return "all:" + spec + ";"
}

// Permits reports whether the vcpu with the given in-world index may run on
// pcpu. A per-vcpu list demands exact placement per index; a shared set
// demands membership; an unset affinity permits anything.
func (a Affinity) Permits(vcpuIdx, pcpu int) bool {
	if len(a.PerVCPU) > 0 {
		return vcpuIdx >= 0 && vcpuIdx < len(a.PerVCPU) && a.PerVCPU[vcpuIdx] == pcpu
	}
	if len(a.Shared) == 0 {
		return true
	}
	for _, p := range a.Shared {
		if p == pcpu {
			return true
		}
	}
	return false
}

// clone returns a deep copy so replicated configurations never alias.
func (a Affinity) clone() Affinity {
	out := Affinity{}
	if a.PerVCPU != nil {
		out.PerVCPU = append([]int(nil), a.PerVCPU...)
	}
	if a.Shared != nil {
		out.Shared = append([]int(nil), a.Shared...)
	}
	return out
}

// AllPCPUs returns a shared affinity naming every pcpu from 0 to n-1.
func AllPCPUs(n int) Affinity {
	set := make([]int, n)
	for i := range set {
		set[i] = i
	}
	return Affinity{Shared: set}
}

// SharedSet returns a shared affinity over the given pcpus.
func SharedSet(pcpus ...int) Affinity {
	return Affinity{Shared: pcpus}
}

// PinEach returns a per-vcpu affinity: vcpu i runs on pcpus[i].
func PinEach(pcpus ...int) Affinity {
	return Affinity{PerVCPU: pcpus}
}

// ParseAffinity inverts ControlString. vcpus bounds per-vcpu lists; an
// empty string yields the zero Affinity.
func ParseAffinity(s string, vcpus int) (Affinity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Affinity{}, nil
	}
	if rest, ok := strings.CutPrefix(s, "all:"); ok {
		set, err := splitInts(strings.TrimSuffix(rest, ";"))
		if err != nil {
			return Affinity{}, fmt.Errorf("affinity %q: %w", s, err)
		}
		return Affinity{Shared: set}, nil
	}
	if strings.Contains(s, ":") {
		per := make([]int, vcpus)
		seen := make([]bool, vcpus)
		for _, pair := range strings.Split(strings.TrimSuffix(s, ";"), ";") {
			idxStr, pcpuStr, ok := strings.Cut(pair, ":")
			if !ok {
				return Affinity{}, fmt.Errorf("affinity %q: malformed pair %q", s, pair)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
			if err != nil {
				return Affinity{}, fmt.Errorf("affinity %q: vcpu index: %w", s, err)
			}
			pcpu, err := strconv.Atoi(strings.TrimSpace(pcpuStr))
			if err != nil {
				return Affinity{}, fmt.Errorf("affinity %q: pcpu: %w", s, err)
			}
			if idx < 0 || idx >= vcpus {
				return Affinity{}, fmt.Errorf("affinity %q: vcpu index %d out of range for %d vcpus", s, idx, vcpus)
			}
			per[idx] = pcpu
			seen[idx] = true
		}
		for i, ok := range seen {
			if !ok {
				return Affinity{}, fmt.Errorf("affinity %q: vcpu %d has no pcpu", s, i)
			}
		}
		return Affinity{PerVCPU: per}, nil
	}
	set, err := splitInts(s)
	if err != nil {
		return Affinity{}, fmt.Errorf("affinity %q: %w", s, err)
	}
	return Affinity{Shared: set}, nil
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad pcpu %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
