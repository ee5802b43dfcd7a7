package sched

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WorldID identifies a world (workload) inside the external scheduler. Ids
// are assigned by the scheduler at creation time; the harness treats them
// as opaque and only ever compares them against previously observed maxima.
type WorldID int64

// WorldKind selects which test-world implementation the scheduler spawns.
// The kind determines the control endpoint path only; the harness drives
// both kinds identically.
type WorldKind string

const (
	// KindBasic is the pure CPU burner test world.
	KindBasic WorldKind = "basic"
	// KindTimer is the periodic timer-driven test world.
	KindTimer WorldKind = "timer-based"
)

// Control is the scheduler's control/status surface: one method per control
// file. MaxWorldID deliberately isolates the new-maximum-id discovery
// heuristic so it can be swapped for a real creation acknowledgement if the
// scheduler ever grows one; it is fragile if another process creates worlds
// concurrently with the harness.
type Control interface {
	// NumCPUs returns the physical and logical processor counts.
	NumCPUs() (physical, logical int, err error)
	// Dump returns the raw text of the scheduler state dump.
	Dump() (string, error)
	// ResetStats zeroes the scheduler's cumulative counters.
	ResetStats() error
	// EnableVerbose switches the dump to its detailed format.
	EnableVerbose() error
	// SupportsHTSharing reports whether the scheduler exposes
	// hyperthreading-sharing controls.
	SupportsHTSharing() (bool, error)
	// StartWorld asks the scheduler to create one test world. Creation is
	// asynchronous; the caller discovers the new id via MaxWorldID.
	StartWorld(kind WorldKind, vcpus, shares, run, wait int) error
	// StopAll stops every test world of the given kind. There is no
	// per-world stop.
	StopAll(kind WorldKind) error
	// MaxWorldID returns the highest world id currently outstanding.
	MaxWorldID() (WorldID, error)

	SetShares(id WorldID, shares int) error
	SetMin(id WorldID, pct int) error
	// ReadMin returns the admission-controlled minimum the scheduler
	// actually granted; zero means the last request was rejected.
	ReadMin(id WorldID) (int, error)
	SetMax(id WorldID, pct int) error
	SetAffinity(id WorldID, spec string) error
	SetHTSharing(id WorldID, mode string) error
}

// DefaultProcRoot is where the scheduler mounts its control tree.
const DefaultProcRoot = "/proc/vmware"

// ProcControl drives the scheduler through its virtual-filesystem control
// tree. All writes are one-shot and blocking.
type ProcControl struct {
	Root string
}

// NewProcControl returns a ProcControl rooted at root, or DefaultProcRoot
// when root is empty.
func NewProcControl(root string) *ProcControl {
	if root == "" {
		root = DefaultProcRoot
	}
	return &ProcControl{Root: root}
}

func (p *ProcControl) path(parts ...string) string {
	return filepath.Join(append([]string{p.Root}, parts...)...)
}

func (p *ProcControl) worldPath(id WorldID, file string) string {
	return p.path("vm", strconv.FormatInt(int64(id), 10), "cpu", file)
}

func (p *ProcControl) write(value, path string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("writing %q to %s: %w", value, path, err)
	}
	return nil
}

// NumCPUs parses sched/ncpus. Old schedulers emit a single line (physical
// and logical are the same); hyperthreading-aware ones emit the logical
// count first and the physical count second.
func (p *ProcControl) NumCPUs() (int, int, error) {
	data, err := os.ReadFile(p.path("sched", "ncpus"))
	if err != nil {
		return 0, 0, fmt.Errorf("reading ncpus: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	first := strings.Fields(lines[0])
	if len(first) == 0 {
		return 0, 0, fmt.Errorf("ncpus: empty first line")
	}
	n, err := strconv.Atoi(first[0])
	if err != nil {
		return 0, 0, fmt.Errorf("ncpus: %w", err)
	}
	if len(lines) == 1 {
		return n, n, nil
	}
	second := strings.Fields(lines[1])
	if len(second) == 0 {
		return 0, 0, fmt.Errorf("ncpus: empty second line")
	}
	phys, err := strconv.Atoi(second[0])
	if err != nil {
		return 0, 0, fmt.Errorf("ncpus: %w", err)
	}
	return phys, n, nil
}

func (p *ProcControl) Dump() (string, error) {
	data, err := os.ReadFile(p.path("sched", "cpu-verbose"))
	if err != nil {
		return "", fmt.Errorf("reading scheduler dump: %w", err)
	}
	return string(data), nil
}

func (p *ProcControl) ResetStats() error {
	return p.write("reset", p.path("sched", "reset-stats"))
}

func (p *ProcControl) EnableVerbose() error {
	return p.write("1", p.path("config", "CpuProcVerbose"))
}

func (p *ProcControl) SupportsHTSharing() (bool, error) {
	_, err := os.Stat(p.path("sched", "hyperthreading"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (p *ProcControl) StartWorld(kind WorldKind, vcpus, shares, run, wait int) error {
	cmd := fmt.Sprintf("start %d %d %d %d", vcpus, shares, run, wait)
	return p.write(cmd, p.path("testworlds", string(kind)))
}

func (p *ProcControl) StopAll(kind WorldKind) error {
	return p.write("stop", p.path("testworlds", string(kind)))
}

// MaxWorldID takes the smaller of the highest numeric entry under vm/ and
// the highest world id in a fresh snapshot. Either source alone can run
// ahead of the other while a world is half-created, so the conservative
// answer is their minimum.
func (p *ProcControl) MaxWorldID() (WorldID, error) {
	entries, err := os.ReadDir(p.path("vm"))
	if err != nil {
		return 0, fmt.Errorf("listing vm dir: %w", err)
	}
	maxNode := WorldID(-1)
	for _, e := range entries {
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if WorldID(n) > maxNode {
			maxNode = WorldID(n)
		}
	}
	snap, err := Load(p)
	if err != nil {
		return 0, err
	}
	maxVM := snap.MaxWorldID()
	if maxVM < maxNode {
		return maxVM, nil
	}
	return maxNode, nil
}

func (p *ProcControl) SetShares(id WorldID, shares int) error {
	return p.write(strconv.Itoa(shares), p.worldPath(id, "shares"))
}

func (p *ProcControl) SetMin(id WorldID, pct int) error {
	return p.write(strconv.Itoa(pct), p.worldPath(id, "min"))
}

func (p *ProcControl) ReadMin(id WorldID) (int, error) {
	data, err := os.ReadFile(p.worldPath(id, "min"))
	if err != nil {
		return 0, fmt.Errorf("reading min for world %d: %w", id, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty min node for world %d", id)
	}
	return strconv.Atoi(fields[0])
}

func (p *ProcControl) SetMax(id WorldID, pct int) error {
	return p.write(strconv.Itoa(pct), p.worldPath(id, "max"))
}

func (p *ProcControl) SetAffinity(id WorldID, spec string) error {
	return p.write(spec, p.worldPath(id, "affinity"))
}

func (p *ProcControl) SetHTSharing(id WorldID, mode string) error {
	return p.write(mode, p.worldPath(id, "hyperthreading"))
}
