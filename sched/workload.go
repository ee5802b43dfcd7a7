package sched

import (
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

// startAttempts bounds the id-discovery polling loop. World creation is
// asynchronous inside the scheduler, so the new id can lag the start
// command by several pacing intervals.
const startAttempts = 6

// DefaultPause is the pacing delay between control operations that need
// the scheduler to catch up (id-discovery polls, stop-then-restart).
const DefaultPause = time.Second

// WorldConfig fully describes one synthetic workload before creation.
// Run and Wait are the active/idle duty durations of one load cycle and
// are passed through to the scheduler in its own units.
type WorldConfig struct {
	Kind      WorldKind
	VCPUs     int
	Shares    int
	Run       int
	Wait      int
	Min       int    // guaranteed-min percentage; 0 = none requested
	Max       int    // capped-max percentage; 0 = default of 100*VCPUs
	HTSharing string // hyperthreading-sharing mode; "" = scheduler default
	Affinity  Affinity
}

// withDefaults validates the config and fills derived defaults.
func (c WorldConfig) withDefaults() (WorldConfig, error) {
	if c.Kind == "" {
		c.Kind = KindBasic
	}
	if c.Kind != KindBasic && c.Kind != KindTimer {
		return c, fmt.Errorf("unknown world kind %q", c.Kind)
	}
	if c.VCPUs < 1 {
		return c, fmt.Errorf("vcpu count must be >= 1, got %d", c.VCPUs)
	}
	if c.Shares == 0 {
		c.Shares = 1000
	}
	if c.Max == 0 {
		c.Max = 100 * c.VCPUs
	}
	return c, nil
}

// Label is the short config signature used in metric keys and log lines,
// e.g. "basic-01000-1-10r-00w".
func (c WorldConfig) Label() string {
	prefix := "basic"
	if c.Kind == KindTimer {
		prefix = "timer"
	}
	return fmt.Sprintf("%s-%05d-%d-%02dr-%02dw", prefix, c.Shares, c.VCPUs, c.Run, c.Wait)
}

// ReplicateConfigs returns n independent copies of base, applying vary
// (when non-nil) to the i-th copy. This replaces template cloning: every
// config is a fresh value, so mutating one workload never aliases another.
func ReplicateConfigs(n int, base WorldConfig, vary func(i int, cfg *WorldConfig)) []WorldConfig {
	out := make([]WorldConfig, 0, n)
	for i := 0; i < n; i++ {
		cfg := base
		cfg.Affinity = base.Affinity.clone()
		if vary != nil {
			vary(i, &cfg)
		}
		out = append(out, cfg)
	}
	return out
}

// VariedShares gives the i-th replica 1000*(i+1) shares.
func VariedShares(i int, cfg *WorldConfig) {
	cfg.Shares = (i + 1) * 1000
}

// Workload is one synthetic load-generating world. It is created and
// configured through the Control surface and observed through snapshots;
// the scheduler runs it autonomously in between. A Workload belongs to
// exactly one verification test at a time.
type Workload struct {
	cfg   WorldConfig
	ctl   Control
	pause time.Duration

	id      WorldID
	started bool
	vcpus   []Record
	leader  *Record
}

// NewWorkload validates cfg and binds the workload to a control surface.
// pause is the pacing delay for id-discovery polling; zero means
// DefaultPause.
func NewWorkload(ctl Control, cfg WorldConfig, pause time.Duration) (*Workload, error) {
	full, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("workload config: %w", err)
	}
	if pause <= 0 {
		pause = DefaultPause
	}
	return &Workload{cfg: full, ctl: ctl, pause: pause}, nil
}

// Config returns the workload's effective configuration.
func (w *Workload) Config() WorldConfig { return w.cfg }

// ID returns the scheduler-assigned world id. Valid after Start.
func (w *Workload) ID() WorldID { return w.id }

// Label is shorthand for w.Config().Label().
func (w *Workload) Label() string { return w.cfg.Label() }

// Start creates the world and applies its configuration. The new world's
// id is discovered by diffing the system-wide maximum id before and after
// the start command, polling with fixed pacing; creation that never
// surfaces a new id is a fatal harness error, not a test failure. Start
// may be called again after a stop-all to rebuild the same workload.
func (w *Workload) Start() error {
	before, err := w.ctl.MaxWorldID()
	if err != nil {
		return &FatalError{Op: "world start", Err: err}
	}
	if err := w.ctl.StartWorld(w.cfg.Kind, w.cfg.VCPUs, w.cfg.Shares, w.cfg.Run, w.cfg.Wait); err != nil {
		return &FatalError{Op: "world start", Err: err}
	}

	var id WorldID
	err = retry.Do(
		func() error {
			cur, err := w.ctl.MaxWorldID()
			if err != nil {
				return err
			}
			if cur <= before {
				return fmt.Errorf("max world id still %d", cur)
			}
			id = cur
			return nil
		},
		retry.Attempts(startAttempts),
		retry.Delay(w.pause),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Fatalf("world start", "%s did not appear after %d attempts: %v", w.Label(), startAttempts, err)
	}
	w.id = id
	w.started = true
	logrus.Debugf("started %s as world %d", w.Label(), id)
	return w.configure()
}

// configure applies the post-creation settings, each only when it differs
// from the scheduler's default.
func (w *Workload) configure() error {
	if w.cfg.Min != 0 {
		if err := w.ctl.SetMin(w.id, w.cfg.Min); err != nil {
			return &FatalError{Op: "config min", Err: err}
		}
	}
	if w.cfg.Max != 100*w.cfg.VCPUs {
		if err := w.ctl.SetMax(w.id, w.cfg.Max); err != nil {
			return &FatalError{Op: "config max", Err: err}
		}
	}
	if !w.cfg.Affinity.IsZero() {
		if err := w.ctl.SetAffinity(w.id, w.cfg.Affinity.ControlString(w.cfg.VCPUs)); err != nil {
			return &FatalError{Op: "config affinity", Err: err}
		}
	}
	if w.cfg.HTSharing != "" {
		if err := w.ctl.SetHTSharing(w.id, w.cfg.HTSharing); err != nil {
			return &FatalError{Op: "config htsharing", Err: err}
		}
	}
	return nil
}

// Observe caches the workload's slice of a snapshot: its vcpu records and
// its leader vcpu (the one whose index equals the world id). Every live
// world has exactly one leader; a snapshot without it is fatally
// malformed.
func (w *Workload) Observe(snap *Snapshot) error {
	vcpus := snap.WorldVCPUs(w.id)
	var leader *Record
	for i := range vcpus {
		if vcpus[i].Int(FieldVCPU) == int64(w.id) {
			leader = &vcpus[i]
		}
	}
	if leader == nil {
		return Fatalf("snapshot", "world %d (%s) has no leader vcpu among %d records", w.id, w.Label(), len(vcpus))
	}
	w.vcpus = vcpus
	w.leader = leader
	return nil
}

// VCPURecords returns the vcpu records cached by the last Observe.
func (w *Workload) VCPURecords() []Record { return w.vcpus }

// SumFloat sums a float field over the cached vcpu records.
func (w *Workload) SumFloat(field string) float64 {
	var total float64
	for _, v := range w.vcpus {
		total += v.Float(field)
	}
	return total
}

// SumInt sums an integer field over the cached vcpu records.
func (w *Workload) SumInt(field string) int64 {
	var total int64
	for _, v := range w.vcpus {
		total += v.Int(field)
	}
	return total
}

// UsedSec is the workload's total used time across vcpus, in seconds.
func (w *Workload) UsedSec() float64 { return w.SumFloat(FieldUsedSec) }

// Migrations is the workload's total pcpu migration count.
func (w *Workload) Migrations() int64 { return w.SumInt(FieldMigs) }

// Switches is the workload's total context-switch count.
func (w *Workload) Switches() int64 { return w.SumInt(FieldSwitch) }

// LeaderInt reads a world-level integer field off the leader vcpu.
func (w *Workload) LeaderInt(field string) int64 {
	if w.leader == nil {
		return 0
	}
	return w.leader.Int(field)
}

// LeaderFloat reads a world-level float field off the leader vcpu.
func (w *Workload) LeaderFloat(field string) float64 {
	if w.leader == nil {
		return 0
	}
	return w.leader.Float(field)
}

// ReadMin re-reads the admission-controlled minimum actually granted.
// Zero means the scheduler rejected the last requested guarantee.
func (w *Workload) ReadMin() (int, error) {
	return w.ctl.ReadMin(w.id)
}

// ApplyMin requests a new guaranteed minimum on the running world.
func (w *Workload) ApplyMin(pct int) error {
	w.cfg.Min = pct
	return w.ctl.SetMin(w.id, pct)
}

// ApplyAffinity replaces and rewrites the workload's affinity while it
// runs. Used by affinity churn testing.
func (w *Workload) ApplyAffinity(a Affinity) error {
	w.cfg.Affinity = a
	return w.ctl.SetAffinity(w.id, a.ControlString(w.cfg.VCPUs))
}

// CheckPlacement verifies every cached vcpu sits on a pcpu its current
// affinity permits, returning one description per violation. The vcpu's
// in-world index is its vcpu id minus the world id.
func (w *Workload) CheckPlacement() []string {
	if w.cfg.Affinity.IsZero() {
		return nil
	}
	var violations []string
	for _, v := range w.vcpus {
		idx := int(v.Int(FieldVCPU) - v.Int(FieldWorld))
		pcpu := int(v.Int(FieldPCPU))
		if !w.cfg.Affinity.Permits(idx, pcpu) {
			violations = append(violations, fmt.Sprintf(
				"vcpu %d of world %d on pcpu %d outside affinity %q",
				idx, w.id, pcpu, w.cfg.Affinity.ControlString(w.cfg.VCPUs)))
		}
	}
	return violations
}
