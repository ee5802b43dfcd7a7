// Package verify contains the scheduler verification tests and the runner
// that drives them. Tests observe workloads through snapshots and report
// soft findings; only losing control of the scheduler itself (a world that
// never appears, a malformed snapshot) aborts a run.
package verify

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/schedtest/schedtest/sched"
)

// Default thresholds and timings. Individual tests may override the
// thresholds per instance.
const (
	DefaultSampleTime = 50 * time.Second
	MaxUnfairness     = 0.1  // allowed |fairness ratio - 1|
	MaxMinMaxError    = 0.1  // allowed relative excursion past min/max bounds
	StuckEpsilon      = 0.01 // seconds of used time below which a vcpu counts as stuck
	TortureReps       = 10
)

// Config carries the run-wide tuning every test receives. It is passed by
// value at construction; there are no package-level knobs.
type Config struct {
	SampleTime time.Duration // main measurement window per test
	Pause      time.Duration // pacing delay for control operations
	SizeFactor int           // workload multiplier, scales every test's world count
	Seed       int64         // seed for randomized affinity torture

	// Sleep replaces the blocking delay implementation; nil means
	// time.Sleep. Tests inject a virtual clock here.
	Sleep func(time.Duration)
}

// DefaultConfig mirrors the standalone-run defaults.
func DefaultConfig() Config {
	return Config{
		SampleTime: DefaultSampleTime,
		Pause:      sched.DefaultPause,
		SizeFactor: 1,
		Seed:       42,
	}
}

// withDefaults fills unset fields so partially built configs stay usable.
func (c Config) withDefaults() Config {
	if c.SampleTime <= 0 {
		c.SampleTime = DefaultSampleTime
	}
	if c.Pause <= 0 {
		c.Pause = sched.DefaultPause
	}
	if c.SizeFactor < 1 {
		c.SizeFactor = 1
	}
	return c
}

func (c Config) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

// System is the probed shape of the machine under test.
type System struct {
	Physical  int
	Logical   int
	HTSharing bool
}

// LogicalPerPhysical is 1 on non-hyperthreaded systems.
func (s System) LogicalPerPhysical() int {
	if s.Physical <= 0 || s.Logical <= s.Physical {
		return 1
	}
	return s.Logical / s.Physical
}

// Probe reads the cpu topology and control capabilities once per run.
func Probe(ctl sched.Control) (System, error) {
	phys, logical, err := ctl.NumCPUs()
	if err != nil {
		return System{}, fmt.Errorf("probing cpu count: %w", err)
	}
	ht, err := ctl.SupportsHTSharing()
	if err != nil {
		return System{}, fmt.Errorf("probing htsharing support: %w", err)
	}
	return System{Physical: phys, Logical: logical, HTSharing: ht}, nil
}

// Finding is one soft verification failure: the scheduler misbehaved but
// the harness still has full control.
type Finding struct {
	Desc     string  // what went wrong, with measured values
	World    string  // offending workload label, "" for system-wide findings
	Metric   float64 // the measurement behind the finding
	Snapshot string  // raw vcpu table at detection time, for verbose reporting
}

func (f Finding) String() string {
	if f.World != "" {
		return fmt.Sprintf("%s [%s]", f.Desc, f.World)
	}
	return f.Desc
}

// Outcome is what a finished test reports: named metrics plus findings.
// A test passes exactly when it has no findings.
type Outcome struct {
	Metrics  map[string]float64
	Findings []Finding
}

func newOutcome() Outcome {
	return Outcome{Metrics: map[string]float64{}}
}

// Passed reports whether the outcome carries no findings.
func (o Outcome) Passed() bool { return len(o.Findings) == 0 }

// SortedKeys returns the metric names in lexical order for prose output.
func (o Outcome) SortedKeys() []string {
	keys := make([]string, 0, len(o.Metrics))
	for k := range o.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Test is one verification scenario. The runner drives the four phases
// strictly in order and calls Shutdown even when an earlier phase failed.
// Any returned error is treated as fatal for the whole run; scheduler
// misbehavior is reported through Outcome findings instead.
type Test interface {
	Name() string
	// Setup creates and configures the test's workloads.
	Setup() error
	// Run resets scheduler stats and lets the workloads execute.
	Run() error
	// Results inspects the scheduler and reports the outcome.
	Results() (Outcome, error)
	// Shutdown stops every workload the test started.
	Shutdown() error
	// Elements lists metric keys in reporting order for batch output.
	Elements() []string
}

// baseTest implements the common lifecycle shared by the workload-driven
// tests: start everything, reset, sample, stop everything.
type baseTest struct {
	name      string
	ctl       sched.Control
	cfg       Config
	workloads []*sched.Workload
}

// newBaseTest replicates configs by cfg.SizeFactor and binds a fresh
// Workload per slot. Replicas never share config state.
func newBaseTest(name string, ctl sched.Control, cfg Config, configs []sched.WorldConfig) (*baseTest, error) {
	cfg = cfg.withDefaults()
	b := &baseTest{name: name, ctl: ctl, cfg: cfg}
	for i := 0; i < cfg.SizeFactor; i++ {
		for _, wc := range configs {
			fresh := sched.ReplicateConfigs(1, wc, nil)[0]
			w, err := sched.NewWorkload(ctl, fresh, cfg.Pause)
			if err != nil {
				return nil, fmt.Errorf("test %s: %w", name, err)
			}
			b.workloads = append(b.workloads, w)
		}
	}
	if len(b.workloads) == 0 {
		return nil, fmt.Errorf("test %s: no workloads", name)
	}
	return b, nil
}

func (b *baseTest) Name() string { return b.name }

// Setup starts every workload. A failed first attempt gets one full
// retry after stopping whatever was left behind; worlds from a previous
// aborted run are the usual culprit.
func (b *baseTest) Setup() error {
	if err := b.startAll(); err != nil {
		logrus.Warnf("%s: setup failed (%v), stopping all worlds and retrying", b.name, err)
		if serr := b.stopAll(); serr != nil {
			return &sched.FatalError{Op: "setup retry", Err: serr}
		}
		b.cfg.sleep(b.cfg.Pause)
		if err := b.startAll(); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseTest) startAll() error {
	for _, w := range b.workloads {
		if err := w.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Run resets cumulative stats and samples for the configured window.
func (b *baseTest) Run() error {
	if err := b.ctl.ResetStats(); err != nil {
		return &sched.FatalError{Op: "reset stats", Err: err}
	}
	b.cfg.sleep(b.cfg.SampleTime)
	return nil
}

// Shutdown stops all test worlds of both kinds. Stopping is kind-wide,
// so one call per kind covers every workload.
func (b *baseTest) Shutdown() error {
	return b.stopAll()
}

func (b *baseTest) stopAll() error {
	var errs *multierror.Error
	for _, kind := range []sched.WorldKind{sched.KindBasic, sched.KindTimer} {
		if err := b.ctl.StopAll(kind); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// observe loads a fresh snapshot and points every workload at its slice
// of it.
func (b *baseTest) observe() (*sched.Snapshot, error) {
	snap, err := sched.Load(b.ctl)
	if err != nil {
		return nil, &sched.FatalError{Op: "snapshot", Err: err}
	}
	for _, w := range b.workloads {
		if err := w.Observe(snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// key builds the per-workload metric key: label plus slot index, so
// identical configurations stay distinguishable.
func (b *baseTest) key(i int) string {
	return fmt.Sprintf("%s#%d", b.workloads[i].Label(), i)
}

// finding appends a soft failure, attaching the snapshot's raw vcpu table
// for verbose failure dumps.
func finding(o *Outcome, snap *sched.Snapshot, world, desc string, metric float64) {
	f := Finding{Desc: desc, World: world, Metric: metric}
	if snap != nil {
		f.Snapshot = snap.String()
	}
	o.Findings = append(o.Findings, f)
}
