package verify

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/schedtest/schedtest/sched"
)

// AffinityTortureTest exercises affinity changes under load. Each rep
// samples for a randomized slice of the window, checks that every vcpu
// sits where its affinity allows and that every workload made progress,
// then rerolls and reapplies random affinities. The test has no numeric
// result; it passes when no placement or progress violation was seen.
type AffinityTortureTest struct {
	*baseTest
	reps     int
	rng      *rand.Rand
	findings []Finding
}

// NewAffinityTortureTest builds a torture test. reps <= 0 selects the
// default repetition count. Randomness is seeded from cfg.Seed so a run
// can be replayed exactly.
func NewAffinityTortureTest(name string, ctl sched.Control, cfg Config, configs []sched.WorldConfig, reps int) (*AffinityTortureTest, error) {
	base, err := newBaseTest(name, ctl, cfg, configs)
	if err != nil {
		return nil, err
	}
	if reps <= 0 {
		reps = TortureReps
	}
	return &AffinityTortureTest{
		baseTest: base,
		reps:     reps,
		rng:      rand.New(rand.NewSource(base.cfg.Seed)),
	}, nil
}

// Run replaces the plain sampling loop: reps rounds of reset, randomized
// sleep, placement and progress checks, affinity reroll.
func (t *AffinityTortureTest) Run() error {
	_, logical, err := t.ctl.NumCPUs()
	if err != nil {
		return &sched.FatalError{Op: "torture cpu probe", Err: err}
	}
	slice := t.cfg.SampleTime / time.Duration(t.reps)
	for rep := 0; rep < t.reps; rep++ {
		if err := t.ctl.ResetStats(); err != nil {
			return &sched.FatalError{Op: "reset stats", Err: err}
		}
		// Uniform in [0.5, 1.5) of the nominal slice, so reps never
		// align with any scheduler period.
		t.cfg.sleep(time.Duration((t.rng.Float64() + 0.5) * float64(slice)))

		snap, err := t.observe()
		if err != nil {
			return err
		}
		for i, w := range t.workloads {
			for _, viol := range w.CheckPlacement() {
				t.record(snap, t.key(i), viol, 0)
			}
			if used := w.UsedSec(); used < StuckEpsilon {
				t.record(snap, t.key(i),
					fmt.Sprintf("stuck, %.3fs used during rep %d", used, rep), used)
			}
		}
		for i, w := range t.workloads {
			next := t.randomAffinity(w.Config().VCPUs, logical)
			logrus.Debugf("torture rep %d: %s -> %q", rep, t.key(i),
				next.ControlString(w.Config().VCPUs))
			if err := w.ApplyAffinity(next); err != nil {
				return &sched.FatalError{Op: "torture affinity", Err: err}
			}
		}
	}
	return nil
}

// randomAffinity rerolls one workload's affinity: a quarter of the time
// the full pcpu set, otherwise distinct per-vcpu pins. Worlds wider than
// the machine always get the full set.
func (t *AffinityTortureTest) randomAffinity(vcpus, logical int) sched.Affinity {
	if vcpus > logical || t.rng.Float64() < 0.25 {
		return sched.AllPCPUs(logical)
	}
	perm := t.rng.Perm(logical)
	return sched.PinEach(perm[:vcpus]...)
}

func (t *AffinityTortureTest) record(snap *sched.Snapshot, world, desc string, metric float64) {
	f := Finding{Desc: desc, World: world, Metric: metric}
	if snap != nil {
		f.Snapshot = snap.String()
	}
	t.findings = append(t.findings, f)
}

// Results reports the findings accumulated across reps. The single
// constant metric appears in verbose reports only; batch output carries
// no elements for this test.
func (t *AffinityTortureTest) Results() (Outcome, error) {
	out := newOutcome()
	out.Metrics["affintorture"] = 0
	out.Findings = append(out.Findings, t.findings...)
	return out, nil
}

// Elements is empty: the torture test is pass/fail only.
func (t *AffinityTortureTest) Elements() []string { return nil }
