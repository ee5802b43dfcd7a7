package verify

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/schedtest/schedtest/sched"
)

// AdmissionTest probes min admission control under affinity constraints.
// Unlike the sampling tests it manages its own short-lived workloads and
// runs a fixed sequence of reservation scenarios, checking the granted
// min readback after each. Phases that need more pcpus than the machine
// has are skipped, not failed.
type AdmissionTest struct {
	name     string
	ctl      sched.Control
	cfg      Config
	sys      System
	findings []Finding
}

// NewAdmissionTest builds the admission-control scenario sequence.
func NewAdmissionTest(name string, ctl sched.Control, cfg Config, sys System) *AdmissionTest {
	return &AdmissionTest{name: name, ctl: ctl, cfg: cfg.withDefaults(), sys: sys}
}

func (t *AdmissionTest) Name() string { return t.name }

// Setup clears leftover test worlds so reservations start from a clean
// scheduler.
func (t *AdmissionTest) Setup() error { return t.stopAll() }

// Run executes the scenario phases in order, stopping the phase's worlds
// before moving on so reservations never leak into the next phase.
func (t *AdmissionTest) Run() error {
	phases := []struct {
		name string
		need int  // minimum logical pcpus
		htOK bool // meaningful on hyperthreaded systems
		run  func() error
	}{
		{"pinned-pair", 2, true, t.pinnedPair},
		{"system-overcommit", 1, true, t.systemOvercommit},
		{"overlapping-duals", 4, true, t.overlappingDuals},
		{"rotating-duals", 4, true, t.rotatingDuals},
		{"asymmetric-duals", 4, false, t.asymmetricDuals},
	}
	for _, ph := range phases {
		if t.sys.Logical < ph.need {
			logrus.Infof("%s: skipping %s, needs %d pcpus", t.name, ph.name, ph.need)
			continue
		}
		if !ph.htOK && t.sys.LogicalPerPhysical() > 1 {
			logrus.Infof("%s: skipping %s on hyperthreaded system", t.name, ph.name)
			continue
		}
		if err := ph.run(); err != nil {
			return err
		}
		if err := t.stopAll(); err != nil {
			return err
		}
		t.cfg.sleep(t.cfg.Pause)
	}
	return nil
}

// Results reports the accumulated scenario findings under a constant
// marker metric.
func (t *AdmissionTest) Results() (Outcome, error) {
	out := newOutcome()
	out.Metrics["admission"] = 0
	out.Findings = append(out.Findings, t.findings...)
	return out, nil
}

func (t *AdmissionTest) Shutdown() error { return t.stopAll() }

// Elements is empty: admission is pass/fail only.
func (t *AdmissionTest) Elements() []string { return nil }

// pinnedPair pins two unis to one pcpu and reserves 75% for each; the
// second reservation must be refused.
func (t *AdmissionTest) pinnedPair() error {
	ws, err := t.start(
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10},
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10},
	)
	if err != nil {
		return err
	}
	for _, w := range ws {
		if err := w.ApplyAffinity(sched.SharedSet(1)); err != nil {
			return &sched.FatalError{Op: "admission affinity", Err: err}
		}
	}
	for _, w := range ws {
		if err := w.ApplyMin(75); err != nil {
			return &sched.FatalError{Op: "admission min", Err: err}
		}
	}
	first, err := ws[0].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	second, err := ws[1].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	if first != 75 {
		t.fail("pinned-pair", "single 75%% reservation on pcpu 1 refused (readback %d)", first)
	}
	if second != 0 {
		t.fail("pinned-pair", "two 75%% reservations admitted on one pcpu (readback %d)", second)
	}
	return nil
}

// systemOvercommit reserves 100% per pcpu with unpinned unis; the last
// reservation must be refused because the console holds its own reserve.
func (t *AdmissionTest) systemOvercommit() error {
	configs := make([]sched.WorldConfig, t.sys.Logical)
	for i := range configs {
		configs[i] = sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10, Wait: 2, Min: 100}
	}
	ws, err := t.start(configs...)
	if err != nil {
		return err
	}
	last, err := ws[len(ws)-1].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	if last != 0 {
		t.fail("system-overcommit", "%d unpinned 100%% reservations all admitted on %d pcpus (readback %d)",
			len(ws), t.sys.Logical, last)
	}
	return nil
}

// overlappingDuals reserves 180% on pcpus 1,2 and 100% on pcpus 2,3 for
// two dual worlds. Coscheduling cannot satisfy both, so at least one must
// be refused.
func (t *AdmissionTest) overlappingDuals() error {
	ws, err := t.start(
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: sched.SharedSet(1, 2)},
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: sched.SharedSet(2, 3)},
	)
	if err != nil {
		return err
	}
	if err := ws[0].ApplyMin(180); err != nil {
		return &sched.FatalError{Op: "admission min", Err: err}
	}
	if err := ws[1].ApplyMin(100); err != nil {
		return &sched.FatalError{Op: "admission min", Err: err}
	}
	first, err := ws[0].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	second, err := ws[1].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	if first != 0 && second != 0 {
		t.fail("overlapping-duals", "both overlapping duals admitted (readbacks %d, %d)", first, second)
	}
	return nil
}

// rotatingDuals reserves a full pcpu's worth for each of three duals
// confined to pcpus 1,2,3. The set fits exactly by rotating, so all three
// must be admitted.
func (t *AdmissionTest) rotatingDuals() error {
	set := sched.SharedSet(1, 2, 3)
	ws, err := t.start(
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: set},
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: set},
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: set},
	)
	if err != nil {
		return err
	}
	want := 100 / t.sys.LogicalPerPhysical()
	for _, w := range ws {
		if err := w.ApplyMin(want); err != nil {
			return &sched.FatalError{Op: "admission min", Err: err}
		}
	}
	got, err := ws[2].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	if got != want {
		t.fail("rotating-duals", "three duals rotating over pcpus 1,2,3 should fit (want %d, readback %d)", want, got)
	}
	return nil
}

// asymmetricDuals overlaps three duals so that pcpus 0 and 1 end up
// promised more than they have; the third reservation must be refused.
// The layout is only meaningful without hyperthreading.
func (t *AdmissionTest) asymmetricDuals() error {
	ws, err := t.start(
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: sched.SharedSet(0, 1)},
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: sched.SharedSet(0, 2)},
		sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 2, Shares: 1000, Run: 10, Affinity: sched.SharedSet(1, 3)},
	)
	if err != nil {
		return err
	}
	for i, min := range []int{100, 100, 120} {
		if err := ws[i].ApplyMin(min); err != nil {
			return &sched.FatalError{Op: "admission min", Err: err}
		}
	}
	got, err := ws[2].ReadMin()
	if err != nil {
		return &sched.FatalError{Op: "admission readback", Err: err}
	}
	if got != 0 {
		t.fail("asymmetric-duals", "reservation admitted on overcommitted pcpus 0 and 1 (readback %d)", got)
	}
	return nil
}

func (t *AdmissionTest) start(configs ...sched.WorldConfig) ([]*sched.Workload, error) {
	ws := make([]*sched.Workload, 0, len(configs))
	for _, cfg := range configs {
		w, err := sched.NewWorkload(t.ctl, cfg, t.cfg.Pause)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", t.name, err)
		}
		if err := w.Start(); err != nil {
			return nil, err
		}
		ws = append(ws, w)
	}
	return ws, nil
}

func (t *AdmissionTest) stopAll() error {
	for _, kind := range []sched.WorldKind{sched.KindBasic, sched.KindTimer} {
		if err := t.ctl.StopAll(kind); err != nil {
			return &sched.FatalError{Op: "admission stop", Err: err}
		}
	}
	return nil
}

func (t *AdmissionTest) fail(phase, format string, args ...interface{}) {
	t.findings = append(t.findings, Finding{Desc: fmt.Sprintf(format, args...), World: phase})
}
