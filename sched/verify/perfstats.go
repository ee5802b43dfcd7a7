package verify

import (
	"strings"

	"github.com/schedtest/schedtest/sched"
)

// PerfStatsTest samples scheduler bookkeeping rates under load rather than
// fairness: context switches and migrations across the test worlds, yields
// per pcpu and idle time. It never fails on the rates themselves; the
// numbers exist for trend tracking across builds. It does fail the run
// when the snapshot is structurally off, since every other test reads the
// same tables.
type PerfStatsTest struct {
	*baseTest
}

// NewPerfStatsTest builds a performance-counter sampling test.
func NewPerfStatsTest(name string, ctl sched.Control, cfg Config, configs []sched.WorldConfig) (*PerfStatsTest, error) {
	base, err := newBaseTest(name, ctl, cfg, configs)
	if err != nil {
		return nil, err
	}
	return &PerfStatsTest{baseTest: base}, nil
}

// Results reports per-second rates over the sample window.
func (t *PerfStatsTest) Results() (Outcome, error) {
	snap, err := t.observe()
	if err != nil {
		return Outcome{}, err
	}
	if len(snap.PCPUs) == 0 {
		return Outcome{}, sched.Fatalf("perfstats results",
			"snapshot carries no pcpu table; verbose dumps required")
	}
	_, logical, err := t.ctl.NumCPUs()
	if err != nil {
		return Outcome{}, &sched.FatalError{Op: "perfstats cpu probe", Err: err}
	}

	var switches, migs, yields int64
	for _, w := range t.workloads {
		switches += w.Switches()
		migs += w.Migrations()
	}
	for _, rec := range snap.PCPUs {
		yields += rec.Int(sched.FieldYield)
	}

	var idleSec float64
	idleVCPUs := 0
	for _, rec := range snap.VCPUs {
		if strings.Contains(rec.Text(sched.FieldName), "idle") {
			idleSec += rec.Float(sched.FieldUsedSec)
			idleVCPUs++
		}
	}
	if idleVCPUs != logical {
		return Outcome{}, sched.Fatalf("perfstats results",
			"found %d idle vcpus, expected one per pcpu (%d)", idleVCPUs, logical)
	}

	window := t.cfg.SampleTime.Seconds()
	out := newOutcome()
	out.Metrics["switch"] = float64(switches) / window
	out.Metrics["pmigs"] = float64(migs) / window
	out.Metrics["yields"] = float64(yields) / window
	out.Metrics["idle"] = idleSec / window
	return out, nil
}

// Elements fixes the batch reporting order of the four rates.
func (t *PerfStatsTest) Elements() []string {
	return []string{"switch", "pmigs", "yields", "idle"}
}
