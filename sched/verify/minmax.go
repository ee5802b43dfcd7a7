package verify

import (
	"fmt"

	"github.com/schedtest/schedtest/sched"
)

// MinMaxTest verifies that granted cpu reservations and limits bound actual
// usage. Usage is measured as a percentage of one pcpu over the leader
// vcpu's uptime, the same scale the min and max controls use, so a dual
// world capped at 120 should report usage near 120.
type MinMaxTest struct {
	*baseTest
	maxErr float64
}

// NewMinMaxTest builds a min/max bounds test. maxErr <= 0 selects the
// default relative tolerance.
func NewMinMaxTest(name string, ctl sched.Control, cfg Config, configs []sched.WorldConfig, maxErr float64) (*MinMaxTest, error) {
	base, err := newBaseTest(name, ctl, cfg, configs)
	if err != nil {
		return nil, err
	}
	if maxErr <= 0 {
		maxErr = MaxMinMaxError
	}
	return &MinMaxTest{baseTest: base, maxErr: maxErr}, nil
}

// Results reads the granted min, the max and the uptime from each
// workload's leader record and reports usage/bound ratios. A zero bound
// disables that side of the check but still reports a zero ratio, keeping
// the metric set stable across workloads.
func (t *MinMaxTest) Results() (Outcome, error) {
	snap, err := t.observe()
	if err != nil {
		return Outcome{}, err
	}

	out := newOutcome()
	for i, w := range t.workloads {
		uptime := w.LeaderFloat(sched.FieldUptime)
		if uptime <= 0 {
			return Outcome{}, sched.Fatalf("minmax results",
				"%s reports uptime %.3f", t.key(i), uptime)
		}
		minPct := float64(w.LeaderInt(sched.FieldMin))
		maxPct := float64(w.LeaderInt(sched.FieldMax))
		usage := w.UsedSec() / uptime * 100

		var minRatio, maxRatio float64
		if minPct > 0 {
			minRatio = usage / minPct
			if minRatio < 1-t.maxErr {
				finding(&out, snap, t.key(i),
					fmt.Sprintf("usage %.3f%% below min %.0f%%", usage, minPct), minRatio)
			}
		}
		if maxPct > 0 {
			maxRatio = usage / maxPct
			if maxRatio > 1+t.maxErr {
				finding(&out, snap, t.key(i),
					fmt.Sprintf("usage %.3f%% above max %.0f%%", usage, maxPct), maxRatio)
			}
		}
		out.Metrics["minratio-"+t.key(i)] = minRatio
		out.Metrics["maxratio-"+t.key(i)] = maxRatio
	}
	return out, nil
}

// Elements pairs each workload's min and max ratios in start order.
func (t *MinMaxTest) Elements() []string {
	els := make([]string, 0, 2*len(t.workloads))
	for i := range t.workloads {
		els = append(els, "minratio-"+t.key(i), "maxratio-"+t.key(i))
	}
	return els
}
