package verify

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/schedtest/schedtest/sched"
)

// FairnessTest verifies proportional-share allocation. Each workload's
// fraction of the total cpu time used, normalized by its fraction of the
// total shares, should come out near 1. The tolerance is per-test: mixed
// duty-cycle scenarios legitimately deviate more than pure cpu burners.
type FairnessTest struct {
	*baseTest
	maxUnfairness float64
}

// NewFairnessTest builds a fairness test over the given workload configs.
// maxUnfairness <= 0 selects the default tolerance.
func NewFairnessTest(name string, ctl sched.Control, cfg Config, configs []sched.WorldConfig, maxUnfairness float64) (*FairnessTest, error) {
	base, err := newBaseTest(name, ctl, cfg, configs)
	if err != nil {
		return nil, err
	}
	if maxUnfairness <= 0 {
		maxUnfairness = MaxUnfairness
	}
	return &FairnessTest{baseTest: base, maxUnfairness: maxUnfairness}, nil
}

// Results computes the fairness ratio per workload plus the mean ratio and
// worst deviation across the set.
func (t *FairnessTest) Results() (Outcome, error) {
	snap, err := t.observe()
	if err != nil {
		return Outcome{}, err
	}

	var totalUsed float64
	var totalShares int
	for _, w := range t.workloads {
		totalUsed += w.UsedSec()
		totalShares += w.Config().Shares
	}
	if totalUsed <= 0 || totalShares <= 0 {
		return Outcome{}, sched.Fatalf("fairness results",
			"test worlds recorded no cpu time (used %.3f, shares %d)", totalUsed, totalShares)
	}

	out := newOutcome()
	ratios := make(stats.Float64Data, 0, len(t.workloads))
	devs := make(stats.Float64Data, 0, len(t.workloads))
	for i, w := range t.workloads {
		usedFrac := w.UsedSec() / totalUsed
		shareFrac := float64(w.Config().Shares) / float64(totalShares)
		ratio := usedFrac / shareFrac
		out.Metrics[t.key(i)] = ratio
		ratios = append(ratios, ratio)
		devs = append(devs, math.Abs(ratio-1))
		if math.Abs(ratio-1) > t.maxUnfairness {
			finding(&out, snap, t.key(i), fmt.Sprintf("fairness = %2.3f", ratio), ratio)
		}
	}
	if mean, err := ratios.Mean(); err == nil {
		out.Metrics["fairness-mean"] = mean
	}
	if worst, err := devs.Max(); err == nil {
		out.Metrics["fairness-worst"] = worst
	}
	return out, nil
}

// Elements lists the per-workload ratios in start order, then the
// aggregates.
func (t *FairnessTest) Elements() []string {
	els := make([]string, 0, len(t.workloads)+2)
	for i := range t.workloads {
		els = append(els, t.key(i))
	}
	return append(els, "fairness-mean", "fairness-worst")
}
