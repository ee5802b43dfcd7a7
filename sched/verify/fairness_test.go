package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schedtest/schedtest/sched"
	"github.com/schedtest/schedtest/sched/internal/testutil"
)

func runTest(t *testing.T, test Test) (Outcome, error) {
	t.Helper()
	if err := test.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := test.Run(); err != nil {
		t.Fatal(err)
	}
	out, err := test.Results()
	if serr := test.Shutdown(); serr != nil {
		t.Fatal(serr)
	}
	return out, err
}

// Three cpu-bound unis with 1:2:3 shares on two pcpus split time exactly
// proportionally, so every ratio lands on 1.
func TestFairness_ProportionalSharesPass(t *testing.T) {
	f := testutil.NewFakeScheduler(2, 2)
	test, err := NewFairnessTest("three unis", f, testConfig(f),
		sched.ReplicateConfigs(3, sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Run: 10}, sched.VariedShares), 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runTest(t, test)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, out.Passed())
	assert.InDelta(t, 1.0, out.Metrics["basic-01000-1-10r-00w#0"], 1e-9)
	assert.InDelta(t, 1.0, out.Metrics["basic-02000-1-10r-00w#1"], 1e-9)
	assert.InDelta(t, 1.0, out.Metrics["basic-03000-1-10r-00w#2"], 1e-9)
	assert.InDelta(t, 1.0, out.Metrics["fairness-mean"], 1e-9)
	assert.InDelta(t, 0.0, out.Metrics["fairness-worst"], 1e-9)
}

// A capped world cannot consume its share, so its ratio collapses below 1
// and its uncapped peer inherits the surplus.
func TestFairness_CappedWorldTriggersFindings(t *testing.T) {
	f := testutil.NewFakeScheduler(1, 1)
	capped := sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10, Max: 10}
	plain := sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10}
	test, err := NewFairnessTest("capped pair", f, testConfig(f), []sched.WorldConfig{capped, plain}, 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runTest(t, test)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, out.Passed())
	if !assert.Len(t, out.Findings, 2) {
		t.FailNow()
	}
	assert.Equal(t, test.key(0), out.Findings[0].World)
	assert.Contains(t, out.Findings[0].Desc, "fairness = 0.200")
	assert.InDelta(t, 0.2, out.Findings[0].Metric, 1e-9)
	assert.InDelta(t, 1.8, out.Findings[1].Metric, 1e-9)
	assert.NotEmpty(t, out.Findings[0].Snapshot)

	assert.InDelta(t, 1.0, out.Metrics["fairness-mean"], 1e-9)
	assert.InDelta(t, 0.8, out.Metrics["fairness-worst"], 1e-9)
}

// Worlds that never run leave nothing to normalize by; that is a harness
// failure, not a finding.
func TestFairness_FatalWhenNoCPUTime(t *testing.T) {
	f := testutil.NewFakeScheduler(2, 2)
	test, err := NewFairnessTest("idle pair", f, testConfig(f),
		sched.ReplicateConfigs(2, sched.WorldConfig{Kind: sched.KindTimer, VCPUs: 1, Run: 0, Wait: 10}, nil), 0)
	if err != nil {
		t.Fatal(err)
	}

	_, err = runTest(t, test)
	if err == nil {
		t.Fatal("expected a fatal error when no cpu time was used")
	}
	assert.True(t, sched.IsFatal(err))
	assert.Contains(t, err.Error(), "no cpu time")
}

func TestFairness_ElementsOrder(t *testing.T) {
	f := testutil.NewFakeScheduler(2, 2)
	test, err := NewFairnessTest("order", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindBasic, VCPUs: 1, Shares: 2000, Run: 10},
		{Kind: sched.KindTimer, VCPUs: 2, Shares: 1000, Run: 5, Wait: 5},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	els := test.Elements()
	assert.Equal(t, []string{
		"basic-02000-1-10r-00w#0",
		"timer-01000-2-05r-05w#1",
		"fairness-mean",
		"fairness-worst",
	}, els)
	for _, el := range els {
		assert.False(t, strings.ContainsAny(el, " \t"), "element %q has whitespace", el)
	}
}
