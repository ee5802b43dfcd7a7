package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schedtest/schedtest/sched"
	"github.com/schedtest/schedtest/sched/internal/testutil"
)

// A reserved world keeps its guaranteed floor against an 8x-share rival:
// without the 40% floor its share-fair slice would be about 5%.
func TestMinMax_FloorHoldsUnderContention(t *testing.T) {
	f := testutil.NewFakeScheduler(1, 1)
	reserved := sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10, Min: 40}
	rival := sched.WorldConfig{Kind: sched.KindBasic, VCPUs: 1, Shares: 8000, Run: 10}
	test, err := NewMinMaxTest("floor", f, testConfig(f), []sched.WorldConfig{reserved, rival}, 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runTest(t, test)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, out.Passed())
	// Floor of 40% plus the share-weighted remainder: 46.67% used / 40% min.
	assert.InDelta(t, 7.0/6.0, out.Metrics["minratio-basic-01000-1-10r-00w#0"], 1e-9)
	assert.Equal(t, 0.0, out.Metrics["maxratio-basic-01000-1-10r-00w#0"])
	assert.Equal(t, 0.0, out.Metrics["minratio-basic-08000-1-10r-00w#1"])
}

// An uncontended world runs straight into its cap, landing the ratio on 1.
func TestMinMax_MaxCapRespected(t *testing.T) {
	f := testutil.NewFakeScheduler(1, 1)
	test, err := NewMinMaxTest("cap", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10, Max: 25},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runTest(t, test)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, out.Passed())
	assert.InDelta(t, 1.0, out.Metrics["maxratio-basic-01000-1-10r-00w#0"], 1e-9)
}

// Usage is measured in percent of one pcpu, so a dual capped at 120 runs
// at 120% of uptime rather than 60% of its own width.
func TestMinMax_DualUsageScale(t *testing.T) {
	f := testutil.NewFakeScheduler(2, 2)
	test, err := NewMinMaxTest("dual", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindTimer, VCPUs: 2, Shares: 1000, Run: 10, Max: 120},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	out, err := runTest(t, test)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, out.Passed())
	assert.InDelta(t, 1.0, out.Metrics["maxratio-timer-01000-2-10r-00w#0"], 1e-9)
}

// Tightening the max after the sample window makes recorded usage exceed
// the bound, which must surface as a finding rather than an error.
func TestMinMax_FindsMaxViolation(t *testing.T) {
	f := testutil.NewFakeScheduler(1, 1)
	test, err := NewMinMaxTest("violation", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := test.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := test.Run(); err != nil {
		t.Fatal(err)
	}
	world := f.TestWorlds(sched.KindBasic)[0]
	if err := f.SetMax(world.ID, 50); err != nil {
		t.Fatal(err)
	}

	out, err := test.Results()
	if err != nil {
		t.Fatal(err)
	}
	if err := test.Shutdown(); err != nil {
		t.Fatal(err)
	}
	assert.False(t, out.Passed())
	if !assert.Len(t, out.Findings, 1) {
		t.FailNow()
	}
	assert.Contains(t, out.Findings[0].Desc, "above max")
	assert.InDelta(t, 2.0, out.Findings[0].Metric, 1e-9)
}

// A min granted after the window reads back against usage the capped world
// never reached.
func TestMinMax_FindsMinShortfall(t *testing.T) {
	f := testutil.NewFakeScheduler(1, 1)
	test, err := NewMinMaxTest("shortfall", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10, Max: 30},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := test.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := test.Run(); err != nil {
		t.Fatal(err)
	}
	world := f.TestWorlds(sched.KindBasic)[0]
	if err := f.SetMin(world.ID, 60); err != nil {
		t.Fatal(err)
	}

	out, err := test.Results()
	if err != nil {
		t.Fatal(err)
	}
	if err := test.Shutdown(); err != nil {
		t.Fatal(err)
	}
	assert.False(t, out.Passed())
	if !assert.Len(t, out.Findings, 1) {
		t.FailNow()
	}
	assert.Contains(t, out.Findings[0].Desc, "below min")
	assert.InDelta(t, 0.5, out.Findings[0].Metric, 1e-9)
	assert.InDelta(t, 0.5, out.Metrics["minratio-basic-01000-1-10r-00w#0"], 1e-9)
	assert.InDelta(t, 1.0, out.Metrics["maxratio-basic-01000-1-10r-00w#0"], 1e-9)
}

func TestMinMax_FatalOnZeroUptime(t *testing.T) {
	f := testutil.NewFakeScheduler(1, 1)
	test, err := NewMinMaxTest("uptime", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := test.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := test.Run(); err != nil {
		t.Fatal(err)
	}
	// A reset right before reading makes every uptime zero.
	if err := f.ResetStats(); err != nil {
		t.Fatal(err)
	}

	_, err = test.Results()
	if err == nil {
		t.Fatal("expected a fatal error for zero uptime")
	}
	assert.True(t, sched.IsFatal(err))
}

func TestMinMax_ElementsPairs(t *testing.T) {
	f := testutil.NewFakeScheduler(2, 2)
	test, err := NewMinMaxTest("order", f, testConfig(f), []sched.WorldConfig{
		{Kind: sched.KindBasic, VCPUs: 1, Shares: 1000, Run: 10, Min: 40},
		{Kind: sched.KindTimer, VCPUs: 2, Shares: 3000, Run: 10, Wait: 5},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, []string{
		"minratio-basic-01000-1-10r-00w#0",
		"maxratio-basic-01000-1-10r-00w#0",
		"minratio-timer-03000-2-10r-05w#1",
		"maxratio-timer-03000-2-10r-05w#1",
	}, test.Elements())
}
