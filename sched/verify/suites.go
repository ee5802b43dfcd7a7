package verify

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/schedtest/schedtest/sched"
)

// SuiteNames lists the runnable suites in their canonical execution order.
func SuiteNames() []string {
	return []string{"fairness", "minmax", "affinity", "affintorture", "perfstats", "htsharing", "admission"}
}

// BuildSuite constructs the named suite's tests. The htsharing suite comes
// back empty on systems whose scheduler exposes no htsharing controls.
func BuildSuite(name string, ctl sched.Control, cfg Config, sys System) ([]Test, error) {
	switch name {
	case "fairness":
		return fairnessSuite(ctl, cfg)
	case "minmax":
		return minmaxSuite(ctl, cfg)
	case "affinity":
		return affinitySuite(ctl, cfg)
	case "affintorture":
		return affintortureSuite(ctl, cfg)
	case "perfstats":
		return perfstatsSuite(ctl, cfg)
	case "htsharing":
		return htsharingSuite(ctl, cfg, sys)
	case "admission":
		return []Test{NewAdmissionTest("admission control", ctl, cfg, sys)}, nil
	default:
		return nil, fmt.Errorf("unknown suite %q", name)
	}
}

// BuildSuites concatenates the named suites in the given order.
func BuildSuites(names []string, ctl sched.Control, cfg Config, sys System) ([]Test, error) {
	var tests []Test
	for _, name := range names {
		suite, err := BuildSuite(name, ctl, cfg, sys)
		if err != nil {
			return nil, err
		}
		tests = append(tests, suite...)
	}
	return tests, nil
}

// suiteBuilder accumulates tests and the first construction error, so the
// catalog functions read as flat lists.
type suiteBuilder struct {
	ctl   sched.Control
	cfg   Config
	tests []Test
	err   error
}

func (b *suiteBuilder) add(t Test, err error) {
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	b.tests = append(b.tests, t)
}

func (b *suiteBuilder) fairness(name string, maxUnfairness float64, configs []sched.WorldConfig) {
	b.add(NewFairnessTest(name, b.ctl, b.cfg, configs, maxUnfairness))
}

func (b *suiteBuilder) minmax(name string, configs []sched.WorldConfig) {
	b.add(NewMinMaxTest(name, b.ctl, b.cfg, configs, 0))
}

func (b *suiteBuilder) torture(name string, configs []sched.WorldConfig) {
	b.add(NewAffinityTortureTest(name, b.ctl, b.cfg, configs, 0))
}

func (b *suiteBuilder) perfstats(name string, configs []sched.WorldConfig) {
	b.add(NewPerfStatsTest(name, b.ctl, b.cfg, configs))
}

func basicWorld(run, wait, shares, vcpus int) sched.WorldConfig {
	return sched.WorldConfig{Kind: sched.KindBasic, Run: run, Wait: wait, Shares: shares, VCPUs: vcpus}
}

func timerWorld(run, wait, shares, vcpus int) sched.WorldConfig {
	return sched.WorldConfig{Kind: sched.KindTimer, Run: run, Wait: wait, Shares: shares, VCPUs: vcpus}
}

func withAffinity(cfg sched.WorldConfig, a sched.Affinity) sched.WorldConfig {
	cfg.Affinity = a
	return cfg
}

func fairnessSuite(ctl sched.Control, cfg Config) ([]Test, error) {
	b := &suiteBuilder{ctl: ctl, cfg: cfg}

	b.fairness("13 cpu-bound basic VMs, varied shares", 0,
		sched.ReplicateConfigs(13, basicWorld(10, 0, 1000, 1), sched.VariedShares))

	b.fairness("13x10-10VMs, varied shares", 0,
		sched.ReplicateConfigs(13, timerWorld(10, 10, 1000, 1), sched.VariedShares))

	var mixed []sched.WorldConfig
	for i := 1; i <= 4; i++ {
		mixed = append(mixed, basicWorld(10, 0, i*1000, 1), basicWorld(10, 0, i*1000, 2))
	}
	b.fairness("cpu bound, 4 dual, 4 uni, varied shares", 0, mixed)

	b.fairness("3x10-0VMs, same shares", 0,
		sched.ReplicateConfigs(3, timerWorld(10, 0, 1000, 1), nil))

	// Mostly-waiting worlds, so ratios drift much further from 1 than
	// under full load.
	var waiting []sched.WorldConfig
	for _, shares := range []int{1000, 2000, 3000, 3000, 1000, 2000, 3000, 1000, 2000, 3000} {
		waiting = append(waiting, timerWorld(1, 4, shares, 1))
	}
	b.fairness("10VMs excessWaiting", 0.4, waiting)

	b.fairness("3x5-5unis, 3x5-5duals, same shares", 0, uniDualTimerMix())

	return b.tests, b.err
}

func minmaxSuite(ctl sched.Control, cfg Config) ([]Test, error) {
	b := &suiteBuilder{ctl: ctl, cfg: cfg}

	// Three reserved worlds plus a big unreserved one trying to starve them.
	basicMin := sched.ReplicateConfigs(3, basicWorld(10, 0, 1000, 1), func(i int, c *sched.WorldConfig) {
		c.Min = 40
	})
	basicMin = append(basicMin, basicWorld(10, 0, 8000, 1))
	b.minmax("basicMin", basicMin)

	b.minmax("underCommitMax", sched.ReplicateConfigs(3, basicWorld(10, 0, 1000, 1), func(i int, c *sched.WorldConfig) {
		c.Max = 25
	}))

	b.minmax("4uni-MinMax+variedShares", sched.ReplicateConfigs(4, timerWorld(5, 5, 1000, 1), func(i int, c *sched.WorldConfig) {
		sched.VariedShares(i, c)
		c.Min = 20
		c.Max = 40
	}))

	dual1 := timerWorld(10, 5, 1000, 2)
	dual1.Min = 120
	uni2 := timerWorld(10, 5, 6000, 1)
	uni2.Max = 50
	b.minmax("uni-Dual-minmax-mix", []sched.WorldConfig{
		dual1, timerWorld(10, 5, 3000, 2), timerWorld(10, 5, 2000, 1), uni2,
	})

	return b.tests, b.err
}

func affinitySuite(ctl sched.Control, cfg Config) ([]Test, error) {
	b := &suiteBuilder{ctl: ctl, cfg: cfg}

	var onePCPU []sched.WorldConfig
	for _, shares := range []int{1000, 4000, 4000, 4000, 12000} {
		onePCPU = append(onePCPU, withAffinity(basicWorld(10, 0, shares, 1), sched.SharedSet(1)))
	}
	b.fairness("1pcpuAffinityFairness", 0.15, onePCPU)

	// Both pcpus carry 16000 shares, so global fairness holds despite the
	// pinning.
	b.fairness("2pcpuBalancedAffinity", 0, []sched.WorldConfig{
		withAffinity(timerWorld(10, 2, 1000, 1), sched.SharedSet(1)),
		withAffinity(timerWorld(10, 2, 5000, 1), sched.SharedSet(1)),
		withAffinity(timerWorld(10, 2, 10000, 1), sched.SharedSet(1)),
		withAffinity(timerWorld(10, 2, 5000, 1), sched.SharedSet(0)),
		withAffinity(timerWorld(10, 2, 5000, 1), sched.SharedSet(0)),
		withAffinity(timerWorld(10, 2, 6000, 1), sched.SharedSet(0)),
	})

	b.fairness("2wayBalancedAffinity", 0, []sched.WorldConfig{
		withAffinity(timerWorld(10, 2, 1000, 2), sched.PinEach(0, 1)),
		withAffinity(timerWorld(10, 2, 5000, 2), sched.PinEach(1, 0)),
		withAffinity(timerWorld(10, 2, 10000, 2), sched.PinEach(0, 1)),
	})

	return b.tests, b.err
}

func affintortureSuite(ctl sched.Control, cfg Config) ([]Test, error) {
	b := &suiteBuilder{ctl: ctl, cfg: cfg}

	b.torture("9unisCpubndTorture", sched.ReplicateConfigs(9, basicWorld(10, 0, 1000, 1), nil))
	b.torture("5dualsCpubndTorture", sched.ReplicateConfigs(5, basicWorld(10, 0, 1000, 2), nil))

	mixed := sched.ReplicateConfigs(5, timerWorld(5, 5, 1000, 2), nil)
	mixed = append(mixed, sched.ReplicateConfigs(4, timerWorld(8, 2, 2000, 1), nil)...)
	b.torture("mixedUniSmpTorture", mixed)

	return b.tests, b.err
}

func perfstatsSuite(ctl sched.Control, cfg Config) ([]Test, error) {
	b := &suiteBuilder{ctl: ctl, cfg: cfg}

	var timers []sched.WorldConfig
	for i := 1; i <= 3; i++ {
		timers = append(timers, timerWorld(3, 1, i*1000, 2), timerWorld(3, 1, i*1000, 1))
	}
	b.perfstats("3x3-1 dual, 3x3-1 uni timerworld VMs", timers)

	b.perfstats("13 cpu-bound dual-cpu basic VMs", sched.ReplicateConfigs(13, basicWorld(10, 0, 1000, 2), nil))
	b.perfstats("13 cpu-bound basic VMs", sched.ReplicateConfigs(13, basicWorld(10, 0, 1000, 1), nil))
	b.perfstats("21 5-5 uni timerworld VMs", sched.ReplicateConfigs(21, timerWorld(5, 5, 1000, 1), nil))
	b.perfstats("11 5-5 dual-cpu timerworld VMs", sched.ReplicateConfigs(11, timerWorld(5, 5, 1000, 2), nil))

	return b.tests, b.err
}

func htsharingSuite(ctl sched.Control, cfg Config, sys System) ([]Test, error) {
	if !sys.HTSharing {
		logrus.Info("scheduler exposes no htsharing controls, skipping htsharing suite")
		return nil, nil
	}
	b := &suiteBuilder{ctl: ctl, cfg: cfg}

	internal := uniDualTimerMix()
	internal[3].HTSharing = "internal"
	internal[4].HTSharing = "internal"
	b.fairness("3x5-5unis, 3x5-5duals, some 'internal' htsharing", 0, internal)

	none := uniDualTimerMix()
	none[0].HTSharing = "none"
	none[3].HTSharing = "none"
	b.fairness("3x5-5unis, 3x5-5duals, some 'none' htsharing", 0, none)

	return b.tests, b.err
}

// uniDualTimerMix is the recurring three-unis-three-duals half-duty set.
func uniDualTimerMix() []sched.WorldConfig {
	mix := sched.ReplicateConfigs(3, timerWorld(5, 5, 1000, 1), nil)
	return append(mix, sched.ReplicateConfigs(3, timerWorld(5, 5, 1000, 2), nil)...)
}
