package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/schedtest/schedtest/sched"
	"github.com/schedtest/schedtest/sched/verify"
)

var (
	sampleSeconds int    // Sample window per test (seconds)
	testIndices   string // Comma-separated indices into the assembled test list
	sizeFactor    int    // Workload count multiplier for every test
	batchOutput   bool   // Machine-readable STATUS/element output
	withBurner    bool   // Keep a cpu burner running during the tests
	verbose       bool   // Print metrics for passing tests too
	veryVerbose   bool   // Additionally dump the snapshot behind each finding
	scenarioPath  string // YAML scenario file replacing the built-in suites
	seed          int64  // Seed for randomized affinity rerolls
)

// runCmd executes the selected suites against the live scheduler
var runCmd = &cobra.Command{
	Use:   "run [suite...]",
	Short: "Run verification suites against the scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		if verbose && veryVerbose {
			logrus.Fatalf("--verbose and --very-verbose are mutually exclusive")
		}

		cfg := verify.DefaultConfig()
		cfg.SampleTime = time.Duration(sampleSeconds) * time.Second
		cfg.SizeFactor = sizeFactor
		cfg.Seed = seed

		ctl := sched.NewProcControl(procRoot)
		sys, err := verify.Probe(ctl)
		if err != nil {
			logrus.Fatalf("Probing the scheduler failed: %v", err)
		}
		logrus.Infof("scheduler has %d physical / %d logical cpus, htsharing=%v",
			sys.Physical, sys.Logical, sys.HTSharing)

		tests, err := assembleTests(args, ctl, cfg, sys)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		tests, err = selectTests(tests, testIndices)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if len(tests) == 0 {
			logrus.Fatalf("No tests selected")
		}

		var burner *sched.Burner
		if withBurner {
			burner = sched.StartBurner()
		}
		runner := &verify.Runner{Ctl: ctl, Cfg: cfg, Out: os.Stdout, Verbose: verbosity(), Batch: batchOutput}
		results, err := runner.Run(tests)
		if burner != nil {
			burner.Stop()
		}
		if err != nil {
			logrus.Fatalf("Test run aborted: %v", err)
		}

		failed := 0
		for _, res := range results {
			if !res.Passed() {
				failed++
			}
		}
		if failed > 0 {
			logrus.Errorf("%d of %d tests failed", failed, len(results))
			os.Exit(1)
		}
		logrus.Infof("all %d tests passed", len(results))
	},
}

// assembleTests resolves the positional suite names, or the scenario file,
// into the ordered test list. No arguments (or the single word "all") runs
// every suite.
func assembleTests(args []string, ctl sched.Control, cfg verify.Config, sys verify.System) ([]verify.Test, error) {
	if scenarioPath != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--scenario replaces the suite arguments, drop %q", args[0])
		}
		s, err := verify.LoadScenario(scenarioPath)
		if err != nil {
			return nil, err
		}
		return s.Build(ctl, cfg, sys)
	}
	names := args
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		names = verify.SuiteNames()
	}
	return verify.BuildSuites(names, ctl, cfg, sys)
}

// selectTests applies the comma-separated index filter. Indices refer to
// positions in the assembled list, as printed by the list command.
func selectTests(tests []verify.Test, filter string) ([]verify.Test, error) {
	if filter == "" {
		return tests, nil
	}
	keep := make(map[int]bool)
	for _, part := range strings.Split(filter, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad test index %q", part)
		}
		if n < 0 || n >= len(tests) {
			return nil, fmt.Errorf("test index %d out of range, have %d tests", n, len(tests))
		}
		keep[n] = true
	}
	selected := make([]verify.Test, 0, len(keep))
	for i, t := range tests {
		if keep[i] {
			selected = append(selected, t)
		}
	}
	return selected, nil
}

// verbosity maps the two flag levels onto the runner's integer knob.
func verbosity() int {
	switch {
	case veryVerbose:
		return 2
	case verbose:
		return 1
	}
	return 0
}

// init sets up CLI flags and attaches `run` to `root`
func init() {
	runCmd.Flags().IntVarP(&sampleSeconds, "runtime", "t", 50, "Sample window per test (seconds)")
	runCmd.Flags().StringVarP(&testIndices, "tests", "n", "", "Comma-separated test indices to run (default: all)")
	runCmd.Flags().IntVarP(&sizeFactor, "size", "S", 1, "Workload count multiplier for every test")
	runCmd.Flags().BoolVarP(&batchOutput, "batch", "b", false, "Machine-readable STATUS/element output")
	runCmd.Flags().BoolVarP(&withBurner, "burner", "B", false, "Run a cpu burner alongside the tests")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print metrics for passing tests too")
	runCmd.Flags().BoolVarP(&veryVerbose, "very-verbose", "V", false, "Also dump the snapshot behind each failure")
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "YAML scenario file replacing the built-in suites")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for randomized affinity rerolls")

	rootCmd.AddCommand(runCmd)
}
