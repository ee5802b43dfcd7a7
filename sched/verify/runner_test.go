package verify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schedtest/schedtest/sched"
	"github.com/schedtest/schedtest/sched/internal/testutil"
)

// stubTest records lifecycle calls and returns canned results, so the
// runner's sequencing and reporting can be checked without workloads.
type stubTest struct {
	name        string
	outcome     Outcome
	elements    []string
	setupErr    error
	runErr      error
	resultsErr  error
	shutdownErr error
	calls       []string
}

func (s *stubTest) Name() string  { return s.name }
func (s *stubTest) Setup() error  { s.calls = append(s.calls, "setup"); return s.setupErr }
func (s *stubTest) Run() error    { s.calls = append(s.calls, "run"); return s.runErr }
func (s *stubTest) Results() (Outcome, error) {
	s.calls = append(s.calls, "results")
	return s.outcome, s.resultsErr
}
func (s *stubTest) Shutdown() error    { s.calls = append(s.calls, "shutdown"); return s.shutdownErr }
func (s *stubTest) Elements() []string { return s.elements }

func newRunner(f *testutil.FakeScheduler, out *bytes.Buffer) *Runner {
	return &Runner{Ctl: f, Cfg: DefaultConfig(), Out: out}
}

func TestRunner_ProsePassingTestIsQuiet(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	stub := &stubTest{name: "steady", outcome: Outcome{Metrics: map[string]float64{"x": 1}}}

	results, err := r.Run([]Test{stub})
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, results, 1)
	assert.True(t, results[0].Passed())
	assert.Equal(t, []string{"setup", "run", "results", "shutdown"}, stub.calls)

	want := "Test [0]: steady PASSED\n\n" + strings.Repeat("-", 100) + "\n\n"
	assert.Equal(t, want, out.String())
}

// Verbose runs print metrics even for passing tests, sorted by name.
func TestRunner_ProseVerbosePrintsSortedMetrics(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	r.Verbose = 1
	stub := &stubTest{name: "steady", outcome: Outcome{Metrics: map[string]float64{"b": 2, "a": 1.5}}}

	if _, err := r.Run([]Test{stub}); err != nil {
		t.Fatal(err)
	}
	want := "Test [0]: steady PASSED\n" +
		fmt.Sprintf("%-8s %5.3f\n", "a", 1.5) +
		fmt.Sprintf("%-8s %5.3f\n", "b", 2.0) +
		"\n" + strings.Repeat("-", 100) + "\n\n"
	assert.Equal(t, want, out.String())
}

// A failing test prints one ERROR line per finding, then its metrics
// regardless of verbosity.
func TestRunner_ProseFailureListsFindings(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	stub := &stubTest{
		name: "broken",
		outcome: Outcome{
			Metrics: map[string]float64{"x": 0.2},
			Findings: []Finding{
				{Desc: "fairness = 0.200", World: "basic-01000-1-10r-00w#0", Metric: 0.2},
				{Desc: "totals off"},
			},
		},
	}

	if _, err := r.Run([]Test{stub}); err != nil {
		t.Fatal(err)
	}
	want := "Test [0]: broken FAILED\n" +
		"ERROR (broken): *** fairness = 0.200 [basic-01000-1-10r-00w#0] ***\n" +
		"ERROR (broken): *** totals off ***\n" +
		fmt.Sprintf("%-8s %5.3f\n", "x", 0.2) +
		"\n" + strings.Repeat("-", 100) + "\n\n"
	assert.Equal(t, want, out.String())
}

// At verbosity 2 each distinct snapshot behind the findings is dumped
// once, not once per finding.
func TestRunner_ProseSnapshotsDeduped(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	r.Verbose = 2
	stub := &stubTest{
		name: "broken",
		outcome: Outcome{
			Metrics: map[string]float64{},
			Findings: []Finding{
				{Desc: "one", Snapshot: "3 3 tw.3 50.000"},
				{Desc: "two", Snapshot: "3 3 tw.3 50.000"},
				{Desc: "three"},
			},
		},
	}

	if _, err := r.Run([]Test{stub}); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1, strings.Count(out.String(), "3 3 tw.3 50.000"))
}

// Batch mode emits STATUS plus "element = value" lines in the test's own
// element order, skipping elements the outcome never produced.
func TestRunner_BatchFormat(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	r.Batch = true
	pass := &stubTest{
		name:     "steady",
		elements: []string{"b", "a"},
		outcome:  Outcome{Metrics: map[string]float64{"a": 1, "b": 2, "c": 3}},
	}
	fail := &stubTest{
		name:     "broken",
		elements: []string{"missing"},
		outcome:  Outcome{Findings: []Finding{{Desc: "bad"}}},
	}

	if _, err := r.Run([]Test{pass, fail}); err != nil {
		t.Fatal(err)
	}
	want := "STATUS=PASS\n" +
		"b = 2.000000\n" +
		"a = 1.000000\n" +
		"STATUS=FAIL\n"
	assert.Equal(t, want, out.String())
}

// Shutdown runs even when Run failed, and a fatal error stops the
// remaining tests cold.
func TestRunner_FatalAbortsRemainingTests(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	boom := errors.New("world 7 never appeared")
	first := &stubTest{name: "first", runErr: boom}
	second := &stubTest{name: "second"}

	results, err := r.Run([]Test{first, second})
	assert.Equal(t, boom, err)
	assert.Len(t, results, 1)
	assert.Equal(t, boom, results[0].Err)
	assert.Equal(t, []string{"setup", "run", "shutdown"}, first.calls)
	assert.Empty(t, second.calls)
}

// A clean test whose shutdown fails still counts as failed: leaked
// worlds would poison every test after it.
func TestRunner_ShutdownErrorFailsTheTest(t *testing.T) {
	var out bytes.Buffer
	r := newRunner(testutil.NewFakeScheduler(2, 2), &out)
	leak := errors.New("stop failed")
	stub := &stubTest{name: "leaky", outcome: newOutcome(), shutdownErr: leak}

	results, err := r.Run([]Test{stub})
	assert.Equal(t, leak, err)
	assert.Len(t, results, 1)
	assert.False(t, results[0].Passed())
}

// Preparation clears test worlds an aborted run left behind.
func TestRunner_PrepareStopsStaleWorlds(t *testing.T) {
	f := testutil.NewFakeScheduler(2, 2)
	if err := f.StartWorld(sched.KindBasic, 1, 1000, 10, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := f.MaxWorldID(); err != nil {
		t.Fatal(err)
	}
	if len(f.TestWorlds(sched.KindBasic)) != 1 {
		t.Fatal("stale world was not created")
	}

	var out bytes.Buffer
	if _, err := newRunner(f, &out).Run(nil); err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, f.TestWorlds(sched.KindBasic))
}

func TestResult_Passed(t *testing.T) {
	clean := Result{Outcome: newOutcome()}
	assert.True(t, clean.Passed())

	failed := Result{Outcome: Outcome{Findings: []Finding{{Desc: "bad"}}}}
	assert.False(t, failed.Passed())

	fatal := Result{Outcome: newOutcome(), Err: errors.New("lost control")}
	assert.False(t, fatal.Passed())
}
