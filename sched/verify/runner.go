package verify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/schedtest/schedtest/sched"
)

// Result is the runner-level outcome of one test: what the test reported
// plus any fatal error that cut it short.
type Result struct {
	Name    string
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Passed reports whether the test completed and found nothing.
func (r Result) Passed() bool { return r.Err == nil && r.Outcome.Passed() }

// Runner executes tests strictly in sequence against one control surface.
// Verbose 1 prints metrics for passing tests too; 2 additionally dumps the
// snapshot behind each finding. Batch switches to the machine-readable
// STATUS/element format.
type Runner struct {
	Ctl     sched.Control
	Cfg     Config
	Out     io.Writer
	Verbose int
	Batch   bool
}

// Run prepares the scheduler, then drives every test through
// Setup/Run/Results/Shutdown. Shutdown always runs, even after a failed
// phase. A fatal error aborts the remaining tests; results collected so
// far are still returned.
func (r *Runner) Run(tests []Test) ([]Result, error) {
	if r.Out == nil {
		r.Out = os.Stdout
	}
	if err := r.prepare(); err != nil {
		return nil, err
	}
	var results []Result
	for i, test := range tests {
		res := r.runOne(test)
		results = append(results, res)
		if r.Batch {
			r.printBatch(test, res)
		} else {
			r.printProse(i, res)
		}
		if res.Err != nil {
			return results, res.Err
		}
	}
	return results, nil
}

// prepare enables verbose dumps and clears any test worlds a previous
// aborted run left behind.
func (r *Runner) prepare() error {
	if err := r.Ctl.EnableVerbose(); err != nil {
		return &sched.FatalError{Op: "enabling verbose dumps", Err: err}
	}
	for _, kind := range []sched.WorldKind{sched.KindBasic, sched.KindTimer} {
		if err := r.Ctl.StopAll(kind); err != nil {
			return &sched.FatalError{Op: "stopping stale worlds", Err: err}
		}
	}
	return nil
}

func (r *Runner) runOne(test Test) Result {
	start := time.Now()
	res := Result{Name: test.Name()}
	logrus.Infof("running test %q", res.Name)

	err := func() error {
		if err := test.Setup(); err != nil {
			return err
		}
		if err := test.Run(); err != nil {
			return err
		}
		out, err := test.Results()
		if err != nil {
			return err
		}
		res.Outcome = out
		return nil
	}()
	if serr := test.Shutdown(); serr != nil {
		if err == nil {
			err = serr
		} else {
			logrus.Warnf("%s: shutdown after failure: %v", res.Name, serr)
		}
	}
	res.Err = err
	res.Elapsed = time.Since(start)
	logrus.Debugf("test %q finished in %s", res.Name, res.Elapsed)
	return res
}

func (r *Runner) printProse(i int, res Result) {
	if res.Passed() {
		fmt.Fprintf(r.Out, "Test [%d]: %s PASSED\n", i, res.Name)
	} else {
		fmt.Fprintf(r.Out, "Test [%d]: %s FAILED\n", i, res.Name)
		for _, f := range res.Outcome.Findings {
			fmt.Fprintf(r.Out, "ERROR (%s): *** %s ***\n", res.Name, f)
		}
		if res.Err != nil {
			fmt.Fprintf(r.Out, "ERROR (%s): *** %s ***\n", res.Name, res.Err)
		}
		if r.Verbose > 1 {
			r.printSnapshots(res.Outcome.Findings)
		}
	}
	if r.Verbose > 0 || !res.Passed() {
		for _, k := range res.Outcome.SortedKeys() {
			fmt.Fprintf(r.Out, "%-8s %5.3f\n", k, res.Outcome.Metrics[k])
		}
	}
	fmt.Fprintf(r.Out, "\n%s\n\n", strings.Repeat("-", 100))
}

// printSnapshots dumps each distinct snapshot behind the findings once.
// Consecutive findings usually share one snapshot, so comparing against
// the previous is enough.
func (r *Runner) printSnapshots(findings []Finding) {
	prev := ""
	for _, f := range findings {
		if f.Snapshot == "" || f.Snapshot == prev {
			continue
		}
		fmt.Fprintln(r.Out, f.Snapshot)
		prev = f.Snapshot
	}
}

func (r *Runner) printBatch(test Test, res Result) {
	if res.Passed() {
		fmt.Fprintln(r.Out, "STATUS=PASS")
	} else {
		fmt.Fprintln(r.Out, "STATUS=FAIL")
	}
	for _, el := range test.Elements() {
		if v, ok := res.Outcome.Metrics[el]; ok {
			fmt.Fprintf(r.Out, "%s = %f\n", el, v)
		}
	}
}
