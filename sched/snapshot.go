package sched

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// dataLine matches table rows: optional leading whitespace then a digit.
// Everything else (blank lines, headers, EOF) terminates a table.
var dataLine = regexp.MustCompile(`^\s*\d`)

// Snapshot captures the scheduler's state at one instant, parsed from the
// cpu-verbose dump. PCPUs and VCPUs preserve file order exactly. Global is
// only present in verbose dumps. VCPULines keeps the raw vcpu table rows
// (including ones that failed to parse) for failure diagnostics.
type Snapshot struct {
	Global    *Record
	PCPUs     []Record
	VCPUs     []Record
	VCPULines []string
}

// ParseSnapshot parses the raw text of a scheduler state dump. A corrupt
// individual line is logged and dropped; it never aborts the parse. A
// truncated dump yields a snapshot containing whatever tables were read;
// callers assert on snapshot structure (leader vcpus, idle counts) where
// completeness matters.
//
// Verbose dumps carry, in order: a one-record global table, a blank line,
// a variable-length cell section (skipped), a pcpu table, and the vcpu
// table. Non-verbose dumps start directly at the vcpu table.
func ParseSnapshot(text string, verbose bool) *Snapshot {
	snap := &Snapshot{}
	sc := bufio.NewScanner(strings.NewReader(text))
	next := func() (string, bool) {
		if sc.Scan() {
			return sc.Text(), true
		}
		return "", false
	}

	if verbose {
		gh, ok := next()
		if !ok {
			return snap
		}
		gd, _ := next()
		if rec, err := NewRecord(strings.Fields(gh), strings.Fields(gd)); err != nil {
			logrus.Warnf("skipping global record: %v", err)
		} else {
			snap.Global = &rec
		}

		next() // blank separator
		next() // cell table header

		// Skip cell rows. The first non-matching line is the separator
		// before the pcpu table and is consumed here.
		for {
			line, ok := next()
			if !ok || !dataLine.MatchString(line) {
				break
			}
		}

		ph, ok := next()
		if !ok {
			return snap
		}
		pcpuHeaders := strings.Fields(ph)
		for {
			line, ok := next()
			if !ok || !dataLine.MatchString(line) {
				break
			}
			rec, err := NewRecord(pcpuHeaders, strings.Fields(line))
			if err != nil {
				logrus.Warnf("skipping pcpu line %q: %v", line, err)
				continue
			}
			snap.PCPUs = append(snap.PCPUs, rec)
		}
	}

	// The vcpu table is present in both verbose and non-verbose dumps.
	vh, ok := next()
	if !ok {
		return snap
	}
	vcpuHeaders := strings.Fields(vh)
	for {
		line, ok := next()
		if !ok || !dataLine.MatchString(line) {
			break
		}
		snap.VCPULines = append(snap.VCPULines, line)
		rec, err := NewRecord(vcpuHeaders, strings.Fields(line))
		if err != nil {
			logrus.Warnf("skipping vcpu line %q: %v", line, err)
			continue
		}
		snap.VCPUs = append(snap.VCPUs, rec)
	}
	return snap
}

// Load reads the verbose scheduler dump through c and parses it.
func Load(c Control) (*Snapshot, error) {
	text, err := c.Dump()
	if err != nil {
		return nil, fmt.Errorf("reading scheduler dump: %w", err)
	}
	return ParseSnapshot(text, true), nil
}

// WorldVCPUs returns the vcpu records belonging to the given world, in
// dump order.
func (s *Snapshot) WorldVCPUs(id WorldID) []Record {
	var out []Record
	for _, v := range s.VCPUs {
		if WorldID(v.Int(FieldWorld)) == id {
			out = append(out, v)
		}
	}
	return out
}

// MaxWorldID returns the highest world id present in the vcpu table, or -1
// when the table is empty.
func (s *Snapshot) MaxWorldID() WorldID {
	max := WorldID(-1)
	for _, v := range s.VCPUs {
		if id := WorldID(v.Int(FieldWorld)); id > max {
			max = id
		}
	}
	return max
}

// String renders the raw vcpu table rows, one per line, mirroring what the
// scheduler emitted. Used by verbose failure reporting.
func (s *Snapshot) String() string {
	return strings.Join(s.VCPULines, "\n")
}
