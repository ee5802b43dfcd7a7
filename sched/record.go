package sched

import (
	"fmt"
	"strconv"
	"strings"
)

// Canonical column names emitted by the scheduler's state dump. These are
// the wire format of the external control surface and must match it exactly.
const (
	FieldWorld    = "vm"       // owning world id
	FieldVCPU     = "vcpu"     // vcpu index within the world
	FieldPCPU     = "cpu"      // pcpu the vcpu is currently assigned to
	FieldAffinity = "affinity" // affinity string as the scheduler reports it
	FieldUsedSec  = "usedsec"  // cumulative used time, fractional seconds
	FieldMigs     = "pmigs"    // pcpu migration count
	FieldSwitch   = "switch"   // context switch count
	FieldName     = "name"     // display name ("idle0", "console", ...)
	FieldShares   = "shares"   // allocated shares
	FieldMin      = "min"      // accepted guaranteed-min percentage
	FieldMax      = "max"      // capped-max percentage
	FieldUptime   = "uptime"   // world uptime, fractional seconds
	FieldYield    = "yield"    // per-pcpu voluntary yield count
)

// Record is one parsed row of a scheduler state table: an ordered mapping
// from header name to the raw string value below it. Values stay strings
// until a caller coerces them, so a malformed number in one column never
// poisons the rest of the row.
type Record struct {
	names  []string
	values map[string]string
}

// NewRecord zips a header line against a data line. The column counts must
// match; a mismatch means the line is corrupt and the caller should drop it.
func NewRecord(headers, fields []string) (Record, error) {
	if len(headers) != len(fields) {
		return Record{}, fmt.Errorf("column count mismatch: %d headers, %d fields", len(headers), len(fields))
	}
	values := make(map[string]string, len(headers))
	for i, h := range headers {
		values[h] = fields[i]
	}
	names := make([]string, len(headers))
	copy(names, headers)
	return Record{names: names, values: values}, nil
}

// Lookup returns the raw value for a field and whether the field exists.
// This is the explicit presence check; use it when absence must be
// distinguished from a legitimate zero.
func (r Record) Lookup(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Has reports whether the record carries the named field.
func (r Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Text returns the raw value for a field, or "" when absent.
func (r Record) Text(name string) string {
	return r.values[name]
}

// Int coerces a field to an integer. Absent or non-numeric fields yield
// zero: the dump format drifts between scheduler builds and a missing
// column must not abort a whole verification run.
func (r Record) Int(name string) int64 {
	v, ok := r.values[name]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Float coerces a field to a float64, with the same tolerance as Int.
func (r Record) Float(name string) float64 {
	v, ok := r.values[name]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

// Fields returns the column names in header order.
func (r Record) Fields() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// String renders the record as "name=value" pairs in header order.
func (r Record) String() string {
	var b strings.Builder
	for i, n := range r.names {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", n, r.values[n])
	}
	return b.String()
}
