// Package sched drives and observes an external cpu scheduler through its
// proc-style control surface.
//
// # Reading Guide
//
// Start with these three files to understand the observation path:
//   - control.go: the Control surface (ProcControl reads and writes the
//     scheduler's proc files; tests substitute an in-memory fake)
//   - snapshot.go: parsing a sectioned state dump into Records
//   - workload.go: one synthetic world's lifecycle (start, id discovery,
//     configure, observe)
//
// # Architecture
//
// The package is strictly passive toward the scheduler: workloads are
// created and tuned through small file writes, then the scheduler runs
// them on its own while the harness samples dumps and compares successive
// snapshots. There are no long-lived goroutines here except the optional
// Burner, which only exists to keep one host cpu busy.
//
// Affinity strings are a compatibility-critical wire format; affinity.go
// owns both directions of that codec.
//
// Errors split into two classes: *FatalError values mean the harness lost
// its grip on the scheduler (world never appeared, malformed snapshot) and
// the run must stop. Everything else is reported by the verification layer
// (package sched/verify) as findings and never aborts a run.
package sched
