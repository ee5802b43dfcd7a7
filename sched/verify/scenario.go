package verify

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schedtest/schedtest/sched"
)

// Scenario is a YAML-defined custom test list, for reproducing a specific
// regression without editing the built-in catalog.
// Loaded from YAML via LoadScenario(path).
type Scenario struct {
	SampleTime int        `yaml:"sample_time,omitempty"` // seconds, 0 = keep the run default
	Tests      []TestSpec `yaml:"tests"`
}

// TestSpec describes one test instance and its workloads.
type TestSpec struct {
	Name          string      `yaml:"name"`
	Type          string      `yaml:"type"`
	MaxUnfairness float64     `yaml:"max_unfairness,omitempty"` // fairness only, 0 = default
	MaxError      float64     `yaml:"max_error,omitempty"`      // minmax only, 0 = default
	Reps          int         `yaml:"reps,omitempty"`           // affintorture only, 0 = default
	Workloads     []WorldSpec `yaml:"workloads,omitempty"`
}

// WorldSpec describes one workload entry, optionally replicated.
type WorldSpec struct {
	Kind       string `yaml:"kind,omitempty"`  // basic (default) or timer-based
	VCPUs      int    `yaml:"vcpus,omitempty"` // default 1
	Shares     int    `yaml:"shares,omitempty"`
	Run        int    `yaml:"run"`
	Wait       int    `yaml:"wait,omitempty"`
	Min        int    `yaml:"min,omitempty"`
	Max        int    `yaml:"max,omitempty"`
	Affinity   string `yaml:"affinity,omitempty"` // control-file encoding
	HTSharing  string `yaml:"htsharing,omitempty"`
	Count      int    `yaml:"count,omitempty"`       // replicas, default 1
	VaryShares bool   `yaml:"vary_shares,omitempty"` // shares = 1000*(index+1)
}

// Valid value registries.
var (
	validTestTypes = map[string]bool{
		"fairness": true, "minmax": true, "affintorture": true, "perfstats": true, "admission": true,
	}
	validWorldKinds = map[string]bool{
		"": true, "basic": true, "timer-based": true,
	}
	validHTSharingModes = map[string]bool{
		"": true, "any": true, "internal": true, "none": true,
	}
)

// LoadScenario reads and parses a YAML scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that all fields in the scenario are valid.
func (s *Scenario) Validate() error {
	if s.SampleTime < 0 {
		return fmt.Errorf("sample_time must be non-negative, got %d", s.SampleTime)
	}
	if len(s.Tests) == 0 {
		return fmt.Errorf("at least one test required")
	}
	for i, t := range s.Tests {
		if err := validateTestSpec(&t, i); err != nil {
			return err
		}
	}
	return nil
}

func validateTestSpec(t *TestSpec, idx int) error {
	prefix := fmt.Sprintf("test[%d]", idx)
	if t.Name == "" {
		return fmt.Errorf("%s: name required", prefix)
	}
	if !validTestTypes[t.Type] {
		return fmt.Errorf("%s: unknown type %q; valid: fairness, minmax, affintorture, perfstats, admission", prefix, t.Type)
	}
	if t.MaxUnfairness < 0 || t.MaxError < 0 {
		return fmt.Errorf("%s: tolerances must be non-negative", prefix)
	}
	if t.Reps < 0 {
		return fmt.Errorf("%s: reps must be non-negative, got %d", prefix, t.Reps)
	}
	if t.Type == "admission" {
		if len(t.Workloads) != 0 {
			return fmt.Errorf("%s: admission brings its own workloads", prefix)
		}
		return nil
	}
	if len(t.Workloads) == 0 {
		return fmt.Errorf("%s: at least one workload required", prefix)
	}
	for j, w := range t.Workloads {
		if err := validateWorldSpec(&w, prefix, j); err != nil {
			return err
		}
	}
	return nil
}

func validateWorldSpec(w *WorldSpec, testPrefix string, idx int) error {
	prefix := fmt.Sprintf("%s.workload[%d]", testPrefix, idx)
	if !validWorldKinds[w.Kind] {
		return fmt.Errorf("%s: unknown kind %q; valid: basic, timer-based", prefix, w.Kind)
	}
	if w.VCPUs < 0 {
		return fmt.Errorf("%s: vcpus must be non-negative, got %d", prefix, w.VCPUs)
	}
	if w.Run <= 0 {
		return fmt.Errorf("%s: run must be positive, got %d", prefix, w.Run)
	}
	if w.Wait < 0 {
		return fmt.Errorf("%s: wait must be non-negative, got %d", prefix, w.Wait)
	}
	if w.Shares < 0 || w.Min < 0 || w.Max < 0 {
		return fmt.Errorf("%s: shares, min and max must be non-negative", prefix)
	}
	if !validHTSharingModes[w.HTSharing] {
		return fmt.Errorf("%s: unknown htsharing %q; valid: any, internal, none, or empty", prefix, w.HTSharing)
	}
	if w.Count < 0 {
		return fmt.Errorf("%s: count must be non-negative, got %d", prefix, w.Count)
	}
	if w.Affinity != "" {
		if _, err := sched.ParseAffinity(w.Affinity, w.effectiveVCPUs()); err != nil {
			return fmt.Errorf("%s: affinity: %w", prefix, err)
		}
	}
	return nil
}

func (w WorldSpec) effectiveVCPUs() int {
	if w.VCPUs == 0 {
		return 1
	}
	return w.VCPUs
}

// Build constructs the scenario's tests. A scenario-level sample_time
// overrides the run config for every test it builds.
func (s *Scenario) Build(ctl sched.Control, cfg Config, sys System) ([]Test, error) {
	if s.SampleTime > 0 {
		cfg.SampleTime = time.Duration(s.SampleTime) * time.Second
	}
	var tests []Test
	for i, ts := range s.Tests {
		t, err := ts.build(ctl, cfg, sys)
		if err != nil {
			return nil, fmt.Errorf("test[%d] %q: %w", i, ts.Name, err)
		}
		tests = append(tests, t)
	}
	return tests, nil
}

func (t TestSpec) build(ctl sched.Control, cfg Config, sys System) (Test, error) {
	if t.Type == "admission" {
		return NewAdmissionTest(t.Name, ctl, cfg, sys), nil
	}
	var configs []sched.WorldConfig
	for _, w := range t.Workloads {
		cs, err := w.configs()
		if err != nil {
			return nil, err
		}
		configs = append(configs, cs...)
	}
	switch t.Type {
	case "fairness":
		return NewFairnessTest(t.Name, ctl, cfg, configs, t.MaxUnfairness)
	case "minmax":
		return NewMinMaxTest(t.Name, ctl, cfg, configs, t.MaxError)
	case "affintorture":
		return NewAffinityTortureTest(t.Name, ctl, cfg, configs, t.Reps)
	case "perfstats":
		return NewPerfStatsTest(t.Name, ctl, cfg, configs)
	}
	return nil, fmt.Errorf("unknown test type %q", t.Type)
}

func (w WorldSpec) configs() ([]sched.WorldConfig, error) {
	vcpus := w.effectiveVCPUs()
	var aff sched.Affinity
	if w.Affinity != "" {
		var err error
		aff, err = sched.ParseAffinity(w.Affinity, vcpus)
		if err != nil {
			return nil, fmt.Errorf("affinity: %w", err)
		}
	}
	kind := sched.WorldKind(w.Kind)
	if w.Kind == "" {
		kind = sched.KindBasic
	}
	base := sched.WorldConfig{
		Kind:      kind,
		VCPUs:     vcpus,
		Shares:    w.Shares,
		Run:       w.Run,
		Wait:      w.Wait,
		Min:       w.Min,
		Max:       w.Max,
		HTSharing: w.HTSharing,
		Affinity:  aff,
	}
	count := w.Count
	if count == 0 {
		count = 1
	}
	var vary func(int, *sched.WorldConfig)
	if w.VaryShares {
		vary = sched.VariedShares
	}
	return sched.ReplicateConfigs(count, base, vary), nil
}
