// Package testutil provides shared test infrastructure for the scheduler
// harness: an in-memory FakeScheduler implementing sched.Control with just
// enough proportional-share behavior for the verification tests to observe
// fair, admission-controlled, affinity-respecting workloads offline.
package testutil

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/schedtest/schedtest/sched"
)

// ConsoleReservedMin is the guaranteed-min percentage the console world
// permanently holds. It is why a full 100%-per-pcpu min overcommit is
// rejected even though the nominal capacities would exactly fit.
const ConsoleReservedMin = 5

// vcpuState is one schedulable context of a fake world.
type vcpuState struct {
	id       sched.WorldID // globally unique vcpu id; leader's equals world id
	pcpu     int
	usedSec  float64
	migs     int64
	switches int64
}

// World is one world inside the fake scheduler, test or system.
type World struct {
	ID        sched.WorldID
	Kind      sched.WorldKind // "" for system worlds (console, idle)
	Name      string
	VCPUs     int
	Shares    int
	Run, Wait int
	Max       int
	Requested int // last requested min percentage
	Granted   int // admission-controlled min actually granted
	HTSharing string
	Affinity  sched.Affinity

	uptimeBase float64
	vcpus      []*vcpuState
}

type pendingStart struct {
	kind                     sched.WorldKind
	vcpus, shares, run, wait int
	polls                    int // MaxWorldID calls remaining until visible
}

// FakeScheduler is an in-memory stand-in for the external scheduler's
// control surface. Time is virtual: it advances only through Sleep, so
// tests can use production-sized sampling windows without waiting.
//
// Not safe for concurrent use; the harness is single-threaded by design.
type FakeScheduler struct {
	physical, logical int

	clock   float64
	verbose bool

	nextID  sched.WorldID
	worlds  []*World
	pending []pendingStart

	yields []int64

	// Test knobs.
	CreationDelay int                       // MaxWorldID polls before a started world appears
	FailStarts    int                       // fail this many StartWorld calls
	HTSupported   bool                      // whether htsharing controls exist
	MutateDump    func(dump string) string  // applied to every Dump result
}

// NewFakeScheduler builds a fake with the given cpu counts, one console
// world and one idle world per logical pcpu, mirroring what a freshly
// booted scheduler reports.
func NewFakeScheduler(physical, logical int) *FakeScheduler {
	f := &FakeScheduler{
		physical:      physical,
		logical:       logical,
		verbose:       true,
		nextID:        0,
		yields:        make([]int64, logical),
		CreationDelay: 1,
		HTSupported:   true,
	}
	console := f.addWorld("", "console", 1, 2000, 0, 0)
	console.Granted = ConsoleReservedMin
	console.Requested = ConsoleReservedMin
	console.Affinity = sched.SharedSet(0)
	for i := 0; i < logical; i++ {
		idle := f.addWorld("", fmt.Sprintf("idle%d", i), 1, 100, 0, 0)
		idle.vcpus[0].pcpu = i
		idle.Affinity = sched.SharedSet(i)
	}
	return f
}

func (f *FakeScheduler) addWorld(kind sched.WorldKind, name string, vcpus, shares, run, wait int) *World {
	w := &World{
		ID:         f.nextID,
		Kind:       kind,
		Name:       name,
		VCPUs:      vcpus,
		Shares:     shares,
		Run:        run,
		Wait:       wait,
		Max:        100 * vcpus,
		uptimeBase: f.clock,
	}
	for i := 0; i < vcpus; i++ {
		w.vcpus = append(w.vcpus, &vcpuState{
			id:   f.nextID + sched.WorldID(i),
			pcpu: int(f.nextID+sched.WorldID(i)) % f.logical,
		})
	}
	f.nextID += sched.WorldID(vcpus)
	f.worlds = append(f.worlds, w)
	return w
}

// Clock returns the current virtual time in seconds.
func (f *FakeScheduler) Clock() float64 { return f.clock }

// Sleep advances virtual time by d, accounting used time to every world as
// a proportional-share scheduler would. Wire it into verify.Config.Sleep
// so sampling windows cost no wall time.
func (f *FakeScheduler) Sleep(d time.Duration) {
	f.advance(d.Seconds())
}

// TestWorlds returns the live test worlds of the given kind, in id order.
func (f *FakeScheduler) TestWorlds(kind sched.WorldKind) []*World {
	var out []*World
	for _, w := range f.worlds {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}

// World returns the world with the given id, or nil.
func (f *FakeScheduler) World(id sched.WorldID) *World {
	for _, w := range f.worlds {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// --- sched.Control implementation ---

func (f *FakeScheduler) NumCPUs() (int, int, error) {
	return f.physical, f.logical, nil
}

func (f *FakeScheduler) ResetStats() error {
	for _, w := range f.worlds {
		w.uptimeBase = f.clock
		for _, v := range w.vcpus {
			v.usedSec = 0
			v.migs = 0
			v.switches = 0
		}
	}
	for i := range f.yields {
		f.yields[i] = 0
	}
	return nil
}

func (f *FakeScheduler) EnableVerbose() error {
	f.verbose = true
	return nil
}

func (f *FakeScheduler) SupportsHTSharing() (bool, error) {
	return f.HTSupported, nil
}

func (f *FakeScheduler) StartWorld(kind sched.WorldKind, vcpus, shares, run, wait int) error {
	if f.FailStarts > 0 {
		f.FailStarts--
		return fmt.Errorf("testworlds/%s: device busy", kind)
	}
	f.pending = append(f.pending, pendingStart{
		kind: kind, vcpus: vcpus, shares: shares, run: run, wait: wait,
		polls: f.CreationDelay,
	})
	return nil
}

func (f *FakeScheduler) StopAll(kind sched.WorldKind) error {
	kept := f.worlds[:0]
	for _, w := range f.worlds {
		if w.Kind != kind {
			kept = append(kept, w)
		}
	}
	f.worlds = kept
	pend := f.pending[:0]
	for _, p := range f.pending {
		if p.kind != kind {
			pend = append(pend, p)
		}
	}
	f.pending = pend
	return nil
}

// MaxWorldID materializes due pending creations, then reports the highest
// live world id. Creation latency is modeled in polls, mirroring how the
// real scheduler surfaces new worlds some time after the start command.
func (f *FakeScheduler) MaxWorldID() (sched.WorldID, error) {
	var still []pendingStart
	for _, p := range f.pending {
		p.polls--
		if p.polls > 0 {
			still = append(still, p)
			continue
		}
		w := f.addWorld(p.kind, "", p.vcpus, p.shares, p.run, p.wait)
		w.Name = fmt.Sprintf("tw.%d", w.ID)
	}
	f.pending = still

	max := sched.WorldID(-1)
	for _, w := range f.worlds {
		if w.ID > max {
			max = w.ID
		}
	}
	return max, nil
}

func (f *FakeScheduler) SetShares(id sched.WorldID, shares int) error {
	w := f.World(id)
	if w == nil {
		return fmt.Errorf("no world %d", id)
	}
	w.Shares = shares
	return nil
}

// SetMin runs the affinity-constrained admission check and stores the
// grant, 0 when the request does not fit. Admission is evaluated at write
// time against the affinities already in place, so callers probing
// admission apply affinity before the min.
func (f *FakeScheduler) SetMin(id sched.WorldID, pct int) error {
	w := f.World(id)
	if w == nil {
		return fmt.Errorf("no world %d", id)
	}
	w.Requested = pct
	if f.minFeasible(w, pct) {
		w.Granted = pct
	} else {
		w.Granted = 0
	}
	return nil
}

func (f *FakeScheduler) ReadMin(id sched.WorldID) (int, error) {
	w := f.World(id)
	if w == nil {
		return 0, fmt.Errorf("no world %d", id)
	}
	return w.Granted, nil
}

func (f *FakeScheduler) SetMax(id sched.WorldID, pct int) error {
	w := f.World(id)
	if w == nil {
		return fmt.Errorf("no world %d", id)
	}
	w.Max = pct
	return nil
}

func (f *FakeScheduler) SetAffinity(id sched.WorldID, spec string) error {
	w := f.World(id)
	if w == nil {
		return fmt.Errorf("no world %d", id)
	}
	aff, err := sched.ParseAffinity(spec, w.VCPUs)
	if err != nil {
		return err
	}
	w.Affinity = aff
	f.place(w)
	return nil
}

func (f *FakeScheduler) SetHTSharing(id sched.WorldID, mode string) error {
	w := f.World(id)
	if w == nil {
		return fmt.Errorf("no world %d", id)
	}
	w.HTSharing = mode
	return nil
}

// place re-derives each vcpu's pcpu from the world's affinity, counting a
// migration whenever the assignment moves.
func (f *FakeScheduler) place(w *World) {
	for i, v := range w.vcpus {
		target := v.pcpu
		switch {
		case len(w.Affinity.PerVCPU) > 0:
			if i < len(w.Affinity.PerVCPU) {
				target = w.Affinity.PerVCPU[i]
			}
		case len(w.Affinity.Shared) > 0:
			target = w.Affinity.Shared[int(v.id)%len(w.Affinity.Shared)]
		default:
			target = int(v.id) % f.logical
		}
		if target != v.pcpu {
			v.pcpu = target
			v.migs++
		}
	}
}

// allowedSet is the set of pcpus a world's vcpus may touch.
func (f *FakeScheduler) allowedSet(w *World) []int {
	switch {
	case len(w.Affinity.PerVCPU) > 0:
		seen := map[int]bool{}
		var out []int
		for _, p := range w.Affinity.PerVCPU {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		sort.Ints(out)
		return out
	case len(w.Affinity.Shared) > 0:
		out := append([]int(nil), w.Affinity.Shared...)
		sort.Ints(out)
		return out
	default:
		all := make([]int, f.logical)
		for i := range all {
			all[i] = i
		}
		return all
	}
}

// minFeasible models admission the way the scheduler does for gang-run
// worlds: a reservation spreads evenly over the world's allowed pcpus,
// since coscheduled vcpus cannot concentrate their share on a subset, and
// no pcpu may be promised more than 100%. System worlds (console) hold
// their reserve against total capacity instead of a pcpu, which is what
// tips an exact 100%-per-pcpu overcommit into rejection.
func (f *FakeScheduler) minFeasible(cand *World, pct int) bool {
	load := make([]float64, f.logical)
	total := 0.0
	for _, w := range f.worlds {
		min := w.Granted
		if w == cand {
			min = pct
		}
		if min <= 0 {
			continue
		}
		total += float64(min)
		if w.Kind == "" {
			continue
		}
		set := f.allowedSet(w)
		per := float64(min) / float64(len(set))
		for _, p := range set {
			load[p] += per
		}
	}
	if total > float64(100*f.logical)+1e-9 {
		return false
	}
	for _, l := range load {
		if l > 100+1e-9 {
			return false
		}
	}
	return true
}

// alloc is the per-vcpu bookkeeping for one accounting round.
type alloc struct {
	v      *vcpuState
	weight float64
	cap    float64
	floor  float64
	usage  float64
}

// advance distributes dt seconds of per-pcpu capacity. Worlds confined by
// affinity share their pcpu subset's capacity among themselves; everyone
// else shares the remaining system capacity. Within a pool, time is split
// by shares with per-world duty, min and max bounds, which is exactly the
// behavior the fairness and min/max tests assert on.
func (f *FakeScheduler) advance(dt float64) {
	if dt <= 0 {
		return
	}
	f.clock += dt

	type pool struct {
		width int
		items []*alloc
	}
	pools := map[string]*pool{}
	var free []*alloc
	var testAllocs []*alloc
	for _, w := range f.worlds {
		if w.Kind == "" {
			continue // console and idle worlds absorb leftover only
		}
		duty := 1.0
		if w.Run+w.Wait > 0 {
			duty = float64(w.Run) / float64(w.Run+w.Wait)
		}
		perVCPUCap := math.Min(dt*duty, dt*float64(w.Max)/(100*float64(w.VCPUs)))
		perVCPUFloor := dt * float64(w.Granted) / (100 * float64(w.VCPUs))
		for _, v := range w.vcpus {
			a := &alloc{
				v:      v,
				weight: float64(w.Shares) / float64(w.VCPUs),
				cap:    perVCPUCap,
				floor:  math.Min(perVCPUFloor, perVCPUCap),
			}
			testAllocs = append(testAllocs, a)
			if w.Affinity.IsZero() {
				free = append(free, a)
				continue
			}
			set := f.allowedSet(w)
			key := fmt.Sprint(set)
			if pools[key] == nil {
				pools[key] = &pool{width: len(set)}
			}
			pools[key].items = append(pools[key].items, a)
		}
	}

	consumed := 0.0
	for _, pl := range pools {
		waterFill(pl.items, float64(pl.width)*dt)
		for _, a := range pl.items {
			consumed += a.usage
		}
	}
	capacity := float64(f.logical)*dt - consumed
	if capacity < 0 {
		capacity = 0
	}
	waterFill(free, capacity)
	for _, a := range free {
		consumed += a.usage
	}

	for _, a := range testAllocs {
		a.v.usedSec += a.usage
		a.v.switches += int64(math.Ceil(a.usage * 4))
	}

	// Whatever no test world consumed, the idle worlds do.
	idleTotal := float64(f.logical)*dt - consumed
	if idleTotal < 0 {
		idleTotal = 0
	}
	var idles []*vcpuState
	for _, w := range f.worlds {
		if strings.HasPrefix(w.Name, "idle") {
			idles = append(idles, w.vcpus...)
		}
	}
	for _, v := range idles {
		v.usedSec += idleTotal / float64(len(idles))
	}
	for i := range f.yields {
		f.yields[i] += int64(dt * 20)
	}
}

// waterFill grants floors first, then repeatedly splits the remaining
// capacity by weight among entries still under their cap.
func waterFill(items []*alloc, capacity float64) {
	remaining := capacity
	for _, it := range items {
		it.usage = it.floor
		remaining -= it.usage
	}
	for round := 0; round < len(items) && remaining > 1e-12; round++ {
		var totalW float64
		for _, it := range items {
			if it.cap-it.usage > 1e-12 {
				totalW += it.weight
			}
		}
		if totalW <= 0 {
			break
		}
		distributed := 0.0
		for _, it := range items {
			headroom := it.cap - it.usage
			if headroom <= 1e-12 {
				continue
			}
			grant := math.Min(headroom, remaining*it.weight/totalW)
			it.usage += grant
			distributed += grant
		}
		if distributed <= 1e-12 {
			break
		}
		remaining -= distributed
	}
}

// Dump renders the scheduler state in the exact sectioned-table format the
// parser consumes: global record, cell section, pcpu table, vcpu table.
func (f *FakeScheduler) Dump() (string, error) {
	var b strings.Builder
	if f.verbose {
		fmt.Fprintf(&b, "uptime ncells nworlds\n")
		fmt.Fprintf(&b, "%.3f 1 %d\n", f.clock, len(f.worlds))
		b.WriteString("\n")
		b.WriteString("cell pcpus worlds\n")
		fmt.Fprintf(&b, "0 %d %d\n", f.logical, len(f.worlds))
		b.WriteString("\n")
		b.WriteString("pcpu used sys idle yield\n")
		for p := 0; p < f.logical; p++ {
			fmt.Fprintf(&b, "%d %.3f 0.000 0.000 %d\n", p, f.clock, f.yields[p])
		}
		b.WriteString("\n")
	}
	b.WriteString("vm vcpu name uptime status usedsec cpu affinity htsharing min max shares pmigs switch\n")
	for _, w := range f.worlds {
		uptime := f.clock - w.uptimeBase
		affin := "0-" + fmt.Sprint(f.logical-1)
		if !w.Affinity.IsZero() {
			affin = strings.ReplaceAll(w.Affinity.ControlString(w.VCPUs), " ", "")
		}
		ht := w.HTSharing
		if ht == "" {
			ht = "any"
		}
		for _, v := range w.vcpus {
			fmt.Fprintf(&b, "%d %d %s %.3f RUN %.3f %d %s %s %d %d %d %d %d\n",
				w.ID, v.id, w.Name, uptime, v.usedSec, v.pcpu, affin, ht,
				w.Granted, w.Max, w.Shares, v.migs, v.switches)
		}
	}
	out := b.String()
	if f.MutateDump != nil {
		out = f.MutateDump(out)
	}
	return out, nil
}
