package sched

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newProcTree(t *testing.T) (string, *ProcControl) {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"sched", "config", "testworlds", "vm"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root, NewProcControl(root)
}

func writeNode(t *testing.T, root string, content string, parts ...string) {
	t.Helper()
	path := filepath.Join(append([]string{root}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readNode(t *testing.T, root string, parts ...string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{root}, parts...)...))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNewProcControl_DefaultRoot(t *testing.T) {
	assert.Equal(t, DefaultProcRoot, NewProcControl("").Root)
	assert.Equal(t, "/x", NewProcControl("/x").Root)
}

func TestProcControl_NumCPUs_SingleLine(t *testing.T) {
	// Pre-hyperthreading schedulers report one count for both.
	root, ctl := newProcTree(t)
	writeNode(t, root, "2\n", "sched", "ncpus")

	phys, logical, err := ctl.NumCPUs()
	if err != nil {
		t.Fatalf("NumCPUs: %v", err)
	}
	assert.Equal(t, 2, phys)
	assert.Equal(t, 2, logical)
}

func TestProcControl_NumCPUs_TwoLines(t *testing.T) {
	// Hyperthreading-aware format: logical count first, physical second.
	root, ctl := newProcTree(t)
	writeNode(t, root, "4 logical\n2 packages\n", "sched", "ncpus")

	phys, logical, err := ctl.NumCPUs()
	if err != nil {
		t.Fatalf("NumCPUs: %v", err)
	}
	assert.Equal(t, 2, phys)
	assert.Equal(t, 4, logical)
}

func TestProcControl_NumCPUs_Errors(t *testing.T) {
	root, ctl := newProcTree(t)
	if _, _, err := ctl.NumCPUs(); err == nil {
		t.Error("NumCPUs without ncpus node: expected error")
	}
	writeNode(t, root, "not-a-number\n", "sched", "ncpus")
	if _, _, err := ctl.NumCPUs(); err == nil {
		t.Error("NumCPUs with junk content: expected error")
	}
}

func TestProcControl_WorldCommandsWriteExactBytes(t *testing.T) {
	// The start command and config writes are a wire format; the scheduler
	// parses them with fixed expectations.
	root, ctl := newProcTree(t)

	if err := ctl.StartWorld(KindBasic, 2, 1500, 10, 0); err != nil {
		t.Fatalf("StartWorld: %v", err)
	}
	assert.Equal(t, "start 2 1500 10 0", readNode(t, root, "testworlds", "basic"))

	if err := ctl.StopAll(KindTimer); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	assert.Equal(t, "stop", readNode(t, root, "testworlds", "timer-based"))

	if err := os.MkdirAll(filepath.Join(root, "vm", "12", "cpu"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ctl.SetShares(12, 2000); err != nil {
		t.Fatalf("SetShares: %v", err)
	}
	if err := ctl.SetMin(12, 30); err != nil {
		t.Fatalf("SetMin: %v", err)
	}
	if err := ctl.SetMax(12, 80); err != nil {
		t.Fatalf("SetMax: %v", err)
	}
	if err := ctl.SetAffinity(12, "all:0,1;"); err != nil {
		t.Fatalf("SetAffinity: %v", err)
	}
	if err := ctl.SetHTSharing(12, "none"); err != nil {
		t.Fatalf("SetHTSharing: %v", err)
	}
	assert.Equal(t, "2000", readNode(t, root, "vm", "12", "cpu", "shares"))
	assert.Equal(t, "30", readNode(t, root, "vm", "12", "cpu", "min"))
	assert.Equal(t, "80", readNode(t, root, "vm", "12", "cpu", "max"))
	assert.Equal(t, "all:0,1;", readNode(t, root, "vm", "12", "cpu", "affinity"))
	assert.Equal(t, "none", readNode(t, root, "vm", "12", "cpu", "hyperthreading"))
}

func TestProcControl_ReadMin_FirstFieldOnly(t *testing.T) {
	// The min node carries trailing annotation; only the leading number is
	// the granted value.
	root, ctl := newProcTree(t)
	writeNode(t, root, "75 (requested 75)\n", "vm", "12", "cpu", "min")

	got, err := ctl.ReadMin(12)
	if err != nil {
		t.Fatalf("ReadMin: %v", err)
	}
	assert.Equal(t, 75, got)

	writeNode(t, root, "\n", "vm", "13", "cpu", "min")
	if _, err := ctl.ReadMin(13); err == nil {
		t.Error("ReadMin on empty node: expected error")
	}
}

func TestProcControl_HygieneWrites(t *testing.T) {
	root, ctl := newProcTree(t)
	if err := ctl.ResetStats(); err != nil {
		t.Fatalf("ResetStats: %v", err)
	}
	assert.Equal(t, "reset", readNode(t, root, "sched", "reset-stats"))

	if err := ctl.EnableVerbose(); err != nil {
		t.Fatalf("EnableVerbose: %v", err)
	}
	assert.Equal(t, "1", readNode(t, root, "config", "CpuProcVerbose"))
}

func TestProcControl_SupportsHTSharing(t *testing.T) {
	root, ctl := newProcTree(t)
	ok, err := ctl.SupportsHTSharing()
	if err != nil {
		t.Fatalf("SupportsHTSharing: %v", err)
	}
	assert.False(t, ok)

	writeNode(t, root, "", "sched", "hyperthreading")
	ok, err = ctl.SupportsHTSharing()
	if err != nil {
		t.Fatalf("SupportsHTSharing: %v", err)
	}
	assert.True(t, ok)
}

func miniDump(maxID int) string {
	return fmt.Sprintf(`uptime ncells nworlds
10.0 1 2

cell pcpus worlds
0 1 2

pcpu used sys idle yield
0 1.0 0.0 0.0 10

vm vcpu name usedsec cpu
1 1 idle0 5.0 0
%d %d tw 1.0 0
`, maxID, maxID)
}

func TestProcControl_MaxWorldID_ConservativeMinimum(t *testing.T) {
	// The vm/ directory and the snapshot can disagree while a world is
	// half-created; the usable id is whichever source is behind.
	root, ctl := newProcTree(t)
	for _, d := range []string{"5", "9", "huge"} {
		if err := os.MkdirAll(filepath.Join(root, "vm", d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	// Snapshot behind the directory: snapshot wins.
	writeNode(t, root, miniDump(7), "sched", "cpu-verbose")
	id, err := ctl.MaxWorldID()
	if err != nil {
		t.Fatalf("MaxWorldID: %v", err)
	}
	assert.Equal(t, WorldID(7), id)

	// Directory behind the snapshot: directory wins.
	writeNode(t, root, miniDump(11), "sched", "cpu-verbose")
	id, err = ctl.MaxWorldID()
	if err != nil {
		t.Fatalf("MaxWorldID: %v", err)
	}
	assert.Equal(t, WorldID(9), id)
}
