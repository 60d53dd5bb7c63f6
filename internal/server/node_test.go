package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/maxmars1/maplab/internal/engine"
	"github.com/maxmars1/maplab/internal/testutil"
	"github.com/maxmars1/maplab/internal/vimap"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type fakeRecorder struct {
	mu      sync.Mutex
	merges  []string
	backups []string
}

func (r *fakeRecorder) RecordMerge(jobID, robot, mapPath string, version uint64, duration time.Duration, status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges = append(r.merges, status)
	return nil
}

func (r *fakeRecorder) RecordBackup(folder string, version uint64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups = append(r.backups, folder)
	return nil
}

func (r *fakeRecorder) backupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backups)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MergedMapFolder = filepath.Join(t.TempDir(), "merged_map")
	cfg.SaveMapOnShutdown = false
	return cfg
}

func startNode(t *testing.T, cfg Config, eng Engine, opts ...NodeOption) *Node {
	t.Helper()
	n := NewNode(cfg, eng, opts...)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
	return n
}

func TestNodeMergesSubmapsInOrder(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, testConfig(t), engine.NewBuiltin())

	// Consecutive segments of one robot's trajectory. Appending out of
	// order would be rejected, so three successes prove FIFO handling.
	for i := 0; i < 3; i++ {
		doc := testutil.SimpleSubmapDoc("robot_a", int64(i)*10_000_000_000, 3)
		path := testutil.WriteSubmapDir(t, dir, fmt.Sprintf("submap_%d", i), doc)
		if _, err := n.LoadAndProcessSubmap("robot_a", path); err != nil {
			t.Fatalf("LoadAndProcessSubmap failed: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return n.Snapshot().Version == 3
	}, "three merges")

	sn := n.Snapshot()
	if got := sn.MergedSubmaps(); got != 3 {
		t.Errorf("Expected 3 merged submaps, got %d", got)
	}
	poses := sn.TrajectoryPoses("robot_a")
	if len(poses) != 9 {
		t.Fatalf("Expected 9 poses, got %d", len(poses))
	}
	for i := 1; i < len(poses); i++ {
		if poses[i].TimestampNs <= poses[i-1].TimestampNs {
			t.Fatalf("Trajectory not time ordered at index %d", i)
		}
	}
	if st := n.Status(); st.SuccessfulMerges != 3 || st.FailedMerges != 0 {
		t.Errorf("Unexpected merge counters: %+v", st)
	}
}

func TestNodeValidatesNotifications(t *testing.T) {
	dir := t.TempDir()
	good := testutil.WriteSubmapDir(t, dir, "good", testutil.SimpleSubmapDoc("robot_a", 0, 2))
	n := startNode(t, testConfig(t), engine.NewBuiltin())

	if _, err := n.LoadAndProcessSubmap("", good); err == nil {
		t.Error("Expected error for empty robot name")
	}
	if _, err := n.LoadAndProcessSubmap("robot_a", filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for nonexistent map path")
	}
}

func TestNodeEnforcesSubmapRoot(t *testing.T) {
	root := t.TempDir()
	inside := testutil.WriteSubmapDir(t, root, "good", testutil.SimpleSubmapDoc("robot_a", 0, 2))
	outside := testutil.WriteSubmapDir(t, t.TempDir(), "evil", testutil.SimpleSubmapDoc("robot_a", 0, 2))

	cfg := testConfig(t)
	cfg.SubmapRoot = root
	n := startNode(t, cfg, engine.NewBuiltin())

	if _, err := n.LoadAndProcessSubmap("robot_a", inside); err != nil {
		t.Errorf("Expected path under submap root to be accepted: %v", err)
	}
	if _, err := n.LoadAndProcessSubmap("robot_a", outside); err == nil {
		t.Error("Expected path outside submap root to be rejected")
	}
}

func TestNodeRejectsBeforeStart(t *testing.T) {
	dir := t.TempDir()
	good := testutil.WriteSubmapDir(t, dir, "good", testutil.SimpleSubmapDoc("robot_a", 0, 2))
	n := NewNode(testConfig(t), engine.NewBuiltin())

	if _, err := n.LoadAndProcessSubmap("robot_a", good); !errors.Is(err, ErrDraining) {
		t.Errorf("Expected ErrDraining before Start, got %v", err)
	}
}

func TestNodeStartRejectsUnknownCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubmapCommands = []string{"align", "does_not_exist"}
	n := NewNode(cfg, engine.NewBuiltin())

	if err := n.Start(context.Background()); !errors.Is(err, engine.ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand from Start, got %v", err)
	}
}

func TestNodePipelineFailureLeavesMapUntouched(t *testing.T) {
	dir := t.TempDir()
	eng := engine.NewBuiltin()
	eng.RegisterSubmapCommand("reject_bad_robot", func(_ context.Context, sm *engine.Submap) error {
		if sm.Robot == "bad_robot" {
			return errors.New("simulated optimization failure")
		}
		return nil
	})
	cfg := testConfig(t)
	cfg.SubmapCommands = []string{"align", "reject_bad_robot", "optimize"}
	n := startNode(t, cfg, eng)

	good := testutil.WriteSubmapDir(t, dir, "good", testutil.SimpleSubmapDoc("robot_a", 0, 3))
	bad := testutil.WriteSubmapDir(t, dir, "bad", testutil.SimpleSubmapDoc("bad_robot", 0, 3))

	if _, err := n.LoadAndProcessSubmap("robot_a", good); err != nil {
		t.Fatalf("LoadAndProcessSubmap failed: %v", err)
	}
	if _, err := n.LoadAndProcessSubmap("bad_robot", bad); err != nil {
		t.Fatalf("LoadAndProcessSubmap failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		st := n.Status()
		return st.SuccessfulMerges == 1 && st.FailedMerges == 1
	}, "one success and one failure")

	sn := n.Snapshot()
	if sn.Version != 1 {
		t.Errorf("Expected version 1 after failed merge, got %d", sn.Version)
	}
	if robots := sn.Robots(); len(robots) != 1 || robots[0] != "robot_a" {
		t.Errorf("Failed submap leaked into the map: robots=%v", robots)
	}
}

func TestNodeGlobalPipelineThreshold(t *testing.T) {
	dir := t.TempDir()
	eng := engine.NewBuiltin()
	cfg := testConfig(t)
	cfg.GlobalMapEveryN = 2

	n := startNode(t, cfg, eng)
	for i := 0; i < 5; i++ {
		doc := testutil.SimpleSubmapDoc("robot_a", int64(i)*10_000_000_000, 2)
		path := testutil.WriteSubmapDir(t, dir, fmt.Sprintf("submap_%d", i), doc)
		if _, err := n.LoadAndProcessSubmap("robot_a", path); err != nil {
			t.Fatalf("LoadAndProcessSubmap failed: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return n.Status().SuccessfulMerges == 5
	}, "five merges")
	waitFor(t, 5*time.Second, func() bool {
		return n.Status().GlobalMapRuns == 2
	}, "two global pipeline runs")

	// The global pipeline refines in place and must not bump the version.
	if v := n.Snapshot().Version; v != 5 {
		t.Errorf("Expected version 5 after 5 merges, got %d", v)
	}
}

func TestNodeShutdownIdempotent(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, testConfig(t), engine.NewBuiltin())
	good := testutil.WriteSubmapDir(t, dir, "good", testutil.SimpleSubmapDoc("robot_a", 0, 2))

	if _, err := n.LoadAndProcessSubmap("robot_a", good); err != nil {
		t.Fatalf("LoadAndProcessSubmap failed: %v", err)
	}

	ctx := context.Background()
	if err := n.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := n.Shutdown(ctx); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
	if st := n.Status(); st.State != "stopped" {
		t.Errorf("Expected state 'stopped', got %q", st.State)
	}

	// The queued job was drained before stopping.
	if v := n.Snapshot().Version; v != 1 {
		t.Errorf("Expected queued job to be merged during drain, version=%d", v)
	}

	if _, err := n.LoadAndProcessSubmap("robot_a", good); !errors.Is(err, ErrDraining) {
		t.Errorf("Expected ErrDraining after shutdown, got %v", err)
	}
}

func TestNodeSaveMapOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveMapOnShutdown = true
	n := startNode(t, cfg, engine.NewBuiltin())

	if err := n.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.MergedMapFolder, "map_manifest.json")); err != nil {
		t.Errorf("Expected final map save in %s: %v", cfg.MergedMapFolder, err)
	}
}

func TestNodeSaveMap(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, testConfig(t), engine.NewBuiltin())
	good := testutil.WriteSubmapDir(t, dir, "good", testutil.SimpleSubmapDoc("robot_a", 0, 2))
	if _, err := n.LoadAndProcessSubmap("robot_a", good); err != nil {
		t.Fatalf("LoadAndProcessSubmap failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return n.Snapshot().Version == 1 }, "merge")

	out := filepath.Join(dir, "saved_map")
	folder, err := n.SaveMap(out)
	if err != nil {
		t.Fatalf("SaveMap failed: %v", err)
	}
	if folder != out {
		t.Errorf("Expected save into %q, got %q", out, folder)
	}

	loaded, err := vimap.LoadSnapshot(out)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.Version != 1 {
		t.Errorf("Expected saved version 1, got %d", loaded.Version)
	}
}

func TestNodeEndToEndLookup(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, testConfig(t), engine.NewBuiltin())

	doc := testutil.SimpleSubmapDoc("robot_a", 0, 3)
	path := testutil.WriteSubmapDir(t, dir, "submap_0", doc)
	if _, err := n.LoadAndProcessSubmap("robot_a", path); err != nil {
		t.Fatalf("LoadAndProcessSubmap failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return n.Snapshot().Version == 1 }, "merge")

	sn := n.Snapshot()
	res := sn.Lookup("robot_a", vimap.SensorLidar, 1_500_000_000, r3.Vec{})
	if res.Status != vimap.LookupSuccess {
		t.Fatalf("Expected LookupSuccess, got %v", res.Status)
	}
	// Identity rotations, unit spacing: at t=1.5s the body sits at x=1.5.
	if got := res.PointGlobal.X; got < 1.5-1e-9 || got > 1.5+1e-9 {
		t.Errorf("Expected interpolated point at x=1.5, got %v", got)
	}

	if res := sn.Lookup("ghost", vimap.SensorLidar, 1_500_000_000, r3.Vec{}); res.Status != vimap.LookupRobotUnknown {
		t.Errorf("Expected LookupRobotUnknown, got %v", res.Status)
	}
}

func TestNodeVisualizeMapWithoutVisualizer(t *testing.T) {
	n := startNode(t, testConfig(t), engine.NewBuiltin())
	if err := n.VisualizeMap(); err == nil {
		t.Error("Expected error with no visualizer configured")
	}
}
