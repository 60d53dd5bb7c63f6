package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/maxmars1/maplab/internal/vimap"
)

const posTolerance = 1e-9

func approxVec(a, b r3.Vec) bool {
	return math.Abs(a.X-b.X) < posTolerance &&
		math.Abs(a.Y-b.Y) < posTolerance &&
		math.Abs(a.Z-b.Z) < posTolerance
}

func linePoses(n int) []vimap.Pose {
	poses := make([]vimap.Pose, n)
	for i := range poses {
		poses[i] = vimap.Pose{
			TimestampNs: int64(i) * 1_000_000_000,
			Position:    r3.Vec{X: float64(i)},
			Rotation:    vimap.IdentityRotation(),
		}
	}
	return poses
}

func TestAlignTransformsIntoGlobalFrame(t *testing.T) {
	// Anchor rotates 90 degrees about Z and shifts by (10, 0, 0).
	half := math.Pi / 4
	yaw := quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)}
	sm := &Submap{
		Robot:  "robot_a",
		Anchor: vimap.Pose{Position: r3.Vec{X: 10}, Rotation: yaw},
		Poses: []vimap.Pose{
			{TimestampNs: 0, Position: r3.Vec{X: 1}, Rotation: vimap.IdentityRotation()},
		},
		Landmarks: []Landmark{{Position: r3.Vec{X: 2}, Observations: 3}},
	}

	if err := cmdAlign(context.Background(), sm); err != nil {
		t.Fatalf("align failed: %v", err)
	}
	// Local (1,0,0) rotates to (0,1,0), then shifts to (10,1,0).
	if want := (r3.Vec{X: 10, Y: 1}); !approxVec(sm.Poses[0].Position, want) {
		t.Errorf("Expected pose at %v, got %v", want, sm.Poses[0].Position)
	}
	if want := (r3.Vec{X: 10, Y: 2}); !approxVec(sm.Landmarks[0].Position, want) {
		t.Errorf("Expected landmark at %v, got %v", want, sm.Landmarks[0].Position)
	}

	// A second run must not apply the anchor twice.
	before := sm.Poses[0].Position
	if err := cmdAlign(context.Background(), sm); err != nil {
		t.Fatalf("second align failed: %v", err)
	}
	if !approxVec(sm.Poses[0].Position, before) {
		t.Errorf("Second align moved pose from %v to %v", before, sm.Poses[0].Position)
	}
}

func TestOptimizePreservesEndpoints(t *testing.T) {
	poses := linePoses(5)
	poses[2].Position = r3.Vec{X: 2, Y: 3} // outlier
	sm := &Submap{Robot: "robot_a", Poses: poses}

	first := poses[0].Position
	last := poses[4].Position
	if err := cmdOptimize(context.Background(), sm); err != nil {
		t.Fatalf("optimize failed: %v", err)
	}
	if !approxVec(sm.Poses[0].Position, first) || !approxVec(sm.Poses[4].Position, last) {
		t.Error("Optimize moved trajectory endpoints")
	}
	if sm.Poses[2].Position.Y >= 3 {
		t.Errorf("Expected outlier to be pulled toward neighbours, Y still %v", sm.Poses[2].Position.Y)
	}
}

func TestOptimizeRejectsEmptySubmap(t *testing.T) {
	sm := &Submap{Robot: "robot_a"}
	if err := cmdOptimize(context.Background(), sm); err == nil {
		t.Error("Expected error for submap with no poses")
	}
}

func TestFilterLandmarksDropsSparseObservations(t *testing.T) {
	sm := &Submap{
		Robot: "robot_a",
		Landmarks: []Landmark{
			{Position: r3.Vec{X: 1}, Observations: 1},
			{Position: r3.Vec{X: 2}, Observations: 2},
			{Position: r3.Vec{X: 3}, Observations: 7},
		},
	}
	if err := cmdFilterLandmarks(context.Background(), sm); err != nil {
		t.Fatalf("filter_landmarks failed: %v", err)
	}
	if len(sm.Landmarks) != 2 {
		t.Fatalf("Expected 2 surviving landmarks, got %d", len(sm.Landmarks))
	}
	if sm.Landmarks[0].Observations < minLandmarkObservations {
		t.Error("Sparse landmark survived filtering")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	e := NewBuiltin()
	sm := &Submap{Robot: "robot_a", Poses: linePoses(2)}

	if err := e.RunSubmapCommand(context.Background(), "does_not_exist", sm); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
	state := vimap.NewMapState()
	err := state.Refine(func(d *vimap.Draft) error {
		return e.RunGlobalCommand(context.Background(), "does_not_exist", d)
	})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestCommandRegistry(t *testing.T) {
	e := NewBuiltin()
	for _, name := range []string{"align", "optimize", "filter_landmarks"} {
		if !e.HasSubmapCommand(name) {
			t.Errorf("Expected submap command %q to be registered", name)
		}
	}
	for _, name := range []string{"relax", "loop_close", "optimize_global"} {
		if !e.HasGlobalCommand(name) {
			t.Errorf("Expected global command %q to be registered", name)
		}
	}
	if e.HasSubmapCommand("relax") {
		t.Error("Global command leaked into the submap registry")
	}

	e.RegisterSubmapCommand("noop", func(context.Context, *Submap) error { return nil })
	if !e.HasSubmapCommand("noop") {
		t.Error("Registered command not found")
	}
}

func TestMergeSubmapUpdatesDraft(t *testing.T) {
	e := NewBuiltin()
	state := vimap.NewMapState()
	sm := &Submap{
		Robot: "robot_a",
		Poses: linePoses(3),
		Extrinsics: map[vimap.SensorType]vimap.Extrinsic{
			vimap.SensorLidar: {Rotation: vimap.IdentityRotation()},
		},
		Landmarks: []Landmark{{Observations: 4}, {Observations: 5}},
	}

	err := state.Mutate(func(d *vimap.Draft) error {
		return e.MergeSubmap(sm, d)
	})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	sn := state.TakeSnapshot()
	if sn.Version != 1 {
		t.Errorf("Expected version 1 after merge, got %d", sn.Version)
	}
	if got := sn.Robots(); len(got) != 1 || got[0] != "robot_a" {
		t.Errorf("Expected robots [robot_a], got %v", got)
	}
	if sn.LandmarkCount() != 2 {
		t.Errorf("Expected 2 landmarks, got %d", sn.LandmarkCount())
	}
	if sn.MergedSubmaps() != 1 {
		t.Errorf("Expected 1 merged submap, got %d", sn.MergedSubmaps())
	}
}

func TestLoopCloseDistributesGap(t *testing.T) {
	state := vimap.NewMapState()
	// Near-closed square: ends 0.4m from the start.
	poses := []vimap.Pose{
		{TimestampNs: 0, Position: r3.Vec{}, Rotation: vimap.IdentityRotation()},
		{TimestampNs: 1e9, Position: r3.Vec{X: 1}, Rotation: vimap.IdentityRotation()},
		{TimestampNs: 2e9, Position: r3.Vec{X: 1, Y: 1}, Rotation: vimap.IdentityRotation()},
		{TimestampNs: 3e9, Position: r3.Vec{Y: 1}, Rotation: vimap.IdentityRotation()},
		{TimestampNs: 4e9, Position: r3.Vec{Y: 0.4}, Rotation: vimap.IdentityRotation()},
	}
	if err := state.Mutate(func(d *vimap.Draft) error {
		return d.AppendTrajectory("robot_a", poses)
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := state.Refine(func(d *vimap.Draft) error {
		return cmdLoopCloseGlobal(context.Background(), d)
	}); err != nil {
		t.Fatalf("loop_close failed: %v", err)
	}

	got := state.TakeSnapshot().TrajectoryPoses("robot_a")
	if !approxVec(got[len(got)-1].Position, got[0].Position) {
		t.Errorf("Expected closed loop, final pose at %v, start at %v",
			got[len(got)-1].Position, got[0].Position)
	}
	if !approxVec(got[0].Position, poses[0].Position) {
		t.Error("Loop closure moved the trajectory start")
	}
}
