package engine

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/maxmars1/maplab/internal/vimap"
)

// minLandmarkObservations is the observation count below which a
// landmark is discarded by filter_landmarks.
const minLandmarkObservations = 2

// loopClosureThresholdMeters bounds the start/end distance at which
// loop_close will treat a trajectory as a closed loop.
const loopClosureThresholdMeters = 1.0

// smoothPoses runs iterations of endpoint-preserving position smoothing
// and renormalizes rotations. It is the shared core of the optimize and
// relax commands.
func smoothPoses(poses []vimap.Pose, weight float64, iterations int) []vimap.Pose {
	out := append([]vimap.Pose(nil), poses...)
	if len(out) < 3 {
		for i := range out {
			out[i].Rotation = vimap.Normalize(out[i].Rotation)
		}
		return out
	}
	for it := 0; it < iterations; it++ {
		prev := out[0].Position
		for i := 1; i < len(out)-1; i++ {
			mid := r3.Scale(0.5, r3.Add(prev, out[i+1].Position))
			prev = out[i].Position
			out[i].Position = vimap.Lerp(out[i].Position, mid, weight)
		}
	}
	for i := range out {
		out[i].Rotation = vimap.Normalize(out[i].Rotation)
	}
	return out
}

// cmdAlign transforms the submap's poses from its local frame into the
// global frame using the declared anchor.
func cmdAlign(_ context.Context, sm *Submap) error {
	if sm.aligned {
		return nil
	}
	a := sm.Anchor
	for i := range sm.Poses {
		sm.Poses[i].Position = r3.Add(vimap.Rotate(a.Rotation, sm.Poses[i].Position), a.Position)
		sm.Poses[i].Rotation = vimap.Normalize(quat.Mul(a.Rotation, sm.Poses[i].Rotation))
	}
	for i := range sm.Landmarks {
		sm.Landmarks[i].Position = r3.Add(vimap.Rotate(a.Rotation, sm.Landmarks[i].Position), a.Position)
	}
	sm.aligned = true
	return nil
}

// cmdOptimize smooths the submap trajectory, preserving endpoints.
func cmdOptimize(_ context.Context, sm *Submap) error {
	if len(sm.Poses) == 0 {
		return fmt.Errorf("optimize: submap for robot %q has no poses", sm.Robot)
	}
	sm.Poses = smoothPoses(sm.Poses, 0.5, 3)
	return nil
}

// cmdFilterLandmarks drops landmarks with too few observations.
func cmdFilterLandmarks(_ context.Context, sm *Submap) error {
	kept := sm.Landmarks[:0]
	for _, l := range sm.Landmarks {
		if l.Observations >= minLandmarkObservations {
			kept = append(kept, l)
		}
	}
	sm.Landmarks = kept
	return nil
}

// cmdRelaxGlobal applies a light smoothing pass to every trajectory.
func cmdRelaxGlobal(_ context.Context, d *vimap.Draft) error {
	for _, robot := range d.Robots() {
		d.SetTrajectory(robot, smoothPoses(d.Trajectory(robot), 0.25, 1))
	}
	return nil
}

// cmdLoopCloseGlobal detects trajectories whose endpoints nearly meet
// and distributes the closure error linearly along the trajectory.
func cmdLoopCloseGlobal(_ context.Context, d *vimap.Draft) error {
	for _, robot := range d.Robots() {
		poses := d.Trajectory(robot)
		if len(poses) < 3 {
			continue
		}
		gap := r3.Sub(poses[0].Position, poses[len(poses)-1].Position)
		if r3.Norm(gap) > loopClosureThresholdMeters {
			continue
		}
		n := float64(len(poses) - 1)
		for i := 1; i < len(poses); i++ {
			poses[i].Position = r3.Add(poses[i].Position, r3.Scale(float64(i)/n, gap))
		}
		d.SetTrajectory(robot, poses)
	}
	return nil
}

// cmdOptimizeGlobal smooths all trajectories with the heavier optimize
// weights.
func cmdOptimizeGlobal(_ context.Context, d *vimap.Draft) error {
	for _, robot := range d.Robots() {
		d.SetTrajectory(robot, smoothPoses(d.Trajectory(robot), 0.5, 2))
	}
	return nil
}
