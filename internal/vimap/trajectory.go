package vimap

import (
	"fmt"
	"sort"
)

// Trajectory is the time-ordered pose history of one robot in the global
// frame. Trajectories stored inside published map data are immutable;
// mutation happens on copies owned by a Draft.
type Trajectory struct {
	RobotName string
	Poses     []Pose
}

// Covers reports whether tsNs lies inside the trajectory's covered
// interval [first, last].
func (t *Trajectory) Covers(tsNs int64) bool {
	if len(t.Poses) == 0 {
		return false
	}
	return tsNs >= t.Poses[0].TimestampNs && tsNs <= t.Poses[len(t.Poses)-1].TimestampNs
}

// PoseAt interpolates the trajectory pose at tsNs. The second return is
// false when the timestamp is outside the covered interval.
func (t *Trajectory) PoseAt(tsNs int64) (Pose, bool) {
	if !t.Covers(tsNs) {
		return Pose{}, false
	}
	// Index of the first pose with TimestampNs >= tsNs.
	i := sort.Search(len(t.Poses), func(i int) bool {
		return t.Poses[i].TimestampNs >= tsNs
	})
	if t.Poses[i].TimestampNs == tsNs {
		return t.Poses[i], true
	}
	return InterpolatePose(t.Poses[i-1], t.Poses[i], tsNs), true
}

// clone returns a deep copy of the trajectory suitable for mutation.
func (t *Trajectory) clone() *Trajectory {
	poses := make([]Pose, len(t.Poses))
	copy(poses, t.Poses)
	return &Trajectory{RobotName: t.RobotName, Poses: poses}
}

// appendSegment appends a new pose segment. Segments must be internally
// time-ordered; poses at or before the current trajectory end are
// rejected so a merged prefix is never rewritten by a later submap.
func (t *Trajectory) appendSegment(poses []Pose) error {
	if len(poses) == 0 {
		return fmt.Errorf("empty pose segment for robot %q", t.RobotName)
	}
	for i := 1; i < len(poses); i++ {
		if poses[i].TimestampNs <= poses[i-1].TimestampNs {
			return fmt.Errorf("pose segment for robot %q is not strictly time-ordered at index %d", t.RobotName, i)
		}
	}
	if n := len(t.Poses); n > 0 && poses[0].TimestampNs <= t.Poses[n-1].TimestampNs {
		return fmt.Errorf(
			"pose segment for robot %q starts at %dns, at or before trajectory end %dns",
			t.RobotName, poses[0].TimestampNs, t.Poses[n-1].TimestampNs)
	}
	t.Poses = append(t.Poses, poses...)
	return nil
}
