package vimap

import (
	"sort"
	"sync"
)

// mapData is one immutable generation of the global map. A generation is
// never modified after it has been published; mutation builds a successor
// and swaps the pointer, so snapshots stay coherent for free.
type mapData struct {
	trajectories  map[string]*Trajectory
	extrinsics    map[string]map[SensorType]Extrinsic
	landmarkCount int
	mergedSubmaps int
}

func newMapData() *mapData {
	return &mapData{
		trajectories: map[string]*Trajectory{},
		extrinsics:   map[string]map[SensorType]Extrinsic{},
	}
}

// shallowClone copies the top-level maps so a Draft can install new
// values without touching the published generation. Trajectory values are
// shared until a robot is actually modified (see Draft.trajectoryForEdit).
func (d *mapData) shallowClone() *mapData {
	next := &mapData{
		trajectories:  make(map[string]*Trajectory, len(d.trajectories)),
		extrinsics:    make(map[string]map[SensorType]Extrinsic, len(d.extrinsics)),
		landmarkCount: d.landmarkCount,
		mergedSubmaps: d.mergedSubmaps,
	}
	for k, v := range d.trajectories {
		next.trajectories[k] = v
	}
	for robot, sensors := range d.extrinsics {
		m := make(map[SensorType]Extrinsic, len(sensors))
		for st, ex := range sensors {
			m[st] = ex
		}
		next.extrinsics[robot] = m
	}
	return next
}

// MapState is the single shared global map. Exactly one goroutine (the
// orchestrator worker) calls Mutate/Refine; any goroutine may call
// TakeSnapshot concurrently. Version increases by exactly one per
// successful Mutate and never otherwise.
type MapState struct {
	mu      sync.RWMutex
	version uint64
	data    *mapData
}

// NewMapState creates an empty map at version 0.
func NewMapState() *MapState {
	return &MapState{data: newMapData()}
}

// Version returns the current map version.
func (s *MapState) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Mutate applies fn to a draft of the map. On success the draft is
// published atomically and the version is incremented by one; on error
// the draft is discarded and the published map is untouched. Mutate is
// the merge path and must only be called from the worker goroutine.
func (s *MapState) Mutate(fn func(*Draft) error) error {
	return s.apply(fn, true)
}

// Refine is Mutate without the version increment. It is used by the
// global-map pipeline, which rewrites the contents of the already merged
// prefix rather than merging a new submap.
func (s *MapState) Refine(fn func(*Draft) error) error {
	return s.apply(fn, false)
}

func (s *MapState) apply(fn func(*Draft) error, bumpVersion bool) error {
	s.mu.RLock()
	base := s.data
	s.mu.RUnlock()

	draft := &Draft{base: base, next: base.shallowClone(), edited: map[string]bool{}}
	if err := fn(draft); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = draft.next
	if bumpVersion {
		s.version++
	}
	s.mu.Unlock()
	return nil
}

// TakeSnapshot returns an immutable view of the map frozen at the current
// version. It completes in bounded time regardless of pipeline activity:
// only the version read and pointer copy happen under the lock.
func (s *MapState) TakeSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Version: s.version, data: s.data}
}

// Restore replaces the map contents and version wholesale. It is only
// used at startup when recovering from a backup, before any worker or
// reader is running.
func (s *MapState) Restore(sn Snapshot) {
	s.mu.Lock()
	s.data = sn.data
	s.version = sn.Version
	s.mu.Unlock()
}

// Draft is a mutable successor generation under construction. All edits
// go through the Draft so the published generation is never touched.
type Draft struct {
	base   *mapData
	next   *mapData
	edited map[string]bool
}

// trajectoryForEdit returns a private clone of the robot's trajectory,
// creating an empty one for a new robot.
func (d *Draft) trajectoryForEdit(robot string) *Trajectory {
	if d.edited[robot] {
		return d.next.trajectories[robot]
	}
	var t *Trajectory
	if cur, ok := d.next.trajectories[robot]; ok {
		t = cur.clone()
	} else {
		t = &Trajectory{RobotName: robot}
	}
	d.next.trajectories[robot] = t
	d.edited[robot] = true
	return t
}

// AppendTrajectory appends a pose segment to the robot's trajectory.
func (d *Draft) AppendTrajectory(robot string, poses []Pose) error {
	return d.trajectoryForEdit(robot).appendSegment(poses)
}

// SetTrajectory replaces the robot's full trajectory. Used by global
// pipeline commands that re-optimize pose histories.
func (d *Draft) SetTrajectory(robot string, poses []Pose) {
	t := d.trajectoryForEdit(robot)
	t.Poses = append(t.Poses[:0:0], poses...)
}

// Trajectory returns a copy of the robot's poses, or nil if unknown.
func (d *Draft) Trajectory(robot string) []Pose {
	t, ok := d.next.trajectories[robot]
	if !ok {
		return nil
	}
	return append([]Pose(nil), t.Poses...)
}

// Robots lists the robots present in the draft, sorted for deterministic
// pipeline iteration.
func (d *Draft) Robots() []string {
	names := make([]string, 0, len(d.next.trajectories))
	for name := range d.next.trajectories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetExtrinsic records the sensor-to-body transform for a robot sensor.
func (d *Draft) SetExtrinsic(robot string, st SensorType, ex Extrinsic) {
	sensors, ok := d.next.extrinsics[robot]
	if !ok {
		sensors = map[SensorType]Extrinsic{}
		d.next.extrinsics[robot] = sensors
	}
	sensors[st] = ex
}

// AddLandmarks adds to the global landmark count.
func (d *Draft) AddLandmarks(n int) {
	d.next.landmarkCount += n
}

// LandmarkCount returns the draft's landmark count.
func (d *Draft) LandmarkCount() int {
	return d.next.landmarkCount
}

// MarkSubmapMerged bumps the merged-submap counter.
func (d *Draft) MarkSubmapMerged() {
	d.next.mergedSubmaps++
}

// Snapshot is an immutable view of the map at a fixed version. It is safe
// to share between goroutines and stays coherent while later merges are
// published.
type Snapshot struct {
	Version uint64

	data *mapData
}

// Robots lists the robots with a trajectory in the snapshot, sorted.
func (sn Snapshot) Robots() []string {
	names := make([]string, 0, len(sn.data.trajectories))
	for name := range sn.data.trajectories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TrajectoryPoses returns a copy of the robot's poses, or nil if the
// robot is unknown to this snapshot.
func (sn Snapshot) TrajectoryPoses(robot string) []Pose {
	t, ok := sn.data.trajectories[robot]
	if !ok {
		return nil
	}
	return append([]Pose(nil), t.Poses...)
}

// LandmarkCount returns the number of landmarks in the snapshot.
func (sn Snapshot) LandmarkCount() int {
	return sn.data.landmarkCount
}

// MergedSubmaps returns how many submaps have been merged into the
// snapshot.
func (sn Snapshot) MergedSubmaps() int {
	return sn.data.mergedSubmaps
}
