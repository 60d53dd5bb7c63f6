package vimap

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// LookupStatus is the per-item result code of a map lookup. The numeric
// values are wire-stable.
type LookupStatus int

const (
	LookupSuccess LookupStatus = iota
	LookupRobotUnknown
	LookupSensorUnknown
	LookupTimestampOutOfRange
)

// String returns a human-readable status name for logs.
func (s LookupStatus) String() string {
	switch s {
	case LookupSuccess:
		return "SUCCESS"
	case LookupRobotUnknown:
		return "ROBOT_UNKNOWN"
	case LookupSensorUnknown:
		return "SENSOR_UNKNOWN"
	case LookupTimestampOutOfRange:
		return "TIMESTAMP_OUT_OF_RANGE"
	default:
		return "UNKNOWN"
	}
}

// LookupResult carries the outcome of one lookup item. The points are
// only meaningful when Status is LookupSuccess.
type LookupResult struct {
	Status             LookupStatus
	PointGlobal        r3.Vec
	SensorOriginGlobal r3.Vec
}

// Lookup resolves a point expressed in the given sensor frame of a robot
// at tsNs into the global frame, together with the sensor's origin in the
// global frame. A failure affects only this result, never the snapshot.
func (sn Snapshot) Lookup(robot string, sensor SensorType, tsNs int64, pointSensor r3.Vec) LookupResult {
	traj, ok := sn.data.trajectories[robot]
	if !ok {
		return LookupResult{Status: LookupRobotUnknown}
	}

	if sensor == SensorInvalid {
		return LookupResult{Status: LookupSensorUnknown}
	}
	ex, ok := sn.data.extrinsics[robot][sensor]
	if !ok {
		return LookupResult{Status: LookupSensorUnknown}
	}

	pose, ok := traj.PoseAt(tsNs)
	if !ok {
		return LookupResult{Status: LookupTimestampOutOfRange}
	}

	// p_B = R_B_S * p_S + t_B_S; p_G = R_G_B * p_B + t_G_B.
	pointBody := r3.Add(Rotate(ex.Rotation, pointSensor), ex.Translation)
	pointGlobal := r3.Add(Rotate(pose.Rotation, pointBody), pose.Position)
	sensorOriginGlobal := r3.Add(Rotate(pose.Rotation, ex.Translation), pose.Position)

	return LookupResult{
		Status:             LookupSuccess,
		PointGlobal:        pointGlobal,
		SensorOriginGlobal: sensorOriginGlobal,
	}
}
