// Package vimap holds the shared, versioned global map: per-robot
// trajectories, sensor extrinsics, and the snapshot machinery used to
// answer concurrent lookups while a single worker merges submaps.
package vimap

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a single timestamped body pose expressed in the global frame.
// Rotation is a unit quaternion taking body-frame vectors to the global
// frame.
type Pose struct {
	TimestampNs int64
	Position    r3.Vec
	Rotation    quat.Number
}

// SensorType tags the coordinate frame a lookup point is expressed in.
type SensorType int

const (
	SensorInvalid SensorType = iota
	SensorLidar
	SensorCamera
	SensorIMU
	SensorWheelOdometry
)

// ParseSensorType maps a wire tag to a SensorType. Unrecognised tags map
// to SensorInvalid.
func ParseSensorType(tag string) SensorType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "lidar":
		return SensorLidar
	case "camera":
		return SensorCamera
	case "imu":
		return SensorIMU
	case "wheel_odometry", "wheel-odometry":
		return SensorWheelOdometry
	default:
		return SensorInvalid
	}
}

// String returns the canonical wire tag for the sensor type.
func (s SensorType) String() string {
	switch s {
	case SensorLidar:
		return "lidar"
	case SensorCamera:
		return "camera"
	case SensorIMU:
		return "imu"
	case SensorWheelOdometry:
		return "wheel_odometry"
	default:
		return "invalid"
	}
}

// Extrinsic is the fixed transform from a sensor frame to the robot body
// frame: p_B = Rotation * p_S + Translation.
type Extrinsic struct {
	Translation r3.Vec
	Rotation    quat.Number
}

// IdentityRotation returns the identity unit quaternion.
func IdentityRotation() quat.Number {
	return quat.Number{Real: 1}
}

// Rotate applies the unit quaternion q to v (q v q*).
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize scales q to unit length. A degenerate zero quaternion becomes
// the identity.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return IdentityRotation()
	}
	return quat.Scale(1/n, q)
}

// Slerp spherically interpolates between unit quaternions a and b with
// parameter t in [0, 1]. Near-parallel inputs fall back to normalized
// linear interpolation.
func Slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	// Take the short arc.
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		// nlerp fallback for nearly identical rotations
		return Normalize(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}

// Lerp linearly interpolates between positions a and b.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(r3.Scale(1-t, a), r3.Scale(t, b))
}

// InterpolatePose interpolates the pose between p0 and p1 at tsNs, which
// must lie within [p0.TimestampNs, p1.TimestampNs].
func InterpolatePose(p0, p1 Pose, tsNs int64) Pose {
	if p1.TimestampNs == p0.TimestampNs {
		return p0
	}
	t := float64(tsNs-p0.TimestampNs) / float64(p1.TimestampNs-p0.TimestampNs)
	return Pose{
		TimestampNs: tsNs,
		Position:    Lerp(p0.Position, p1.Position, t),
		Rotation:    Slerp(p0.Rotation, p1.Rotation, t),
	}
}
