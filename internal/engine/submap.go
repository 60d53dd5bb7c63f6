// Package engine implements the built-in mapping engine: submap loading,
// the named command registry, and the geometric commands the server
// pipeline dispatches by name.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/maxmars1/maplab/internal/vimap"
)

// submapFileName is the submap document expected inside a submap folder.
const submapFileName = "submap.json"

// Landmark is a single mapped landmark observed in a submap.
type Landmark struct {
	Position     r3.Vec
	Observations int
}

// Submap is one incremental map fragment from a robot, loaded from disk
// and owned by the worker for the duration of its pipeline run.
type Submap struct {
	Robot      string
	SourcePath string

	// Anchor is the transform from the submap's local frame into the
	// global frame, declared by the producing robot.
	Anchor vimap.Pose

	Poses      []vimap.Pose
	Extrinsics map[vimap.SensorType]vimap.Extrinsic
	Landmarks  []Landmark

	aligned bool
}

// RobotName returns the owning robot's name.
func (s *Submap) RobotName() string { return s.Robot }

// submapDoc is the on-disk JSON schema of a submap.
type submapDoc struct {
	RobotName string `json:"robot_name"`
	Anchor    *struct {
		Position [3]float64 `json:"position"`
		Rotation [4]float64 `json:"rotation"` // w, x, y, z
	} `json:"anchor,omitempty"`
	Poses []struct {
		TimestampNs int64      `json:"timestamp_ns"`
		Position    [3]float64 `json:"position"`
		Rotation    [4]float64 `json:"rotation"`
	} `json:"poses"`
	Sensors []struct {
		Type        string     `json:"type"`
		Translation [3]float64 `json:"translation"`
		Rotation    [4]float64 `json:"rotation"`
	} `json:"sensors"`
	Landmarks []struct {
		Position     [3]float64 `json:"position"`
		Observations int        `json:"observations"`
	} `json:"landmarks"`
}

func vecOf(a [3]float64) r3.Vec {
	return r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}

func quatOf(a [4]float64) quat.Number {
	return vimap.Normalize(quat.Number{Real: a[0], Imag: a[1], Jmag: a[2], Kmag: a[3]})
}

// LoadSubmap reads and validates a submap document. mapPath may be the
// submap folder (containing submap.json) or the document itself.
func LoadSubmap(robotName, mapPath string) (*Submap, error) {
	docPath := mapPath
	if info, err := os.Stat(mapPath); err == nil && info.IsDir() {
		docPath = filepath.Join(mapPath, submapFileName)
	}

	data, err := os.ReadFile(docPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read submap document: %w", err)
	}
	var doc submapDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse submap document '%s': %w", docPath, err)
	}

	if doc.RobotName != "" && doc.RobotName != robotName {
		return nil, fmt.Errorf(
			"submap document declares robot %q but the notification was for robot %q",
			doc.RobotName, robotName)
	}
	if len(doc.Poses) == 0 {
		return nil, fmt.Errorf("submap for robot %q contains no poses", robotName)
	}

	sm := &Submap{
		Robot:      robotName,
		SourcePath: mapPath,
		Anchor:     vimap.Pose{Rotation: vimap.IdentityRotation()},
		Extrinsics: map[vimap.SensorType]vimap.Extrinsic{},
	}
	if doc.Anchor != nil {
		sm.Anchor = vimap.Pose{
			Position: vecOf(doc.Anchor.Position),
			Rotation: quatOf(doc.Anchor.Rotation),
		}
	}

	last := int64(-1 << 62)
	for i, p := range doc.Poses {
		if p.TimestampNs <= last {
			return nil, fmt.Errorf("submap for robot %q has non-increasing timestamps at pose %d", robotName, i)
		}
		last = p.TimestampNs
		sm.Poses = append(sm.Poses, vimap.Pose{
			TimestampNs: p.TimestampNs,
			Position:    vecOf(p.Position),
			Rotation:    quatOf(p.Rotation),
		})
	}

	for _, s := range doc.Sensors {
		st := vimap.ParseSensorType(s.Type)
		if st == vimap.SensorInvalid {
			return nil, fmt.Errorf("submap for robot %q declares unknown sensor type %q", robotName, s.Type)
		}
		sm.Extrinsics[st] = vimap.Extrinsic{
			Translation: vecOf(s.Translation),
			Rotation:    quatOf(s.Rotation),
		}
	}

	for _, l := range doc.Landmarks {
		sm.Landmarks = append(sm.Landmarks, Landmark{
			Position:     vecOf(l.Position),
			Observations: l.Observations,
		})
	}

	return sm, nil
}
