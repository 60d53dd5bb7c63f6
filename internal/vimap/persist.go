package vimap

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maxmars1/maplab/internal/monitoring"
	"github.com/maxmars1/maplab/internal/security"
)

const manifestName = "map_manifest.json"

// manifest describes a saved snapshot directory.
type manifest struct {
	Version       uint64          `json:"version"`
	MergedSubmaps int             `json:"merged_submaps"`
	LandmarkCount int             `json:"landmark_count"`
	SavedAt       time.Time       `json:"saved_at"`
	Robots        []manifestRobot `json:"robots"`
}

type manifestRobot struct {
	Name string `json:"name"`
	File string `json:"file"`
}

// robotBlob is the gob payload stored per robot.
type robotBlob struct {
	Poses      []Pose
	Extrinsics map[SensorType]Extrinsic
}

// SaveSnapshot persists the snapshot into dir: a JSON manifest plus one
// gzipped gob blob per robot. The directory is created if needed.
func SaveSnapshot(sn Snapshot, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot folder: %w", err)
	}

	m := manifest{
		Version:       sn.Version,
		MergedSubmaps: sn.data.mergedSubmaps,
		LandmarkCount: sn.data.landmarkCount,
		SavedAt:       time.Now().UTC(),
	}

	for i, robot := range sn.Robots() {
		file := fmt.Sprintf("robot_%03d_%s.traj.gz", i, security.SanitizeFilename(robot))
		blob := robotBlob{
			Poses:      sn.data.trajectories[robot].Poses,
			Extrinsics: sn.data.extrinsics[robot],
		}
		if err := writeRobotBlob(filepath.Join(dir, file), blob); err != nil {
			return fmt.Errorf("failed to write trajectory for robot %q: %w", robot, err)
		}
		m.Robots = append(m.Robots, manifestRobot{Name: robot, File: file})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	monitoring.Logf("[vimap] Saved map version %d (%d robots) to '%s'", sn.Version, len(m.Robots), dir)
	return nil
}

// LoadSnapshot restores a snapshot previously written by SaveSnapshot.
func LoadSnapshot(dir string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	md := newMapData()
	md.mergedSubmaps = m.MergedSubmaps
	md.landmarkCount = m.LandmarkCount
	for _, r := range m.Robots {
		blob, err := readRobotBlob(filepath.Join(dir, r.File))
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to read trajectory for robot %q: %w", r.Name, err)
		}
		md.trajectories[r.Name] = &Trajectory{RobotName: r.Name, Poses: blob.Poses}
		if len(blob.Extrinsics) > 0 {
			md.extrinsics[r.Name] = blob.Extrinsics
		}
	}

	return Snapshot{Version: m.Version, data: md}, nil
}

func writeRobotBlob(path string, blob robotBlob) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	if err := gob.NewEncoder(gz).Encode(blob); err != nil {
		gz.Close()
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readRobotBlob(path string) (robotBlob, error) {
	var blob robotBlob
	f, err := os.Open(path)
	if err != nil {
		return blob, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return blob, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	if err := gob.NewDecoder(gz).Decode(&blob); err != nil {
		return blob, fmt.Errorf("failed to decode trajectory blob: %w", err)
	}
	return blob, nil
}
