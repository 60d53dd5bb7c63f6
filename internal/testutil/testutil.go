// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// SubmapPose is one pose entry of a submap fixture document.
type SubmapPose struct {
	TimestampNs int64      `json:"timestamp_ns"`
	Position    [3]float64 `json:"position"`
	Rotation    [4]float64 `json:"rotation"`
}

// SubmapSensor is one sensor entry of a submap fixture document.
type SubmapSensor struct {
	Type        string     `json:"type"`
	Translation [3]float64 `json:"translation"`
	Rotation    [4]float64 `json:"rotation"`
}

// SubmapLandmark is one landmark entry of a submap fixture document.
type SubmapLandmark struct {
	Position     [3]float64 `json:"position"`
	Observations int        `json:"observations"`
}

// SubmapDoc is a submap fixture document matching the engine's on-disk
// schema.
type SubmapDoc struct {
	RobotName string           `json:"robot_name,omitempty"`
	Poses     []SubmapPose     `json:"poses"`
	Sensors   []SubmapSensor   `json:"sensors,omitempty"`
	Landmarks []SubmapLandmark `json:"landmarks,omitempty"`
}

// SimpleSubmapDoc builds a straight-line submap fixture for robotName
// with n poses spaced one second apart starting at startNs, carrying a
// lidar sensor at the body origin.
func SimpleSubmapDoc(robotName string, startNs int64, n int) SubmapDoc {
	doc := SubmapDoc{
		RobotName: robotName,
		Sensors: []SubmapSensor{
			{Type: "lidar", Rotation: [4]float64{1, 0, 0, 0}},
		},
	}
	for i := 0; i < n; i++ {
		doc.Poses = append(doc.Poses, SubmapPose{
			TimestampNs: startNs + int64(i)*1_000_000_000,
			Position:    [3]float64{float64(i), 0, 0},
			Rotation:    [4]float64{1, 0, 0, 0},
		})
	}
	return doc
}

// WriteSubmapDir writes doc as submap.json inside a fresh subdirectory
// of dir and returns the subdirectory path.
func WriteSubmapDir(t *testing.T, dir, name string, doc SubmapDoc) string {
	t.Helper()
	sub := filepath.Join(dir, name)
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("failed to create submap dir: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("failed to marshal submap doc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "submap.json"), data, 0o644); err != nil {
		t.Fatalf("failed to write submap doc: %v", err)
	}
	return sub
}
