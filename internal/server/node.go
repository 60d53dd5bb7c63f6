package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maxmars1/maplab/internal/engine"
	"github.com/maxmars1/maplab/internal/monitoring"
	"github.com/maxmars1/maplab/internal/security"
	"github.com/maxmars1/maplab/internal/timeutil"
	"github.com/maxmars1/maplab/internal/version"
	"github.com/maxmars1/maplab/internal/vimap"
)

// ErrDraining is returned for notifications that arrive while the node
// is shutting down or not yet started.
var ErrDraining = errors.New("map server is not accepting new submaps")

// NodeState is the server lifecycle state.
type NodeState int

const (
	NodeStopped NodeState = iota
	NodeRunning
	NodeDraining
)

func (s NodeState) String() string {
	switch s {
	case NodeRunning:
		return "running"
	case NodeDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Engine is what the node needs from the mapping engine. The builtin
// engine satisfies it; tests substitute failing or recording fakes.
type Engine interface {
	LoadSubmap(ctx context.Context, robotName, mapPath string) (*engine.Submap, error)
	RunSubmapCommand(ctx context.Context, name string, sm *engine.Submap) error
	MergeSubmap(sm *engine.Submap, d *vimap.Draft) error
	RunGlobalCommand(ctx context.Context, name string, d *vimap.Draft) error
	HasSubmapCommand(name string) bool
	HasGlobalCommand(name string) bool
}

// Recorder archives merge and backup events. May be nil on a Node;
// recording failures are logged, never fatal.
type Recorder interface {
	RecordMerge(jobID, robot, mapPath string, version uint64, duration time.Duration, status, errMsg string) error
	RecordBackup(folder string, version uint64, reason string) error
}

// Visualizer renders a snapshot of the map. Rendering is fire-and-forget
// from the node's point of view.
type Visualizer interface {
	Render(sn vimap.Snapshot, outDir string) error
}

// Status is a point-in-time view of the node for the status API.
type Status struct {
	State            string `json:"state"`
	ServerVersion    string `json:"server_version"`
	MapVersion       uint64 `json:"map_version"`
	QueueDepth       int    `json:"queue_depth"`
	MergedSubmaps    int    `json:"merged_submaps"`
	SuccessfulMerges int    `json:"successful_merges"`
	FailedMerges     int    `json:"failed_merges"`
	GlobalMapRuns    int    `json:"global_map_runs"`
	CurrentCommand   string `json:"current_command,omitempty"`
	CurrentRobot     string `json:"current_robot,omitempty"`
}

// Node ties the queue, the mapping engine, and the map state together.
// One worker goroutine processes jobs in arrival order; queries read
// snapshots and never block the worker.
type Node struct {
	cfg    Config
	eng    Engine
	state  *vimap.MapState
	queue  *Queue
	clock  timeutil.Clock
	rec    Recorder
	vis    Visualizer
	backup *backupLoop

	mu               sync.Mutex
	lifecycle        NodeState
	successfulMerges int
	failedMerges     int
	globalMapRuns    int
	sinceGlobalRun   int
	currentCommand   string
	currentRobot     string

	workerDone chan struct{}
	drainOnce  sync.Once
	finishOnce sync.Once
}

// NodeOption customises a Node beyond its config.
type NodeOption func(*Node)

// WithClock substitutes the clock, used by tests to drive the backup
// loop deterministically.
func WithClock(c timeutil.Clock) NodeOption {
	return func(n *Node) { n.clock = c }
}

// WithRecorder attaches an event archive.
func WithRecorder(r Recorder) NodeOption {
	return func(n *Node) { n.rec = r }
}

// WithVisualizer attaches a map visualizer.
func WithVisualizer(v Visualizer) NodeOption {
	return func(n *Node) { n.vis = v }
}

// NewNode creates a stopped node.
func NewNode(cfg Config, eng Engine, opts ...NodeOption) *Node {
	n := &Node{
		cfg:        cfg,
		eng:        eng,
		state:      vimap.NewMapState(),
		queue:      NewQueue(cfg.QueueCapacity),
		clock:      timeutil.RealClock{},
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// MapState exposes the versioned map, mainly for restoring a backup
// before Start.
func (n *Node) MapState() *vimap.MapState { return n.state }

// Snapshot returns a consistent view of the map for queries.
func (n *Node) Snapshot() vimap.Snapshot { return n.state.TakeSnapshot() }

// Start validates the configured pipelines against the engine and
// launches the worker and backup loops. Starting a node twice is an
// error.
func (n *Node) Start(ctx context.Context) error {
	for _, name := range n.cfg.SubmapCommands {
		if !n.eng.HasSubmapCommand(name) {
			return fmt.Errorf("submap pipeline: %w: %q", engine.ErrUnknownCommand, name)
		}
	}
	for _, name := range n.cfg.GlobalMapCommands {
		if !n.eng.HasGlobalCommand(name) {
			return fmt.Errorf("global map pipeline: %w: %q", engine.ErrUnknownCommand, name)
		}
	}

	n.mu.Lock()
	if n.lifecycle != NodeStopped {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.lifecycle = NodeRunning
	n.mu.Unlock()

	monitoring.Logf("[MapServer] Started: submap pipeline %v, global pipeline %v every %d merges",
		n.cfg.SubmapCommands, n.cfg.GlobalMapCommands, n.cfg.GlobalMapEveryN)

	go n.workerLoop(ctx)

	n.backup = newBackupLoop(n, time.Duration(n.cfg.BackupIntervalS)*time.Second)
	go n.backup.run()
	return nil
}

// LoadAndProcessSubmap validates a submap-ready notification and queues
// it for the worker. It returns the job ID on acceptance.
func (n *Node) LoadAndProcessSubmap(robotName, mapPath string) (uuid.UUID, error) {
	if strings.TrimSpace(robotName) == "" {
		return uuid.Nil, errors.New("robot name must not be empty")
	}
	if mapPath == "" {
		return uuid.Nil, errors.New("map path must not be empty")
	}
	if n.cfg.SubmapRoot != "" {
		if err := security.ValidatePathWithinDirectory(mapPath, n.cfg.SubmapRoot); err != nil {
			return uuid.Nil, fmt.Errorf("map path rejected: %w", err)
		}
	}
	if _, err := os.Stat(mapPath); err != nil {
		return uuid.Nil, fmt.Errorf("map path '%s' is not accessible: %w", mapPath, err)
	}

	n.mu.Lock()
	running := n.lifecycle == NodeRunning
	n.mu.Unlock()
	if !running {
		return uuid.Nil, ErrDraining
	}

	job := SubmapJob{
		ID:          uuid.New(),
		RobotName:   robotName,
		MapPath:     mapPath,
		EnqueueTime: n.clock.Now(),
	}
	if err := n.queue.Enqueue(job); err != nil {
		return uuid.Nil, err
	}
	monitoring.Logf("[MapServer] Queued submap %s for robot '%s' (%s)", job.ID, robotName, mapPath)
	return job.ID, nil
}

func (n *Node) workerLoop(ctx context.Context) {
	defer close(n.workerDone)
	for {
		job, ok := n.queue.Dequeue()
		if !ok {
			return
		}
		n.processJob(ctx, job)
	}
}

func (n *Node) setCurrent(command, robot string) {
	n.mu.Lock()
	n.currentCommand = command
	n.currentRobot = robot
	n.mu.Unlock()
}

// processJob runs the full submap pipeline for one job and merges the
// result. A failure at any step discards the submap; the published map
// is never left with a partially processed submap.
func (n *Node) processJob(ctx context.Context, job SubmapJob) {
	started := n.clock.Now()
	err := n.runSubmapPipeline(ctx, job)
	duration := n.clock.Since(started)
	n.setCurrent("", "")

	n.mu.Lock()
	status := "success"
	errMsg := ""
	if err != nil {
		n.failedMerges++
		status = "failed"
		errMsg = err.Error()
	} else {
		n.successfulMerges++
		n.sinceGlobalRun++
	}
	runGlobal := err == nil && n.sinceGlobalRun >= n.cfg.GlobalMapEveryN
	if runGlobal {
		n.sinceGlobalRun = 0
	}
	n.mu.Unlock()

	if err != nil {
		monitoring.Logf("[MapServer] Submap %s for robot '%s' failed after %v: %v",
			job.ID, job.RobotName, duration, err)
	} else {
		monitoring.Logf("[MapServer] Merged submap %s for robot '%s' in %v, map version %d",
			job.ID, job.RobotName, duration, n.state.Version())
	}
	n.recordMerge(job, duration, status, errMsg)

	if runGlobal {
		n.runGlobalPipeline(ctx)
	}
}

func (n *Node) runSubmapPipeline(ctx context.Context, job SubmapJob) error {
	n.setCurrent("load", job.RobotName)
	sm, err := n.eng.LoadSubmap(ctx, job.RobotName, job.MapPath)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	for _, name := range n.cfg.SubmapCommands {
		n.setCurrent(name, job.RobotName)
		if err := n.eng.RunSubmapCommand(ctx, name, sm); err != nil {
			return fmt.Errorf("command '%s': %w", name, err)
		}
	}
	n.setCurrent("merge", job.RobotName)
	return n.state.Mutate(func(d *vimap.Draft) error {
		return n.eng.MergeSubmap(sm, d)
	})
}

// runGlobalPipeline refines the whole map in one atomic step. The map
// version is unchanged; the global pipeline reshapes already merged
// data rather than admitting new data.
func (n *Node) runGlobalPipeline(ctx context.Context) {
	err := n.state.Refine(func(d *vimap.Draft) error {
		for _, name := range n.cfg.GlobalMapCommands {
			n.setCurrent(name, "")
			if err := n.eng.RunGlobalCommand(ctx, name, d); err != nil {
				return fmt.Errorf("command '%s': %w", name, err)
			}
		}
		return nil
	})
	n.setCurrent("", "")
	if err != nil {
		monitoring.Logf("[MapServer] Global map pipeline failed, keeping previous map: %v", err)
		return
	}
	n.mu.Lock()
	n.globalMapRuns++
	n.mu.Unlock()
	monitoring.Logf("[MapServer] Global map pipeline completed at version %d", n.state.Version())
}

// SaveMap writes the current map to folder, or to the configured merged
// map folder when folder is empty. Saving is allowed while draining so
// operators can capture the final state during shutdown.
func (n *Node) SaveMap(folder string) (string, error) {
	n.mu.Lock()
	stopped := n.lifecycle == NodeStopped
	n.mu.Unlock()
	if stopped {
		return "", ErrDraining
	}
	if folder == "" {
		folder = n.cfg.MergedMapFolder
	}
	sn := n.state.TakeSnapshot()
	if err := vimap.SaveSnapshot(sn, folder); err != nil {
		return "", err
	}
	return folder, nil
}

// VisualizeMap renders the current map in the background.
func (n *Node) VisualizeMap() error {
	if n.vis == nil {
		return errors.New("no visualizer configured")
	}
	sn := n.state.TakeSnapshot()
	outDir := filepath.Join(n.cfg.MergedMapFolder, "visualizations")
	go func() {
		if err := n.vis.Render(sn, outDir); err != nil {
			monitoring.Logf("[MapServer] Visualization failed: %v", err)
		}
	}()
	return nil
}

// Status reports the node for the status API.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	sn := n.state.TakeSnapshot()
	return Status{
		State:            n.lifecycle.String(),
		ServerVersion:    version.Version,
		MapVersion:       sn.Version,
		QueueDepth:       n.queue.Len(),
		MergedSubmaps:    sn.MergedSubmaps(),
		SuccessfulMerges: n.successfulMerges,
		FailedMerges:     n.failedMerges,
		GlobalMapRuns:    n.globalMapRuns,
		CurrentCommand:   n.currentCommand,
		CurrentRobot:     n.currentRobot,
	}
}

// Shutdown drains the node: new notifications are rejected, queued jobs
// are processed to completion, and the worker is joined. Safe to call
// more than once; later calls wait for the first to finish.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.lifecycle == NodeStopped {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.drainOnce.Do(func() {
		n.mu.Lock()
		n.lifecycle = NodeDraining
		n.mu.Unlock()
		monitoring.Logf("[MapServer] Draining: %d jobs queued", n.queue.Len())
		n.queue.Close()
		if n.backup != nil {
			n.backup.stop()
		}
	})

	select {
	case <-n.workerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	n.finishOnce.Do(func() {
		if n.cfg.SaveMapOnShutdown {
			if folder, err := n.SaveMap(""); err != nil {
				monitoring.Logf("[MapServer] Final map save failed: %v", err)
			} else {
				monitoring.Logf("[MapServer] Final map saved to '%s'", folder)
			}
		}
		n.mu.Lock()
		n.lifecycle = NodeStopped
		n.mu.Unlock()
		monitoring.Logf("[MapServer] Stopped at map version %d", n.state.Version())
	})
	return nil
}

func (n *Node) recordMerge(job SubmapJob, duration time.Duration, status, errMsg string) {
	if n.rec == nil {
		return
	}
	err := n.rec.RecordMerge(job.ID.String(), job.RobotName, job.MapPath,
		n.state.Version(), duration, status, errMsg)
	if err != nil {
		monitoring.Logf("[MapServer] Failed to archive merge event: %v", err)
	}
}

func (n *Node) recordBackup(folder string, version uint64, reason string) {
	if n.rec == nil {
		return
	}
	if err := n.rec.RecordBackup(folder, version, reason); err != nil {
		monitoring.Logf("[MapServer] Failed to archive backup event: %v", err)
	}
}
