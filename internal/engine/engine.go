package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxmars1/maplab/internal/monitoring"
	"github.com/maxmars1/maplab/internal/vimap"
)

// ErrUnknownCommand is returned when a pipeline names a command the
// engine does not provide.
var ErrUnknownCommand = errors.New("unknown pipeline command")

// SubmapCommand is one named processing step over a loaded submap.
type SubmapCommand func(ctx context.Context, sm *Submap) error

// GlobalCommand is one named processing step over a draft of the global
// map.
type GlobalCommand func(ctx context.Context, d *vimap.Draft) error

// Builtin is the in-process mapping engine. Commands are dispatched by
// name from registries that are fixed after construction, so a
// misconfigured pipeline is caught at startup rather than mid-run.
type Builtin struct {
	submapCommands map[string]SubmapCommand
	globalCommands map[string]GlobalCommand
}

// NewBuiltin creates the engine with the standard command set.
func NewBuiltin() *Builtin {
	return &Builtin{
		submapCommands: map[string]SubmapCommand{
			"align":            cmdAlign,
			"optimize":         cmdOptimize,
			"filter_landmarks": cmdFilterLandmarks,
		},
		globalCommands: map[string]GlobalCommand{
			"relax":           cmdRelaxGlobal,
			"loop_close":      cmdLoopCloseGlobal,
			"optimize_global": cmdOptimizeGlobal,
		},
	}
}

// RegisterSubmapCommand adds or replaces a named submap command. Intended
// for wiring experimental commands before Start; not safe once the
// pipeline is running.
func (e *Builtin) RegisterSubmapCommand(name string, cmd SubmapCommand) {
	e.submapCommands[name] = cmd
}

// RegisterGlobalCommand adds or replaces a named global-map command.
func (e *Builtin) RegisterGlobalCommand(name string, cmd GlobalCommand) {
	e.globalCommands[name] = cmd
}

// HasSubmapCommand reports whether name is a registered submap command.
func (e *Builtin) HasSubmapCommand(name string) bool {
	_, ok := e.submapCommands[name]
	return ok
}

// HasGlobalCommand reports whether name is a registered global command.
func (e *Builtin) HasGlobalCommand(name string) bool {
	_, ok := e.globalCommands[name]
	return ok
}

// LoadSubmap reads and validates the submap document for a job.
func (e *Builtin) LoadSubmap(_ context.Context, robotName, mapPath string) (*Submap, error) {
	return LoadSubmap(robotName, mapPath)
}

// RunSubmapCommand executes one named command against a submap.
func (e *Builtin) RunSubmapCommand(ctx context.Context, name string, sm *Submap) error {
	cmd, ok := e.submapCommands[name]
	if !ok {
		return fmt.Errorf("%w: submap command %q", ErrUnknownCommand, name)
	}
	monitoring.Logf("[MappingEngine] Running submap command '%s' for robot '%s'", name, sm.Robot)
	return cmd(ctx, sm)
}

// RunGlobalCommand executes one named command against a global map draft.
func (e *Builtin) RunGlobalCommand(ctx context.Context, name string, d *vimap.Draft) error {
	cmd, ok := e.globalCommands[name]
	if !ok {
		return fmt.Errorf("%w: global command %q", ErrUnknownCommand, name)
	}
	monitoring.Logf("[MappingEngine] Running global map command '%s'", name)
	return cmd(ctx, d)
}

// MergeSubmap folds a fully processed submap into the draft: trajectory
// segment, sensor extrinsics, and surviving landmarks.
func (e *Builtin) MergeSubmap(sm *Submap, d *vimap.Draft) error {
	if err := d.AppendTrajectory(sm.Robot, sm.Poses); err != nil {
		return err
	}
	for st, ex := range sm.Extrinsics {
		d.SetExtrinsic(sm.Robot, st, ex)
	}
	d.AddLandmarks(len(sm.Landmarks))
	d.MarkSubmapMerged()
	return nil
}
