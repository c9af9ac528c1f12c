// Package task binds a scheduled exploit run to its container and derives a
// task status from the container's engine state.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
)

// FlagPath is where a successful exploit leaves the captured flag inside its
// container.
const FlagPath = "/tmp/flag"

// Status is the derived lifecycle state of a task.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusOkay         Status = "OKAY"
	StatusRuntimeError Status = "RUNTIME_ERROR"
	StatusTimeout      Status = "TIMEOUT"
)

// TaskStatus is the latest observed classification of a task. Flag is only
// set when Status is OKAY, and may still be empty when the container finished
// without producing one.
type TaskStatus struct {
	Status Status
	Stdout string
	Stderr string
	Flag   string
}

// Engine is the container engine surface a task drives.
type Engine interface {
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string) (string, string, error)
	ReadContainerFile(ctx context.Context, containerID, path string) ([]byte, error)
}

// Task owns one container handle. TaskID is the scoring backend's identifier
// and the authoritative cross-system correlator.
type Task struct {
	TaskID      int64
	ExploitID   string
	TeamSlug    string
	ContainerID string
	Timeout     time.Duration
	Status      TaskStatus

	engine Engine
	logger *slog.Logger
}

// New builds a task around an existing container.
func New(engine Engine, logger *slog.Logger, taskID int64, exploitID, teamSlug, containerID string, timeout time.Duration) *Task {
	return &Task{
		TaskID:      taskID,
		ExploitID:   exploitID,
		TeamSlug:    teamSlug,
		ContainerID: containerID,
		Timeout:     timeout,
		Status:      TaskStatus{Status: StatusPending},
		engine:      engine,
		logger:      logger,
	}
}

// Orphan builds a task shell for a dangling container whose task id was still
// recoverable from its labels. It carries a RUNTIME_ERROR status and no
// container handle.
func Orphan(taskID int64) *Task {
	return &Task{
		TaskID: taskID,
		Status: TaskStatus{Status: StatusRuntimeError},
	}
}

// Start engine-starts the container. The next refresh is expected to observe
// RUNNING.
func (t *Task) Start(ctx context.Context) error {
	return t.engine.StartContainer(ctx, t.ContainerID)
}

// Delete removes the container, forcibly on recovery paths.
func (t *Task) Delete(ctx context.Context, force bool) error {
	return t.engine.RemoveContainer(ctx, t.ContainerID, force)
}

// RefreshStatus inspects the container and classifies it:
//
//	created/paused        -> PENDING
//	running within budget -> RUNNING
//	running past budget   -> TIMEOUT, container force-deleted; stays RUNNING
//	                         until the removal goes through
//	exited code 0         -> OKAY, flag extracted, container retained for the
//	                         caller to delete after submission
//	exited code != 0      -> RUNTIME_ERROR, container deleted
//	anything else         -> RUNTIME_ERROR, container retained for inspection
func (t *Task) RefreshStatus(ctx context.Context, now time.Time) (TaskStatus, error) {
	info, err := t.engine.InspectContainer(ctx, t.ContainerID)
	if err != nil {
		return TaskStatus{}, err
	}
	if info.State == nil {
		return TaskStatus{}, fmt.Errorf("container %s has no state", t.ContainerID)
	}

	stdout, stderr, err := t.engine.ContainerLogs(ctx, t.ContainerID)
	if err != nil {
		return TaskStatus{}, err
	}

	status := TaskStatus{Stdout: stdout, Stderr: stderr}

	switch info.State.Status {
	case "created", "paused":
		status.Status = StatusPending

	case "running":
		startedAt, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
		if err != nil {
			return TaskStatus{}, fmt.Errorf("container %s has invalid StartedAt %q: %w",
				t.ContainerID, info.State.StartedAt, err)
		}
		if now.Sub(startedAt) > t.Timeout {
			// the engine refuses unforced removal of a running container;
			// until removal succeeds it still occupies a running slot
			if err := t.Delete(ctx, true); err != nil {
				t.logger.Error("failed to delete timed out container",
					"container_id", t.ContainerID, "task_id", t.TaskID, "error", err)
				status.Status = StatusRunning
			} else {
				status.Status = StatusTimeout
			}
		} else {
			status.Status = StatusRunning
		}

	case "exited":
		if info.State.ExitCode == 0 {
			status.Status = StatusOkay
			flag, err := t.engine.ReadContainerFile(ctx, t.ContainerID, FlagPath)
			if err != nil {
				t.logger.Error("failed to extract flag",
					"container_id", t.ContainerID, "task_id", t.TaskID, "error", err)
			} else if flag == nil {
				t.logger.Warn("exploit finished successfully but produced no flag",
					"exploit_id", t.ExploitID, "task_id", t.TaskID)
			} else {
				status.Flag = string(flag)
			}
		} else {
			status.Status = StatusRuntimeError
			if err := t.Delete(ctx, false); err != nil {
				t.logger.Error("failed to delete crashed container",
					"container_id", t.ContainerID, "task_id", t.TaskID, "error", err)
			}
		}

	default:
		// restarting, removing or dead; retained for operator inspection
		status.Status = StatusRuntimeError
	}

	t.Status = status
	return status, nil
}
