package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"

	"fireball/internal/docker"
	"fireball/internal/task"
)

// Start launches the reconcile loop. Disconnect stops it and waits for the
// in-flight iteration to finish.
func (r *Runtime) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(loopCtx)
}

// Disconnect stops the reconcile loop. Safe to call before Start.
func (r *Runtime) Disconnect() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Runtime) run(ctx context.Context) {
	defer close(r.done)

	r.logger.Info("starting reconciler", "interval", r.pollInterval, "max_running", r.maxRunning)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll is one guarded loop iteration. A panic in an iteration must not kill
// the daemon; the next tick gets a fresh view of the engine anyway.
func (r *Runtime) poll(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconciler iteration panicked", "panic", rec)
		}
	}()

	start := time.Now()
	if err := r.Reconcile(ctx); err != nil {
		r.logger.Error("reconciler iteration failed", "error", err)
	}
	r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
}

// Reconcile runs a single reconciliation pass: adopt every managed container,
// refresh and report task states, hand finished flags to the gateway, then
// admit pending containers up to the running cap.
func (r *Runtime) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	containers, err := r.engine.ListManagedContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list managed containers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(containers))
	for _, c := range containers {
		t, err := r.taskFromContainer(c)
		if err != nil {
			r.handleDangling(ctx, c, err)
			continue
		}
		tasks = append(tasks, t)
	}

	running := 0
	var pending []*task.Task
	for _, t := range tasks {
		st, err := t.RefreshStatus(ctx, time.Now())
		if err != nil {
			r.logger.Error("failed to refresh task state",
				"task_id", t.TaskID, "container_id", t.ContainerID, "error", err)
			t.Status = task.TaskStatus{Status: task.StatusRuntimeError}
			if delErr := t.Delete(ctx, true); delErr != nil {
				r.logger.Error("failed to delete broken container",
					"container_id", t.ContainerID, "error", delErr)
			}
			if repErr := r.gateway.ReportStatus(ctx, t, "Failed to inspect the container"); repErr != nil {
				r.logger.Error("failed to report task", "task_id", t.TaskID, "error", repErr)
			}
			continue
		}

		switch st.Status {
		case task.StatusPending:
			pending = append(pending, t)
		case task.StatusRunning:
			running++
		default:
			r.finishTask(ctx, t, st)
		}
	}

	// pending containers are admitted in random order so that no exploit or
	// team systematically starves under the cap
	rand.Shuffle(len(pending), func(i, j int) {
		pending[i], pending[j] = pending[j], pending[i]
	})
	for _, t := range pending {
		if running >= r.maxRunning {
			break
		}
		if err := t.Start(ctx); err != nil {
			r.logger.Error("failed to start container",
				"task_id", t.TaskID, "container_id", t.ContainerID, "error", err)
			t.Status = task.TaskStatus{Status: task.StatusRuntimeError}
			if repErr := r.gateway.ReportStatus(ctx, t, "Failed to start the container"); repErr != nil {
				r.logger.Error("failed to report task", "task_id", t.TaskID, "error", repErr)
			}
			if delErr := t.Delete(ctx, true); delErr != nil {
				r.logger.Error("failed to delete unstartable container",
					"container_id", t.ContainerID, "error", delErr)
			}
			continue
		}
		running++
	}

	r.metrics.ContainersRunning.Set(float64(running))
	return nil
}

// finishTask reports a terminal status and, for a successful run with a flag,
// drives the submission. The container of a successfully submitted task is
// deleted so it can never be submitted twice; a failed submission keeps it
// around for the next iteration.
func (r *Runtime) finishTask(ctx context.Context, t *task.Task, st task.TaskStatus) {
	if err := r.gateway.ReportStatus(ctx, t, ""); err != nil {
		r.logger.Error("failed to report task", "task_id", t.TaskID, "error", err)
	}

	if st.Status != task.StatusOkay {
		return
	}

	if st.Flag == "" {
		if err := t.Delete(ctx, false); err != nil {
			r.logger.Error("failed to delete finished container",
				"container_id", t.ContainerID, "error", err)
		}
		return
	}

	if r.gateway.SubmitFlag(ctx, t) {
		if err := t.Delete(ctx, false); err != nil {
			r.logger.Error("failed to delete submitted container",
				"container_id", t.ContainerID, "error", err)
		}
	}
}

// taskFromContainer rebuilds a task from the container's labels and the
// catalog. Any gap makes the container dangling.
func (r *Runtime) taskFromContainer(c container.Summary) (*task.Task, error) {
	exploitID := c.Labels[docker.LabelExploitID]
	if exploitID == "" {
		return nil, fmt.Errorf("missing %s label", docker.LabelExploitID)
	}
	e, ok := r.exploits[exploitID]
	if !ok {
		return nil, fmt.Errorf("exploit %q is not in the catalog", exploitID)
	}
	taskID, err := strconv.ParseInt(c.Labels[docker.LabelTaskID], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s label: %w", docker.LabelTaskID, err)
	}
	teamSlug := c.Labels[docker.LabelTeamSlug]
	if teamSlug == "" {
		return nil, fmt.Errorf("missing %s label", docker.LabelTeamSlug)
	}
	return task.New(r.engine, r.logger, taskID, exploitID, teamSlug, c.ID, e.Timeout), nil
}

// handleDangling force-deletes a container the runtime can no longer account
// for and, when the task id is still recoverable, closes the task out
// upstream so the scoring backend does not wait forever.
func (r *Runtime) handleDangling(ctx context.Context, c container.Summary, cause error) {
	r.logger.Error("dangling container", "container_id", c.ID, "error", cause)

	if err := r.engine.RemoveContainer(ctx, c.ID, true); err != nil {
		r.logger.Error("failed to delete dangling container", "container_id", c.ID, "error", err)
	}

	taskID, err := strconv.ParseInt(c.Labels[docker.LabelTaskID], 10, 64)
	if err != nil {
		return
	}
	orphan := task.Orphan(taskID)
	if err := r.gateway.ReportStatus(ctx, orphan, "Dangling exploit"); err != nil {
		r.logger.Error("failed to report dangling task", "task_id", taskID, "error", err)
	}
}
