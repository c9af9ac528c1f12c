// Package outcome is the single entry point through which task results leave
// the process: status reports to the scoring backend, and flag submissions to
// the upstream game API.
package outcome

import (
	"context"
	"log/slog"
	"sync"

	"fireball/internal/defcon"
	"fireball/internal/metrics"
	"fireball/internal/task"
)

// ScoringAPI is the slice of the scoring backend the gateway writes to.
type ScoringAPI interface {
	UpdateTask(ctx context.Context, taskID int64, status, stdout, stderr, statusMessage string) error
	RecordFlag(ctx context.Context, taskID int64, flag, submissionResult, message string) error
}

// GameAPI submits flags upstream. A nil response means the submission did not
// happen (endpoint disabled).
type GameAPI interface {
	SubmitFlag(ctx context.Context, flag string) (*defcon.SubmissionResponse, error)
}

// Journal is the optional local history sink.
type Journal interface {
	RecordOutcome(ctx context.Context, taskID int64, exploitID, teamSlug, status, message string) error
	RecordSubmission(ctx context.Context, taskID int64, flag, result, message string) error
}

// Gateway records task outcomes and submits flags, guaranteeing at most one
// upstream submission per task id within the process lifetime. Across
// restarts the guarantee holds because a submitted task's container is
// deleted and never reappears in the engine's label index.
type Gateway struct {
	scoring     ScoringAPI
	game        GameAPI
	journal     Journal
	currentTeam string
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu        sync.Mutex
	submitted map[int64]struct{}
}

// NewGateway wires the gateway. journal may be nil.
func NewGateway(scoring ScoringAPI, game GameAPI, journal Journal, currentTeam string, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		scoring:     scoring,
		game:        game,
		journal:     journal,
		currentTeam: currentTeam,
		logger:      logger,
		metrics:     m,
		submitted:   make(map[int64]struct{}),
	}
}

// ReportStatus pushes the task's latest status to the scoring backend and
// journals it.
func (g *Gateway) ReportStatus(ctx context.Context, t *task.Task, statusMessage string) error {
	st := t.Status
	if err := g.scoring.UpdateTask(ctx, t.TaskID, string(st.Status), st.Stdout, st.Stderr, statusMessage); err != nil {
		return err
	}
	g.metrics.TasksReported.WithLabelValues(string(st.Status)).Inc()
	if g.journal != nil {
		if err := g.journal.RecordOutcome(ctx, t.TaskID, t.ExploitID, t.TeamSlug, string(st.Status), statusMessage); err != nil {
			g.logger.Warn("failed to journal outcome", "task_id", t.TaskID, "error", err)
		}
	}
	return nil
}

// normalize maps game API messages to the scoring backend's vocabulary. The
// second return value is the additionalInfo field.
func normalize(message string) (string, string) {
	switch message {
	case "ALREADY_SUBMITTED":
		return "DUPLICATE", ""
	case "INCORRECT":
		return "WRONG", ""
	case "SERVICE_INACTIVE":
		return "UNKNOWN_ERROR", "Service is inactive"
	default:
		return message, ""
	}
}

// SubmitFlag submits the task's flag upstream and records the result. Flags
// captured from our own service are never sent upstream; they are recorded as
// SKIPPED. Returns true when the outcome was recorded, false when submission
// failed and should be retried.
func (g *Gateway) SubmitFlag(ctx context.Context, t *task.Task) bool {
	g.mu.Lock()
	if _, done := g.submitted[t.TaskID]; done {
		g.mu.Unlock()
		g.logger.Warn("flag already submitted for task", "task_id", t.TaskID)
		return true
	}
	g.mu.Unlock()

	flag := t.Status.Flag

	if t.TeamSlug == g.currentTeam {
		// submitting would flag our own service
		g.recordSubmission(ctx, t, flag, "SKIPPED", "")
		return true
	}

	resp, err := g.game.SubmitFlag(ctx, flag)
	if err != nil {
		g.logger.Error("flag submission failed", "task_id", t.TaskID, "error", err)
		return false
	}
	if resp == nil {
		g.logger.Error("flag submission unavailable, game api is not configured", "task_id", t.TaskID)
		return false
	}

	result, info := normalize(resp.Message)
	g.recordSubmission(ctx, t, flag, result, info)
	return true
}

func (g *Gateway) recordSubmission(ctx context.Context, t *task.Task, flag, result, info string) {
	if err := g.scoring.RecordFlag(ctx, t.TaskID, flag, result, info); err != nil {
		g.logger.Error("failed to record flag submission", "task_id", t.TaskID, "error", err)
	}
	g.metrics.FlagsSubmitted.WithLabelValues(result).Inc()
	if g.journal != nil {
		if err := g.journal.RecordSubmission(ctx, t.TaskID, flag, result, info); err != nil {
			g.logger.Warn("failed to journal submission", "task_id", t.TaskID, "error", err)
		}
	}

	g.mu.Lock()
	g.submitted[t.TaskID] = struct{}{}
	g.mu.Unlock()
}
