// Package runtime holds the orchestrator core: the in-memory exploit catalog,
// the per-tick scheduler, and the container reconciler. One exclusive mutex
// serializes every phase that mutates shared state; it is deliberately held
// across I/O so that a scan can never race a tick.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"fireball/internal/docker"
	"fireball/internal/exploit"
	"fireball/internal/metrics"
	"fireball/internal/repo"
	"fireball/internal/siren"
	"fireball/internal/task"
)

// Engine is the container engine surface the core depends on. *docker.Client
// satisfies it.
type Engine interface {
	task.Engine
	exploit.ImageBuilder
	CreateContainer(ctx context.Context, imageID string, env, labels map[string]string) (string, error)
	ListManagedContainers(ctx context.Context) ([]container.Summary, error)
}

// ScoringAPI is the scoring backend surface the scheduler and catalog use.
type ScoringAPI interface {
	Teams(ctx context.Context) ([]siren.Team, error)
	Problems(ctx context.Context) ([]siren.Problem, error)
	CurrentRound(ctx context.Context) (int, error)
	UpsertExploit(ctx context.Context, name, key string, problemID int, enabled bool) error
	DeleteExploit(ctx context.Context, name string, problemID int) error
	ResolveEndpoint(ctx context.Context, teamID, problemID int) (siren.Endpoint, error)
	CreateTask(ctx context.Context, roundID int, exploitKey string, teamID int) (int64, error)
}

// Gateway records outcomes and submits flags.
type Gateway interface {
	ReportStatus(ctx context.Context, t *task.Task, statusMessage string) error
	SubmitFlag(ctx context.Context, t *task.Task) bool
}

// Runtime is the orchestrator core.
type Runtime struct {
	repo    *repo.Repo
	engine  Engine
	scoring ScoringAPI
	gateway Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics

	pollInterval time.Duration
	maxRunning   int

	// everything below is guarded by mu
	mu           sync.Mutex
	exploits     map[string]*exploit.Exploit
	teams        map[string]siren.Team
	problems     map[string]siren.Problem
	currentRound int

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the runtime. The catalog starts empty and currentRound at -1
// (contest not started) until the first bootstrap or tick.
func New(r *repo.Repo, engine Engine, scoring ScoringAPI, gateway Gateway,
	logger *slog.Logger, m *metrics.Metrics, pollInterval time.Duration, maxRunning int) *Runtime {
	return &Runtime{
		repo:         r,
		engine:       engine,
		scoring:      scoring,
		gateway:      gateway,
		logger:       logger,
		metrics:      m,
		pollInterval: pollInterval,
		maxRunning:   maxRunning,
		exploits:     make(map[string]*exploit.Exploit),
		teams:        make(map[string]siren.Team),
		problems:     make(map[string]siren.Problem),
		currentRound: -1,
		done:         make(chan struct{}),
	}
}

// Connect bootstraps the catalog: team and problem maps, the live round, and
// every exploit directory currently on disk. It must run before the
// reconciler starts.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(ctx); err != nil {
		return fmt.Errorf("failed to sync teams and problems: %w", err)
	}

	round, err := r.scoring.CurrentRound(ctx)
	if err != nil {
		// the contest may simply not have started yet
		r.logger.Warn("failed to fetch current round", "error", err)
	} else {
		r.currentRound = round
	}

	dirs, err := r.repo.Connect(ctx)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := r.loadExploitLocked(ctx, dir); err != nil {
			r.logger.Error("skipping exploit", "dir", dir, "error", err)
		}
	}
	r.metrics.ExploitsLoaded.Set(float64(len(r.exploits)))

	r.logger.Info("runtime connected",
		"exploits", len(r.exploits), "teams", len(r.teams), "round", r.currentRound)
	return nil
}

// Refresh resyncs the team and problem maps from the scoring backend.
func (r *Runtime) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Runtime) refreshLocked(ctx context.Context) error {
	teams, err := r.scoring.Teams(ctx)
	if err != nil {
		return err
	}
	problems, err := r.scoring.Problems(ctx)
	if err != nil {
		return err
	}

	r.teams = make(map[string]siren.Team, len(teams))
	for _, t := range teams {
		r.teams[t.Slug] = t
	}
	r.problems = make(map[string]siren.Problem, len(problems))
	for _, p := range problems {
		r.problems[p.Slug] = p
	}
	return nil
}

// Exploit returns a catalog entry by id.
func (r *Runtime) Exploit(id string) (*exploit.Exploit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exploits[id]
	return e, ok
}

// ExploitIDs returns the sorted catalog keys.
func (r *Runtime) ExploitIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exploitIDsLocked()
}

func (r *Runtime) exploitIDsLocked() []string {
	ids := make([]string, 0, len(r.exploits))
	for id := range r.exploits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CurrentRound returns the last observed round id, -1 before the contest.
func (r *Runtime) CurrentRound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentRound
}

// loadExploitLocked parses, builds and catalogs one exploit directory, then
// mirrors the entry to the scoring backend. Mirroring failures are logged
// only; the next scan reconverges.
func (r *Runtime) loadExploitLocked(ctx context.Context, dir string) error {
	e, err := exploit.FromPath(ctx, r.engine, r.repo.Path(), dir)
	if err != nil {
		return err
	}
	r.exploits[e.ID] = e

	problem, ok := r.problems[e.ChallengeName]
	if !ok {
		r.logger.Warn("exploit references unknown problem, not mirrored",
			"exploit_id", e.ID, "problem", e.ChallengeName)
		return nil
	}
	if err := r.scoring.UpsertExploit(ctx, e.Name, e.ImageID, problem.ID, e.Enabled); err != nil {
		r.logger.Error("failed to mirror exploit", "exploit_id", e.ID, "error", err)
	}
	return nil
}

// removeExploitLocked drops a catalog entry and its mirrored record.
func (r *Runtime) removeExploitLocked(ctx context.Context, dir string) {
	challenge, name, ok := cutDir(dir)
	if !ok {
		return
	}
	id := exploit.ID(challenge, name)
	if _, known := r.exploits[id]; !known {
		return
	}
	delete(r.exploits, id)

	problem, ok := r.problems[challenge]
	if !ok {
		r.logger.Warn("removed exploit references unknown problem, mirror not cleaned",
			"exploit_id", id)
		return
	}
	if err := r.scoring.DeleteExploit(ctx, name, problem.ID); err != nil {
		r.logger.Error("failed to delete mirrored exploit", "exploit_id", id, "error", err)
	}
}

func cutDir(dir string) (challenge, name string, ok bool) {
	for i := 0; i < len(dir); i++ {
		if dir[i] == '/' {
			return dir[:i], dir[i+1:], i > 0 && i < len(dir)-1
		}
	}
	return "", "", false
}

// RepoScan fetches the exploit repository and applies the diff to the
// catalog. Individual exploit failures are skipped; a git failure aborts the
// whole scan and leaves last_processed_hash untouched.
func (r *Runtime) RepoScan(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.ScansTotal.Inc()
	result, err := r.repo.Scan(ctx)
	if err != nil {
		r.metrics.ScanErrors.Inc()
		return err
	}
	if result == nil {
		r.logger.Debug("repo scan found no new commits")
		return nil
	}

	for _, dir := range result.Removed {
		r.removeExploitLocked(ctx, dir)
	}
	for _, dir := range result.Updated {
		if err := r.loadExploitLocked(ctx, dir); err != nil {
			r.logger.Error("skipping exploit", "dir", dir, "error", err)
		}
	}
	r.metrics.ExploitsLoaded.Set(float64(len(r.exploits)))

	r.logger.Info("repo scan applied",
		"updated", len(result.Updated), "removed", len(result.Removed),
		"hash", result.LastProcessedHash)
	return nil
}

// GameTick records the new round and schedules every cataloged exploit.
func (r *Runtime) GameTick(ctx context.Context, roundID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentRound = roundID
	r.logger.Info("game tick", "round_id", roundID)

	for _, id := range r.exploitIDsLocked() {
		if err := r.startExploitLocked(ctx, id); err != nil {
			r.logger.Error("failed to schedule exploit", "exploit_id", id, "error", err)
		}
	}
}

// StartExploit schedules one exploit against every eligible team.
func (r *Runtime) StartExploit(ctx context.Context, exploitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startExploitLocked(ctx, exploitID)
}

// startExploitLocked creates one pending container per eligible team. The
// containers stay in the engine's created state; only the reconciler starts
// them, subject to the running cap.
func (r *Runtime) startExploitLocked(ctx context.Context, exploitID string) error {
	if r.currentRound < 0 {
		r.logger.Info("contest not started, not scheduling", "exploit_id", exploitID)
		return nil
	}

	e, ok := r.exploits[exploitID]
	if !ok {
		return fmt.Errorf("unknown exploit %q", exploitID)
	}
	if !e.Enabled {
		r.logger.Debug("exploit disabled, not scheduling", "exploit_id", exploitID)
		return nil
	}

	problem, ok := r.problems[e.ChallengeName]
	if !ok {
		r.logger.Warn("exploit references unknown problem, not scheduling", "exploit_id", exploitID)
		return nil
	}

	slugs := make([]string, 0, len(r.teams))
	for slug := range r.teams {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		if e.IgnoresTeam(slug) {
			continue
		}
		team := r.teams[slug]

		endpoint, err := r.scoring.ResolveEndpoint(ctx, team.ID, problem.ID)
		if err != nil {
			r.logger.Error("failed to resolve endpoint",
				"exploit_id", exploitID, "team", slug, "error", err)
			continue
		}

		taskID, err := r.scoring.CreateTask(ctx, r.currentRound, e.ImageID, team.ID)
		if err != nil {
			r.logger.Error("failed to create task",
				"exploit_id", exploitID, "team", slug, "error", err)
			continue
		}

		containerID, err := r.engine.CreateContainer(ctx, e.ImageID,
			map[string]string{
				"HOST": endpoint.Host,
				"PORT": endpoint.Port,
			},
			map[string]string{
				docker.LabelExploitID: e.ID,
				docker.LabelTaskID:    strconv.FormatInt(taskID, 10),
				docker.LabelTeamSlug:  slug,
			})
		if err != nil {
			r.logger.Error("failed to create container",
				"exploit_id", exploitID, "team", slug, "task_id", taskID, "error", err)
			continue
		}

		r.metrics.TasksScheduled.Inc()
		r.logger.Info("scheduled exploit run",
			"exploit_id", exploitID, "team", slug, "task_id", taskID, "container_id", containerID)
	}
	return nil
}
