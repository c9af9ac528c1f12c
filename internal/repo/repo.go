package repo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ScanError wraps a failed git invocation with its captured output.
type ScanError struct {
	Op     string
	Stdout string
	Stderr string
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("git %s failed: %v\nStdout:\n%s\nStderr:\n%s", e.Op, e.Err, e.Stdout, e.Stderr)
}

func (e *ScanError) Unwrap() error { return e.Err }

// ScanResult lists the exploit directories ("<challenge>/<exploit>") that
// changed since the last processed commit.
type ScanResult struct {
	Updated           []string
	Removed           []string
	LastProcessedHash string
}

// Repo watches a pre-existing git working tree of exploit directories.
type Repo struct {
	path              string
	branch            string
	lastProcessedHash string
	logger            *slog.Logger
}

// New validates that path holds a git working tree and returns a watcher for
// the given branch.
func New(path, branch string, logger *slog.Logger) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return nil, fmt.Errorf("unable to find git repo at %s: %w", abs, err)
	}
	return &Repo{path: abs, branch: branch, logger: logger}, nil
}

// Path returns the absolute path of the working tree.
func (r *Repo) Path() string { return r.path }

// LastProcessedHash returns the commit the catalog was last synced to.
func (r *Repo) LastProcessedHash() string { return r.lastProcessedHash }

var (
	reTokenAuth = regexp.MustCompile(`https://[^@:/]+@`)
	reBasicAuth = regexp.MustCompile(`https://[^:/]+:[^@/]+@`)
)

// mask strips credentials that git may echo back in remote URLs.
func mask(s string) string {
	s = reBasicAuth.ReplaceAllString(s, "https://[REDACTED]@")
	return reTokenAuth.ReplaceAllString(s, "https://[REDACTED]@")
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.path
	// Enforce no prompting
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		serr := &ScanError{
			Op:     args[0],
			Stdout: mask(outBuf.String()),
			Stderr: mask(errBuf.String()),
			Err:    err,
		}
		r.logger.Error("git command failed",
			"op", args[0], "stdout", serr.Stdout, "stderr", serr.Stderr, "error", err)
		return "", serr
	}
	return outBuf.String(), nil
}

func (r *Repo) head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Connect initializes the watcher from the current HEAD and enumerates every
// exploit directory present on disk so the catalog can be bootstrapped
// without diffing.
func (r *Repo) Connect(ctx context.Context) ([]string, error) {
	head, err := r.head(ctx)
	if err != nil {
		return nil, err
	}
	r.lastProcessedHash = head

	var dirs []string
	challenges, err := os.ReadDir(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate repo: %w", err)
	}
	for _, ch := range challenges {
		if !ch.IsDir() || strings.HasPrefix(ch.Name(), ".") {
			continue
		}
		exploits, err := os.ReadDir(filepath.Join(r.path, ch.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate %s: %w", ch.Name(), err)
		}
		for _, ex := range exploits {
			if !ex.IsDir() || strings.HasPrefix(ex.Name(), ".") {
				continue
			}
			dirs = append(dirs, ch.Name()+"/"+ex.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Scan fetches the branch and diffs the working tree against the last
// processed commit. It returns nil when there are no new commits. Whether a
// changed directory is updated or removed is decided by its current presence
// on disk, which also covers partial deletes and renames.
func (r *Repo) Scan(ctx context.Context) (*ScanResult, error) {
	if _, err := r.git(ctx, "fetch", "--all"); err != nil {
		return nil, err
	}
	if _, err := r.git(ctx, "checkout", r.branch); err != nil {
		return nil, err
	}

	newHash, err := r.head(ctx)
	if err != nil {
		return nil, err
	}
	if newHash == r.lastProcessedHash {
		// no new commits
		return nil, nil
	}

	out, err := r.git(ctx, "diff", "--name-status", r.lastProcessedHash)
	if err != nil {
		return nil, err
	}

	changed := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		parts := strings.Split(fields[1], "/")
		if len(parts) < 3 {
			// a change outside exploit folders
			continue
		}
		changed[parts[0]+"/"+parts[1]] = struct{}{}
	}

	result := &ScanResult{LastProcessedHash: newHash}
	for dir := range changed {
		if _, err := os.Stat(filepath.Join(r.path, filepath.FromSlash(dir))); err == nil {
			result.Updated = append(result.Updated, dir)
		} else {
			result.Removed = append(result.Removed, dir)
		}
	}
	sort.Strings(result.Updated)
	sort.Strings(result.Removed)

	r.lastProcessedHash = newHash
	return result, nil
}
