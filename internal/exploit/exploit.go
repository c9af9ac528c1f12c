package exploit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ManifestName is the per-exploit manifest file inside the exploit directory.
const ManifestName = "siren.toml"

// ParseError covers a missing or malformed manifest as well as an image
// build failure. The scanner skips the directory and keeps going.
type ParseError struct {
	Dir string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to load exploit at %s: %v", e.Dir, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Exploit is a catalog entry. Entries are immutable; a rescan replaces them
// wholesale.
type Exploit struct {
	ID            string
	ChallengeName string
	Name          string
	ImageID       string
	Timeout       time.Duration
	Enabled       bool
	IgnoreTeams   map[string]struct{}
}

// IgnoresTeam reports whether the exploit must not be scheduled against slug.
func (e *Exploit) IgnoresTeam(slug string) bool {
	_, ok := e.IgnoreTeams[slug]
	return ok
}

// ImageBuilder builds a container image from a directory and returns the
// engine-assigned content hash.
type ImageBuilder interface {
	BuildImageFromPath(ctx context.Context, dir string) (string, error)
}

type manifest struct {
	Timeout     int            `toml:"timeout"`
	Enabled     *bool          `toml:"enabled"`
	IgnoreTeams []string       `toml:"ignore_teams"`
	Meta        map[string]any `toml:"meta"`
}

// ID builds the catalog key for a challenge/exploit pair.
func ID(challenge, name string) string {
	return challenge + ":" + name
}

// FromPath loads the manifest in repoRoot/dirRel and builds its image.
// dirRel has the shape "<challenge>/<exploit>".
func FromPath(ctx context.Context, builder ImageBuilder, repoRoot, dirRel string) (*Exploit, error) {
	challenge, name, ok := strings.Cut(dirRel, "/")
	if !ok || challenge == "" || name == "" {
		return nil, &ParseError{Dir: dirRel, Err: fmt.Errorf("not a <challenge>/<exploit> directory")}
	}
	// ":" separates the two halves of the exploit id
	if strings.Contains(challenge, ":") || strings.Contains(name, ":") {
		return nil, &ParseError{Dir: dirRel, Err: fmt.Errorf("challenge and exploit names must not contain ':'")}
	}

	dir := filepath.Join(repoRoot, filepath.FromSlash(dirRel))
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, &ParseError{Dir: dirRel, Err: fmt.Errorf("missing manifest: %w", err)}
	}

	var m manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, &ParseError{Dir: dirRel, Err: fmt.Errorf("invalid manifest: %w", err)}
	}
	if m.Timeout <= 0 {
		return nil, &ParseError{Dir: dirRel, Err: fmt.Errorf("timeout must be a positive number of seconds")}
	}

	imageID, err := builder.BuildImageFromPath(ctx, dir)
	if err != nil {
		return nil, &ParseError{Dir: dirRel, Err: fmt.Errorf("image build failed: %w", err)}
	}

	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	ignore := make(map[string]struct{}, len(m.IgnoreTeams))
	for _, slug := range m.IgnoreTeams {
		ignore[slug] = struct{}{}
	}

	return &Exploit{
		ID:            ID(challenge, name),
		ChallengeName: challenge,
		Name:          name,
		ImageID:       imageID,
		Timeout:       time.Duration(m.Timeout) * time.Second,
		Enabled:       enabled,
		IgnoreTeams:   ignore,
	}, nil
}
