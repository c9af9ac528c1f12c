package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Labels carried by every container this system creates. The engine's label
// index is the only durable state: a task is fully reconstructable from them.
const (
	LabelManaged   = "fireball.managed"
	LabelExploitID = "fireball.exploit_id"
	LabelTaskID    = "fireball.task_id"
	LabelTeamSlug  = "fireball.team_slug"
)

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	Close() error
}

// Client wraps the official Docker client with the high-level operations the
// scheduler and reconciler need.
type Client struct {
	api APIClient
}

// NewClient connects to the engine at host (empty means the environment
// default, usually unix:///var/run/docker.sock).
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// NewClientWithAPI wires an explicit API implementation; used by tests.
func NewClientWithAPI(api APIClient) *Client {
	return &Client{api: api}
}

// Close closes the underlying docker client connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// CheckDaemon verifies that the Docker daemon is running and reachable.
func (c *Client) CheckDaemon(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// readDockerignore loads exclude patterns the same way docker build does.
func readDockerignore(dir string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var patterns []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// BuildImageFromPath builds an image from the directory's Dockerfile and
// returns the engine-assigned content-addressed image id.
func (c *Client) BuildImageFromPath(ctx context.Context, dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		return "", fmt.Errorf("unable to find dockerfile at %s: %w", dir, err)
	}

	excludes, err := readDockerignore(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read .dockerignore: %w", err)
	}

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: excludes,
		Compression:     archive.Gzip,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.api.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	// The image id arrives in the Aux field of the build output stream.
	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			// a decoder stuck on garbage never reaches EOF
			return "", fmt.Errorf("failed to decode build output: %w", err)
		}

		if msg.Error != nil {
			return "", fmt.Errorf("build failed: %s", msg.Error.Message)
		}

		if msg.Aux != nil {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}
	}

	if imageID == "" {
		return "", fmt.Errorf("build finished without reporting an image id")
	}
	return imageID, nil
}

// CreateContainer creates (but does not start) a container for the image with
// the given env and labels. The managed marker label is always added.
func (c *Client) CreateContainer(ctx context.Context, imageID string, env, labels map[string]string) (string, error) {
	envList := make([]string, 0, len(env))
	for key, value := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", key, value))
	}

	allLabels := map[string]string{LabelManaged: "true"}
	for key, value := range labels {
		allLabels[key] = value
	}

	resp, err := c.api.ContainerCreate(ctx, &container.Config{
		Image:  imageID,
		Env:    envList,
		Labels: allLabels,
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer deletes a container, forcibly on recovery paths.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// InspectContainer returns the engine state of a container.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (container.InspectResponse, error) {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return container.InspectResponse{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return info, nil
}

// ContainerLogs fetches the demultiplexed stdout and stderr of a container.
func (c *Client) ContainerLogs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch logs for %s: %w", containerID, err)
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, reader); err != nil {
		return "", "", fmt.Errorf("failed to demux logs for %s: %w", containerID, err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// ReadContainerFile extracts a single file from the container's filesystem.
// A missing file is not an error; it returns (nil, nil).
func (c *Client) ReadContainerFile(ctx context.Context, containerID, path string) ([]byte, error) {
	reader, _, err := c.api.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s from %s: %w", path, containerID, err)
	}
	defer reader.Close()

	tr := tar.NewReader(bufio.NewReader(reader))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive of %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", path, err)
		}
		return data, nil
	}
	return nil, nil
}

// ListManagedContainers lists every container carrying the managed label,
// whatever its state.
func (c *Client) ListManagedContainers(ctx context.Context) ([]container.Summary, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}
	return containers, nil
}
