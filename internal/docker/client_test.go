package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
	return dir
}

func TestBuildImageFromPath(t *testing.T) {
	dir := buildDir(t, map[string]string{
		"Dockerfile":    "FROM alpine",
		".dockerignore": "# comment\n\n*.log\n",
	})

	var gotOptions build.ImageBuildOptions
	api := &MockAPI{
		ImageBuildFunc: func(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error) {
			gotOptions = options
			// Drain the context so the tar writer goroutine finishes.
			_, _ = io.Copy(io.Discard, buildContext)
			body := `{"stream":"Step 1/1 : FROM alpine"}
{"aux":{"ID":"sha256:deadbeef"}}
`
			return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
		},
	}

	id, err := NewClientWithAPI(api).BuildImageFromPath(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "sha256:deadbeef", id)
	assert.Equal(t, "Dockerfile", gotOptions.Dockerfile)
}

func TestBuildImageFromPathBuildError(t *testing.T) {
	dir := buildDir(t, map[string]string{"Dockerfile": "FROM alpine"})

	api := &MockAPI{
		ImageBuildFunc: func(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error) {
			_, _ = io.Copy(io.Discard, buildContext)
			body := `{"errorDetail":{"message":"unknown instruction"},"error":"unknown instruction"}`
			return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
		},
	}

	_, err := NewClientWithAPI(api).BuildImageFromPath(context.Background(), dir)
	assert.ErrorContains(t, err, "unknown instruction")
}

func TestBuildImageFromPathMissingDockerfile(t *testing.T) {
	_, err := NewClientWithAPI(&MockAPI{}).BuildImageFromPath(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "dockerfile")
}

func TestBuildImageFromPathCorruptedStream(t *testing.T) {
	dir := buildDir(t, map[string]string{"Dockerfile": "FROM alpine"})

	api := &MockAPI{
		ImageBuildFunc: func(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error) {
			_, _ = io.Copy(io.Discard, buildContext)
			// not a jsonmessage stream; decoding must fail, not spin
			return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader("not json {{{"))}, nil
		},
	}

	_, err := NewClientWithAPI(api).BuildImageFromPath(context.Background(), dir)
	assert.ErrorContains(t, err, "decode build output")
}

func TestBuildImageFromPathNoImageID(t *testing.T) {
	dir := buildDir(t, map[string]string{"Dockerfile": "FROM alpine"})

	api := &MockAPI{
		ImageBuildFunc: func(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error) {
			_, _ = io.Copy(io.Discard, buildContext)
			return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(`{"stream":"ok"}`))}, nil
		},
	}

	_, err := NewClientWithAPI(api).BuildImageFromPath(context.Background(), dir)
	assert.ErrorContains(t, err, "image id")
}

func TestCreateContainerLabelsAndEnv(t *testing.T) {
	var gotConfig *container.Config
	api := &MockAPI{
		ContainerCreateFunc: func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
			gotConfig = config
			return container.CreateResponse{ID: "c1"}, nil
		},
	}

	id, err := NewClientWithAPI(api).CreateContainer(context.Background(), "sha256:img",
		map[string]string{"HOST": "10.0.0.1", "PORT": "1337"},
		map[string]string{LabelExploitID: "high:ground", LabelTaskID: "42", LabelTeamSlug: "nop"},
	)
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, "sha256:img", gotConfig.Image)
	assert.ElementsMatch(t, []string{"HOST=10.0.0.1", "PORT=1337"}, gotConfig.Env)
	assert.Equal(t, map[string]string{
		LabelManaged:   "true",
		LabelExploitID: "high:ground",
		LabelTaskID:    "42",
		LabelTeamSlug:  "nop",
	}, gotConfig.Labels)
}

func TestListManagedContainersFilter(t *testing.T) {
	var gotOptions container.ListOptions
	api := &MockAPI{
		ContainerListFunc: func(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
			gotOptions = options
			return []container.Summary{{ID: "c1"}}, nil
		},
	}

	out, err := NewClientWithAPI(api).ListManagedContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, gotOptions.All)
	assert.True(t, gotOptions.Filters.ExactMatch("label", LabelManaged+"=true"))
}

func TestContainerLogsDemux(t *testing.T) {
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("out line\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("err line\n"))
	require.NoError(t, err)

	api := &MockAPI{
		ContainerLogsFunc: func(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
		},
	}

	stdout, stderr, err := NewClientWithAPI(api).ContainerLogs(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "out line\n", stdout)
	assert.Equal(t, "err line\n", stderr)
}

func tarArchive(t *testing.T, name, contents string) io.ReadCloser {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(contents))}))
	_, err := tw.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return io.NopCloser(&buf)
}

func TestReadContainerFile(t *testing.T) {
	api := &MockAPI{
		CopyFromContainerFunc: func(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error) {
			return tarArchive(t, "flag", "FLG{abc}\n"), container.PathStat{}, nil
		},
	}

	data, err := NewClientWithAPI(api).ReadContainerFile(context.Background(), "c1", "/tmp/flag")
	require.NoError(t, err)
	assert.Equal(t, "FLG{abc}\n", string(data))
}

func TestReadContainerFileMissing(t *testing.T) {
	api := &MockAPI{
		CopyFromContainerFunc: func(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error) {
			return nil, container.PathStat{}, fmt.Errorf("path lookup: %w", cerrdefs.ErrNotFound)
		},
	}

	data, err := NewClientWithAPI(api).ReadContainerFile(context.Background(), "c1", "/tmp/flag")
	require.NoError(t, err)
	assert.Nil(t, data)
}
