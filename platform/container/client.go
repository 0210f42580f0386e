// Package container runs services as Docker containers.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// API is the Docker Engine subset the container handlers use.
// *client.Client satisfies it.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (dcontainer.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *dcontainer.Config, hostConfig *dcontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dcontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dcontainer.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options dcontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dcontainer.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options dcontainer.ExecOptions) (dcontainer.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config dcontainer.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (dcontainer.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

var _ API = (*client.Client)(nil)

// HTTPDoer performs web health probes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient returns a Docker client configured from the environment
// (DOCKER_HOST and friends) with API version negotiation.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func defaultHTTPClient() HTTPDoer {
	return &http.Client{Timeout: 5 * time.Second}
}

// drainStream consumes a pull or push progress stream and returns the
// pushed digest, if the daemon reported one.
func drainStream(r io.ReadCloser) (string, error) {
	defer r.Close()

	var digest string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return digest, nil
			}
			return digest, fmt.Errorf("decode progress stream: %w", err)
		}
		if msg.Error != nil {
			return digest, msg.Error
		}
		if msg.Aux != nil {
			var aux struct {
				Digest string `json:"Digest"`
			}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.Digest != "" {
				digest = aux.Digest
			}
		}
	}
}

type execResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// runExec runs cmd inside a container and collects its demultiplexed output.
func runExec(ctx context.Context, api API, containerID string, cmd []string, env []string) (execResult, error) {
	created, err := api.ContainerExecCreate(ctx, containerID, dcontainer.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return execResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := api.ContainerExecAttach(ctx, created.ID, dcontainer.ExecAttachOptions{})
	if err != nil {
		return execResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return execResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return execResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return execResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
