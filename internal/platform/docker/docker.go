// Package docker implements the sandbox platform on top of the Docker
// Engine API. Each environment is one long-running container; processes are
// spawned into it with docker exec and speak to us over the hijacked
// attach connection.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/xid"

	"github.com/sakif/agent-sandbox/internal/platform"
)

// Platform implements platform.Platform using Docker.
type Platform struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
	pool   *Pool
}

// New creates a Docker platform and verifies the runtime image is available.
// A failed pull is logged and tolerated; the image may only exist locally.
func New(cfg Config, logger *slog.Logger) (*Platform, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	logger.Info("ensuring runtime image is available", slog.String("image", cfg.Image))
	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		logger.Warn("image pull failed, assuming local image",
			slog.String("image", cfg.Image),
			slog.String("error", err.Error()),
		)
	} else {
		// Read everything to block until the pull is complete.
		io.Copy(io.Discard, reader)
		reader.Close()
		logger.Info("runtime image is ready")
	}

	p := &Platform{
		cli:    cli,
		config: cfg,
		logger: logger,
	}

	if cfg.PoolSize > 0 {
		p.pool = NewPool(p, cfg.PoolSize, logger)
		p.pool.Start()
	}

	return p, nil
}

// Close shuts down the warm pool and the docker client.
func (p *Platform) Close() error {
	if p.pool != nil {
		p.pool.Stop()
	}
	return p.cli.Close()
}

// Provision returns an environment, preferring a pre-warmed one when the
// pool has any. Pooled environments have never been handed to a caller.
func (p *Platform) Provision(ctx context.Context) (platform.Environment, error) {
	if p.pool != nil {
		if env := p.pool.Get(); env != nil {
			return env, nil
		}
	}
	return p.createEnvironment(ctx)
}

// createEnvironment creates and starts one container kept alive by
// `sleep infinity`, ready for exec'd processes.
func (p *Platform) createEnvironment(ctx context.Context) (*Environment, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ProvisionTimeout)
	defer cancel()

	id := xid.New().String()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    p.config.MemoryLimit,
			NanoCPUs:  int64(p.config.CPULimit * 1e9),
			PidsLimit: &p.config.PIDsLimit,
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	// Tool modules are optional: a missing host path degrades to an
	// environment without the mount rather than failing the provision.
	if p.config.ServersHostPath != "" {
		if _, err := os.Stat(p.config.ServersHostPath); err != nil {
			p.logger.Warn("tool modules path unavailable, provisioning without it",
				slog.String("path", p.config.ServersHostPath),
				slog.String("error", err.Error()),
			)
		} else {
			hostConfig.Binds = []string{
				p.config.ServersHostPath + ":" + p.config.ModulesMount + ":ro",
			}
		}
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.config.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, hostConfig, nil, nil, "agent-sandbox-"+id)
	if err != nil {
		return nil, fmt.Errorf("ContainerCreate failed: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(resp.ID)
		return nil, fmt.Errorf("ContainerStart failed: %w", err)
	}

	p.logger.Info("environment provisioned",
		slog.String("id", id),
		slog.String("container", resp.ID[:12]),
	)

	return &Environment{
		id:          id,
		containerID: resp.ID,
		cli:         p.cli,
		logger:      p.logger,
	}, nil
}

// removeContainer force removes a container by ID, best effort.
func (p *Platform) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		p.logger.Error("failed to remove container",
			slog.String("container", containerID),
			slog.String("error", err.Error()),
		)
	}
}

// Environment is one running container.
type Environment struct {
	id          string
	containerID string
	cli         *client.Client
	logger      *slog.Logger
}

func (e *Environment) ID() string { return e.id }

// Spawn execs a process into the container with all three standard streams
// attached and returns the demultiplexed handles.
func (e *Environment) Spawn(ctx context.Context, argv []string) (platform.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	execResp, err := e.cli.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := e.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}

	proc := &execProcess{
		cli:    e.cli,
		execID: execResp.ID,
		hijack: attachResp,
	}

	// Demultiplex the single attach stream into stdout and stderr pipes.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	proc.stdout = stdoutR
	proc.stderr = stderrR
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attachResp.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return proc, nil
}

// Terminate force removes the container. Everything running inside dies
// with it.
func (e *Environment) Terminate(ctx context.Context) error {
	err := e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	e.logger.Info("environment terminated", slog.String("id", e.id))
	return nil
}

// execProcess is a process exec'd into a container.
type execProcess struct {
	cli      *client.Client
	execID   string
	hijack   types.HijackedResponse
	stdout   *io.PipeReader
	stderr   *io.PipeReader
	killOnce sync.Once
}

func (p *execProcess) Stdin() io.WriteCloser { return stdinConn{p.hijack} }
func (p *execProcess) Stdout() any           { return p.stdout }
func (p *execProcess) Stderr() any           { return p.stderr }

// Wait polls the exec inspect endpoint until the process exits.
func (p *execProcess) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Kill collapses the attach connection. The resident interpreter exits on
// stdin EOF; anything still running is reaped when the container is
// terminated.
func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		p.hijack.Close()
		p.stdout.Close()
		p.stderr.Close()
	})
	return nil
}

// stdinConn adapts the hijacked connection's write side to io.WriteCloser.
// Close half-closes the connection so the remote process sees EOF.
type stdinConn struct {
	hijack types.HijackedResponse
}

func (s stdinConn) Write(b []byte) (int, error) { return s.hijack.Conn.Write(b) }
func (s stdinConn) Close() error                { return s.hijack.CloseWrite() }
