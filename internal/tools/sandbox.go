package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// SandboxConfig configures the container-backed Bash runner.
type SandboxConfig struct {
	Host        string
	APIVersion  string
	Image       string
	NetworkMode string
	MemoryLimit int64
}

// ContainerShell runs Bash commands inside a throwaway container, bind-
// mounting the agent home at the same path so file tools and shell commands
// see one filesystem.
type ContainerShell struct {
	cli    *client.Client
	cfg    SandboxConfig
	logger *logger.Logger
}

var _ ShellRunner = (*ContainerShell)(nil)

// NewContainerShell creates the docker-backed shell runner.
func NewContainerShell(cfg SandboxConfig, log *logger.Logger) (*ContainerShell, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}

	return &ContainerShell{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "container-shell")),
	}, nil
}

// Run creates a container for the command, waits for it, and captures the
// demultiplexed output. The container is removed regardless of outcome.
func (s *ContainerShell) Run(ctx context.Context, command, workDir string, maxOutput int) (string, int, error) {
	containerCfg := &container.Config{
		Image:      s.cfg.Image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: workDir,
		Labels:     map[string]string{"agentloop.sandbox": "bash"},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(s.cfg.NetworkMode),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: workDir,
		}},
		Resources: container.Resources{Memory: s.cfg.MemoryLimit},
	}

	resp, err := s.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", -1, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			s.logger.Warn("failed to remove sandbox container", zap.String("container_id", resp.ID), zap.Error(err))
		}
	}()

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", -1, fmt.Errorf("failed to start container: %w", err)
	}

	waitCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case <-ctx.Done():
		return "", -1, ctx.Err()
	case err := <-errCh:
		return "", -1, fmt.Errorf("container wait: %w", err)
	case status := <-waitCh:
		exitCode = status.StatusCode
	}

	logs, err := s.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", int(exitCode), fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var buf cappedBuffer
	buf.limit = maxOutput
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		s.logger.Warn("failed to demultiplex container output", zap.Error(err))
	}

	return buf.String(), int(exitCode), nil
}

// Close releases the docker client.
func (s *ContainerShell) Close() error {
	return s.cli.Close()
}
