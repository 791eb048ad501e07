package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/p-arndt/voicepool/internal/metrics"
)

const labelPrefix = "voicepool."

type DockerOptions struct {
	Image         string
	Command       []string // overrides the image CMD; Spec.Args is appended
	Env           map[string]string
	MemoryLimitMB int
}

// DockerLauncher runs each worker in its own container. Containers carry
// voicepool.* labels so leftovers from a previous run can be found.
type DockerLauncher struct {
	docker *client.Client
	opts   DockerOptions
	logger *slog.Logger
}

func NewDockerLauncher(opts DockerOptions, logger *slog.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerLauncher{docker: cli, opts: opts, logger: logger}, nil
}

func (l *DockerLauncher) Close() error {
	return l.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	_, err := l.docker.Ping(ctx)
	return err
}

func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	containerCfg, hostCfg := buildContainerConfig(l.opts, spec)

	resp, err := l.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(spec.SessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: container create: %v", ErrLaunch, err)
	}

	if err := l.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		l.remove(resp.ID)
		return nil, fmt.Errorf("%w: container start: %v", ErrLaunch, err)
	}

	logger := l.logger.With("session_id", spec.SessionID, "container_id", shortID(resp.ID))
	h := &containerHandle{
		id:       resp.ID,
		launcher: l,
		out:      newOutputLog(logger, defaultTailBytes),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go h.follow()
	go h.wait()

	logger.Info("worker container started", "image", l.opts.Image)
	return h, nil
}

// RemoveOrphans force-removes every container left behind by an earlier run.
// It returns the number of containers removed.
func (l *DockerLauncher) RemoveOrphans(ctx context.Context) (int, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := l.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return 0, fmt.Errorf("container list: %w", err)
	}

	removed := 0
	for _, ctr := range containers {
		err := l.docker.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !client.IsErrNotFound(err) {
			l.logger.Error("remove orphaned worker container", "container_id", shortID(ctr.ID), "error", err)
			continue
		}
		l.logger.Warn("removed orphaned worker container",
			"container_id", shortID(ctr.ID), "session_id", ctr.Labels[labelPrefix+"session_id"])
		removed++
	}
	return removed, nil
}

func (l *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := l.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		l.logger.Error("remove worker container", "container_id", shortID(id), "error", err)
	}
}

func buildContainerConfig(opts DockerOptions, spec Spec) (*container.Config, *container.HostConfig) {
	labels := map[string]string{
		labelPrefix + "session_id": spec.SessionID,
		labelPrefix + "managed":    "true",
	}

	env := make([]string, 0, len(opts.Env)+4)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, spec.Env()...)

	var cmd []string
	cmd = append(cmd, opts.Command...)
	cmd = append(cmd, spec.Args()...)

	containerCfg := &container.Config{
		Image:  opts.Image,
		Labels: labels,
		Env:    env,
		Cmd:    cmd,
		Tty:    false,
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		// Lets a worker reach a callback URL on the host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
		},
	}
	if opts.MemoryLimitMB > 0 {
		hostCfg.Resources.Memory = int64(opts.MemoryLimitMB) * units.MiB
	}
	return containerCfg, hostCfg
}

func containerName(sessionID string) string {
	return "voicepool-" + sessionID
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type containerHandle struct {
	id       string
	launcher *DockerLauncher
	out      *outputLog
	done     chan struct{}
	logger   *slog.Logger

	mu  sync.Mutex
	err error
}

func (h *containerHandle) ID() string            { return h.id }
func (h *containerHandle) Done() <-chan struct{} { return h.done }
func (h *containerHandle) Output() string        { return h.out.Tail() }

func (h *containerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// follow streams container logs into the output log until the container stops.
func (h *containerHandle) follow() {
	rc, err := h.launcher.docker.ContainerLogs(context.Background(), h.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		h.logger.Debug("follow worker logs", "error", err)
		return
	}
	defer rc.Close()
	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	_, _ = stdcopy.StdCopy(h.out, h.out, rc)
	h.out.Flush()
}

func (h *containerHandle) wait() {
	statusCh, errCh := h.launcher.docker.ContainerWait(context.Background(), h.id, container.WaitConditionNotRunning)

	var err error
	select {
	case res := <-statusCh:
		switch {
		case res.Error != nil:
			err = fmt.Errorf("container wait: %s", res.Error.Message)
		case res.StatusCode != 0:
			err = &ExitError{Code: int(res.StatusCode)}
		}
	case werr := <-errCh:
		err = fmt.Errorf("container wait: %w", werr)
	}

	h.launcher.remove(h.id)

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Stop lets the daemon deliver SIGTERM and escalate to SIGKILL after grace.
func (h *containerHandle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	secs := int(grace / time.Second)
	start := time.Now()
	if err := h.launcher.docker.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &secs}); err != nil && !client.IsErrNotFound(err) {
		h.logger.Warn("stop worker container, removing", "error", err)
		h.launcher.remove(h.id)
	}

	if time.Since(start) >= grace {
		metrics.IncWorkerStop("forced")
	} else {
		metrics.IncWorkerStop("graceful")
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.logger.Warn("worker container still running, removing", "error", ctx.Err())
		h.launcher.remove(h.id)
		return ctx.Err()
	}
}
