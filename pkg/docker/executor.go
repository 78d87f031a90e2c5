package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeExited    = "exited"
	outcomeTimedOut  = "timed_out"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assessment",
		Subsystem: "sandbox",
		Name:      "run_duration_seconds",
		Help:      "Wall time of sandboxed runs",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"image"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assessment",
		Subsystem: "sandbox",
		Name:      "runs_total",
		Help:      "Sandboxed runs by outcome",
	}, []string{"image", "outcome"})
)

// DefaultOutputLimit caps captured stdout and stderr per stream.
const DefaultOutputLimit = 1 << 20

// DefaultPidsLimit bounds the number of processes a candidate program may spawn.
const DefaultPidsLimit = 64

// ErrTimedOut is returned when a run exceeds its time limit. The partial
// result is still returned alongside it.
var ErrTimedOut = errors.New("sandbox run timed out")

// Executor runs a command inside an isolated container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one sandboxed run. Workspace is a host
// directory mounted read-write at the working directory. Env entries are
// KEY=value pairs.
type ExecutionRequest struct {
	Image         string
	Cmd           []string
	Env           []string
	Timeout       time.Duration
	Workspace     string
	WorkingDir    string
	MemoryLimitMB int64
	CPUShares     int64
}

// ExecutionResult is what a finished (or killed) run produced.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Config groups executor configuration values.
type Config struct {
	Host          string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	PidsLimit     int64
	WorkingDir    string
	OutputLimit   int
	Logger        zerolog.Logger
}

// DockerExecutor implements Executor on top of the Docker engine API.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor constructs a Docker backed executor.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerExecutor{
		client: cli,
		cfg:    withDefaults(cfg),
		tracer: otel.Tracer("github.com/noah-isme/gema-assessment/pkg/docker"),
		logger: cfg.Logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/workspace"
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = DefaultPidsLimit
	}
	return cfg
}

// Run starts the container, waits for it to exit and returns its output.
// The container is killed as soon as ctx ends or the timeout elapses, and
// removed afterwards in every case.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}

	ctx, span := e.tracer.Start(parent, "sandbox.run", trace.WithAttributes(
		attribute.String("sandbox.image", req.Image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = e.cfg.WorkingDir
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig(req, workingDir), e.hostConfig(req, workingDir), &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container create: %w", err))
	}

	containerID := resp.ID
	logger := e.logger.With().Str("container_id", containerID).Str("image", req.Image).Logger()
	defer e.remove(containerID, logger)

	start := time.Now()
	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container start: %w", err))
	}

	result := ExecutionResult{}
	statusCh, errCh := e.client.ContainerWait(runCtx, containerID, container.WaitConditionNextExit)

	var waitErr error
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		waitErr = err
	case <-runCtx.Done():
		waitErr = runCtx.Err()
	}
	result.Duration = time.Since(start)
	runDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		e.kill(containerID, logger)

		switch {
		case ctx.Err() != nil:
			runsTotal.WithLabelValues(req.Image, outcomeCancelled).Inc()
			span.SetStatus(codes.Error, "run cancelled")
			return result, ctx.Err()
		case errors.Is(waitErr, context.DeadlineExceeded):
			result.TimedOut = true
		default:
			return result, e.fail(span, req.Image, fmt.Errorf("container wait: %w", waitErr))
		}
	}

	// Logs are read with a fresh context so output survives a timed out run.
	logsCtx, cancelLogs := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelLogs()
	if stdout, stderr, err := e.logs(logsCtx, containerID); err != nil {
		logger.Warn().Err(err).Msg("failed to read container logs")
	} else {
		result.Stdout = stdout
		result.Stderr = stderr
	}

	if result.TimedOut {
		runsTotal.WithLabelValues(req.Image, outcomeTimedOut).Inc()
		span.SetStatus(codes.Error, "run timed out")
		return result, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}

	runsTotal.WithLabelValues(req.Image, outcomeExited).Inc()
	span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
	return result, nil
}

func containerConfig(req ExecutionRequest, workingDir string) *container.Config {
	return &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		Env:             req.Env,
		WorkingDir:      workingDir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
		Labels:          map[string]string{"gema.assessment.sandbox": "true"},
	}
}

func (e *DockerExecutor) hostConfig(req ExecutionRequest, workingDir string) *container.HostConfig {
	memory := req.MemoryLimitMB
	if memory <= 0 {
		memory = e.cfg.MemoryLimitMB
	}
	shares := req.CPUShares
	if shares <= 0 {
		shares = e.cfg.CPUShares
	}
	pids := e.cfg.PidsLimit

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,exec,size=64m"},
		Resources: container.Resources{
			Memory:     memory * 1024 * 1024,
			MemorySwap: memory * 1024 * 1024,
			CPUShares:  shares,
			PidsLimit:  &pids,
		},
	}
	if req.Workspace != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.Workspace,
			Target: workingDir,
		}}
	}
	return hostCfg
}

func (e *DockerExecutor) logs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()
	return splitDockerLogs(reader, e.cfg.OutputLimit)
}

func (e *DockerExecutor) kill(containerID string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.ContainerKill(ctx, containerID, "KILL"); err != nil {
		logger.Debug().Err(err).Msg("failed to kill container")
	}
}

func (e *DockerExecutor) remove(containerID string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.Error().Err(err).Msg("failed to remove container")
	}
}

func (e *DockerExecutor) fail(span trace.Span, image string, err error) error {
	runsTotal.WithLabelValues(image, outcomeFailed).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func splitDockerLogs(reader io.Reader, limit int) (string, string, error) {
	stdoutBuf := &limitedBuffer{limit: limit}
	stderrBuf := &limitedBuffer{limit: limit}
	if _, err := stdcopy.StdCopy(stdoutBuf, stderrBuf, reader); err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
