// Package sandbox launches one disposable, network-isolated container per
// render attempt, streams its output, enforces a wall-clock deadline, and
// maps the exit into a classified result. It also owns recovery: sweeping
// containers that outlived their attempt and cleaning job directories.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/renderforge/renderforge/internal/config"
)

const (
	sceneFile = "scene.py"
	// killTimeout bounds the grace period for force-removing a container.
	killTimeout = 10 * time.Second
	// stderrTailLines bounds how much stderr is kept for classification.
	stderrTailLines = 40
	// scanBufSize allows very long renderer output lines.
	scanBufSize = 1 << 20
)

// Engine runs render attempts in docker containers. One Engine is shared by
// all workers; each Run call owns exactly one container for its duration.
type Engine struct {
	cfg       config.SandboxConfig
	dataDir   string
	dockerBin string
	uid       int
	gid       int
}

type Option func(*Engine)

// WithDockerBinary overrides the container runtime binary. Used by tests to
// substitute a stub.
func WithDockerBinary(path string) Option {
	return func(e *Engine) { e.dockerBin = path }
}

// NewEngine creates an Engine rooted at dataDir. Job work and output
// directories live under it, keyed by job id.
func NewEngine(cfg config.SandboxConfig, dataDir string, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		dataDir:   abs,
		dockerBin: "docker",
		uid:       os.Getuid(),
		gid:       os.Getgid(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// WorkDir is the job's temporary input directory, mounted at /work.
func (e *Engine) WorkDir(jobID uuid.UUID) string {
	return filepath.Join(e.dataDir, "work", jobID.String())
}

// OutputDir is the job's artifact directory, mounted at /output. It survives
// the attempt and is removed only on explicit job deletion.
func (e *Engine) OutputDir(jobID uuid.UUID) string {
	return filepath.Join(e.dataDir, "out", jobID.String())
}

// RunInput describes one render attempt.
type RunInput struct {
	JobID   uuid.UUID
	Attempt int
	Code    string
	// OnLine receives every output line in arrival order. stream is
	// "stdout" or "stderr". May be nil.
	OnLine func(stream, line string)
}

// Run executes one attempt and returns the produced artifact path relative
// to the job's output directory. On every exit path, including timeout and
// external cancellation, the container is gone and the work dir is removed
// before Run returns. Errors are ErrLaunch, ErrTimeout, ErrKilled,
// ErrArtifactNotFound, or a classified *ExitError.
func (e *Engine) Run(ctx context.Context, in RunInput) (artifact string, err error) {
	workDir := e.WorkDir(in.JobID)
	outputDir := e.OutputDir(in.JobID)

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			slog.Warn("failed to remove work dir", "job_id", in.JobID, "error", rmErr)
		}
	}()
	if err := os.MkdirAll(outputDir, 0o777); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, sceneFile), []byte(in.Code), 0o644); err != nil {
		return "", fmt.Errorf("write scene file: %w", err)
	}

	spec := BuildLaunchSpec(in.Attempt)
	name := ContainerName(in.JobID, in.Attempt)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.dockerBin, e.dockerArgs(spec, in.JobID, in.Attempt)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stderr pipe: %v", ErrLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	slog.Info("sandbox launched",
		"job_id", in.JobID, "attempt", in.Attempt,
		"container", name, "quality", spec.QualityFlag, "root", spec.RunAsRoot)

	var tail tailBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.scanLines(stdout, "stdout", in.OnLine, nil)
	}()
	go func() {
		defer wg.Done()
		e.scanLines(stderr, "stderr", in.OnLine, &tail)
	}()

	// Drain both pipes before Wait, per os/exec contract.
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e.removeContainer(name)
		return "", fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)
	case ctx.Err() != nil:
		e.removeContainer(name)
		return "", ErrKilled
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "", Classify(tail.String(), exitErr.ExitCode())
		}
		return "", fmt.Errorf("%w: %v", ErrLaunch, waitErr)
	}

	return FindArtifact(outputDir)
}

// scanLines forwards lines from one stream; tail, when non-nil, accumulates
// a bounded copy for classification.
func (e *Engine) scanLines(r io.Reader, stream string, onLine func(string, string), tail *tailBuffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), scanBufSize)
	for sc.Scan() {
		line := sc.Text()
		if tail != nil {
			tail.Add(line)
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("sandbox output scan failed", "stream", stream, "error", err)
	}
}

// removeContainer force-removes a container by name. The docker client
// process dying does not kill the container, so timeout and cancellation
// paths must remove it explicitly.
func (e *Engine) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.dockerBin, "rm", "-f", name).CombinedOutput()
	if err != nil {
		slog.Warn("container removal failed",
			"container", name, "error", err, "output", strings.TrimSpace(string(out)))
	}
}

// tailBuffer keeps the last stderrTailLines lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > stderrTailLines {
		b.lines = b.lines[len(b.lines)-stderrTailLines:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
