// Package renderer spawns the external word cloud renderer and forwards its
// output into the log.
//
// The renderer is a long-running interpreter process that reads render
// requests from one path and writes images to another. The Supervisor starts
// it once, drains stdout and stderr line by line and logs the exit status. It
// never restarts the process.
package renderer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stream names an output stream of the renderer process.
type Stream string

const (
	// StreamStdout is the process standard output.
	StreamStdout Stream = "stdout"
	// StreamStderr is the process standard error.
	StreamStderr Stream = "stderr"
)

const (
	defaultPythonPath  = "."
	defaultStopTimeout = 5 * time.Second
	maxLineBytes       = 1 << 20
)

// Config describes how to launch the renderer.
type Config struct {
	// Interpreter is the executable, usually a python binary.
	Interpreter string
	// Script is the first argument passed to Interpreter.
	Script string
	// WorkingDir is the process working directory. Empty inherits ours.
	WorkingDir string
	// PythonPath is exported as PYTHONPATH. Empty selects ".".
	PythonPath string
	// RequestPath is where the renderer reads requests.
	RequestPath string
	// OutputPath is where the renderer writes images.
	OutputPath string
	// StopTimeout is how long the process may take to exit after an
	// interrupt before it is killed. Zero selects 5s.
	StopTimeout time.Duration
}

// Validate checks required launch fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Interpreter) == "" {
		return fmt.Errorf("renderer: missing interpreter")
	}
	if strings.TrimSpace(c.Script) == "" {
		return fmt.Errorf("renderer: missing script")
	}
	if strings.TrimSpace(c.RequestPath) == "" {
		return fmt.Errorf("renderer: missing request path")
	}
	if strings.TrimSpace(c.OutputPath) == "" {
		return fmt.Errorf("renderer: missing output path")
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("renderer: negative stop timeout %s", c.StopTimeout)
	}

	return nil
}

// LineHook observes every drained output line.
type LineHook func(stream Stream, line string)

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLineHook registers hook for every drained line.
func WithLineHook(hook LineHook) Option {
	return func(s *Supervisor) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// Supervisor runs one renderer process.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	hooks  []LineHook
}

// NewSupervisor validates cfg and creates a Supervisor.
func NewSupervisor(cfg Config, logger *slog.Logger, options ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PythonPath == "" {
		cfg.PythonPath = defaultPythonPath
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	supervisor := &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "renderer"),
	}
	for _, option := range options {
		option(supervisor)
	}

	return supervisor, nil
}

// Run starts the renderer and blocks until it exits and both output streams
// are drained. Canceling ctx interrupts the process and kills it after the
// stop timeout.
//
// A spawn failure or a non-zero exit is returned; read failures on either
// stream are logged and end only that stream's drain.
func (s *Supervisor) Run(ctx context.Context) error {
	cmd := s.command(ctx)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("renderer stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("renderer stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.logger.ErrorContext(ctx, "renderer spawn failed", "interpreter", s.cfg.Interpreter, "error", err)
		return fmt.Errorf("start renderer: %w", err)
	}
	s.logger.InfoContext(ctx, "renderer started",
		"pid", cmd.Process.Pid,
		"interpreter", s.cfg.Interpreter,
		"script", s.cfg.Script,
		"request_path", s.cfg.RequestPath,
		"output_path", s.cfg.OutputPath,
	)

	var drains errgroup.Group
	drains.Go(func() error {
		return s.drain(ctx, StreamStdout, stdout)
	})
	drains.Go(func() error {
		return s.drain(ctx, StreamStderr, stderr)
	})
	if err := drains.Wait(); err != nil {
		s.logger.WarnContext(ctx, "renderer stream read failed", "error", err)
	}

	waitErr := cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()
	switch {
	case waitErr == nil:
		s.logger.InfoContext(ctx, "renderer exited", "exit_code", exitCode)
		return nil
	case ctx.Err() != nil:
		s.logger.InfoContext(ctx, "renderer stopped", "exit_code", exitCode, "reason", waitErr.Error())
		return nil
	default:
		s.logger.WarnContext(ctx, "renderer exited with failure", "exit_code", exitCode, "error", waitErr)
		return fmt.Errorf("renderer exited: %w", waitErr)
	}
}

func (s *Supervisor) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx,
		s.cfg.Interpreter,
		s.cfg.Script,
		s.cfg.RequestPath,
		s.cfg.OutputPath,
	)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = append(os.Environ(), "PYTHONPATH="+s.cfg.PythonPath)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.cfg.StopTimeout

	return cmd
}

// drain forwards lines from r until EOF or a read error. After an error the
// rest of the stream is discarded so the child never blocks on a full pipe,
// and the error is returned.
func (s *Supervisor) drain(ctx context.Context, stream Stream, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	level := slog.LevelInfo
	if stream == StreamStderr {
		level = slog.LevelWarn
	}
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Log(ctx, level, line, "stream", string(stream))
		for _, hook := range s.hooks {
			hook(stream, line)
		}
	}

	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) {
		return nil
	}
	_, _ = io.Copy(io.Discard, r)

	return fmt.Errorf("%s: %w", stream, err)
}
