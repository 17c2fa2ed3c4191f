// Package build runs the build pipeline for a ported branch, either on a
// remote build host over SSH or locally, and captures its output for the
// fixup iteration.
//
// A pipeline is a list of shell commands rendered from text/template
// strings over [Vars]. Commands run in order; a failing command stops the
// pipeline unless it is marked can_fail. The output of every command is
// captured through a terminal so compilers keep their usual formatting.
//
// A build that runs and fails is reported through [Result]; only failures
// to reach or drive the executor are returned as errors (BuildError or
// TimeoutError, both retryable).
package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/logging"
)

// Executor runs one shell command and streams its combined output to out.
type Executor interface {
	// Run executes command and returns its exit status. A non-zero status
	// is not an error; err reports failures to run the command at all.
	Run(ctx context.Context, command string, out io.Writer) (status int, err error)
	// Host names where commands run, for logs and errors.
	Host() string
	Close() error
}

// Vars are the values available to command templates.
type Vars struct {
	Branch  string
	Commit  string
	Workdir string
}

// Command is one parsed pipeline step.
type Command struct {
	Source  string
	CanFail bool
	tmpl    *template.Template
}

// Render expands the command template.
func (c Command) Render(vars Vars) (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, vars); err != nil {
		return "", errors.NewValidationError("cannot render build command").
			WithField("build.commands").WithValue(c.Source).WithCause(err)
	}
	return buf.String(), nil
}

// ParseCommands parses the configured command templates.
func ParseCommands(cmds []config.CommandConfig) ([]Command, error) {
	out := make([]Command, 0, len(cmds))
	for i, c := range cmds {
		tmpl, err := template.New(fmt.Sprintf("command-%d", i)).Option("missingkey=error").Parse(c.Run)
		if err != nil {
			return nil, errors.NewValidationError("invalid build command template").
				WithField(fmt.Sprintf("build.commands[%d].run", i)).WithValue(c.Run).WithCause(err)
		}
		out = append(out, Command{Source: c.Run, CanFail: c.CanFail, tmpl: tmpl})
	}
	return out, nil
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Command  string        `json:"command"`
	Status   int           `json:"status"`
	CanFail  bool          `json:"can_fail,omitempty"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the command exited non-zero.
func (r CommandResult) Failed() bool {
	return r.Status != 0
}

// Result is the outcome of a pipeline run.
type Result struct {
	Commands []CommandResult `json:"commands"`
	// Status is the exit status of the command that stopped the pipeline,
	// or zero when every required command succeeded.
	Status int `json:"status"`
}

// Succeeded reports whether the build passed.
func (r *Result) Succeeded() bool {
	return r.Status == 0
}

// Output returns the captured output of every command, each preceded by
// the command line, as the fixup iteration reads it.
func (r *Result) Output() string {
	var sb strings.Builder
	for _, c := range r.Commands {
		fmt.Fprintf(&sb, "$ %s\n", c.Command)
		sb.WriteString(c.Output)
		if c.Output != "" && !strings.HasSuffix(c.Output, "\n") {
			sb.WriteString("\n")
		}
		if c.Failed() {
			fmt.Fprintf(&sb, "[exit status %d]\n", c.Status)
		}
	}
	return sb.String()
}

// Runner runs a pipeline on an executor.
type Runner struct {
	exec     Executor
	commands []Command
	timeout  time.Duration
	logger   *logging.Logger
	echo     io.Writer
}

// NewRunner creates a Runner. Output is copied to echo as it arrives when
// echo is not nil. A zero timeout means no limit.
func NewRunner(exec Executor, commands []Command, timeout time.Duration, logger *logging.Logger, echo io.Writer) *Runner {
	return &Runner{
		exec:     exec,
		commands: commands,
		timeout:  timeout,
		logger:   logging.OrNop(logger).WithPhase("build"),
		echo:     echo,
	}
}

// Run renders and runs every command with vars.
func (r *Runner) Run(ctx context.Context, vars Vars) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	logger := r.logger.WithCommit(vars.Commit).With("host", r.exec.Host())
	result := &Result{}
	for _, c := range r.commands {
		line, err := c.Render(vars)
		if err != nil {
			return result, err
		}

		var buf bytes.Buffer
		var out io.Writer = &buf
		if r.echo != nil {
			out = io.MultiWriter(&buf, r.echo)
		}

		logger.Info("running build command", "command", line)
		start := time.Now()
		status, err := r.exec.Run(ctx, line, out)
		cr := CommandResult{
			Command:  line,
			Status:   status,
			CanFail:  c.CanFail,
			Output:   buf.String(),
			Duration: time.Since(start),
		}
		result.Commands = append(result.Commands, cr)

		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return result, errors.NewTimeoutError("build pipeline on "+r.exec.Host(), r.timeout).WithCause(err)
			}
			if ctx.Err() != nil {
				return result, errors.Join(errors.ErrCanceled, ctx.Err())
			}
			return result, errors.NewBuildError("build command did not run", err).
				WithHost(r.exec.Host()).WithCommand(line)
		}

		logger.Info("build command finished",
			"command", line,
			"status", status,
			"duration_ms", cr.Duration.Milliseconds(),
		)
		if status != 0 && !c.CanFail {
			result.Status = status
			logger.Warn("build failed", "command", line, "status", status)
			return result, nil
		}
	}
	return result, nil
}

// New opens the executor selected by cfg.
func New(ctx context.Context, cfg *config.BuildConfig) (Executor, error) {
	switch cfg.Executor {
	case config.ExecutorLocal:
		return NewLocal(cfg.Workdir)
	case config.ExecutorSSH, "":
		return DialSSH(ctx, SSHOptions{
			Host:        cfg.Host,
			Port:        cfg.Port,
			User:        cfg.User,
			KeyFile:     cfg.KeyFile,
			KnownHosts:  cfg.KnownHosts,
			DialTimeout: cfg.OpenTimeout(),
		})
	default:
		return nil, errors.NewValidationError("unknown build executor").
			WithField("build.executor").WithValue(cfg.Executor)
	}
}
