// Package pipeline implements the Pipeline Runner (spec §4.8): it
// launches the downstream pipeliner as a supervised subprocess, captures
// its stdio, and owns its lifecycle across run/abort/reset.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cryoboost/server/internal/clog"
	"github.com/cryoboost/server/internal/container"
	"github.com/cryoboost/server/internal/metrics"
)

// State is one of the Pipeline Runner's state machine values (spec
// §4.8).
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates enumerates the state machine's vocabulary, used for gauge
// reset in metrics.RecordPipelineState.
var AllStates = []string{
	string(StateIdle), string(StateStarting), string(StateRunning),
	string(StateStopping), string(StateCompleted), string(StateFailed),
}

// ShellTimeout bounds ad-hoc scheduler probe commands (spec §5:
// "order 120 s").
const ShellTimeout = 120 * time.Second

// PipelinerBinary is the downstream pipeliner executable name.
var PipelinerBinary = "schemer"

// Scheduler abstracts the cluster-scheduler introspection/cancellation
// commands the Pipeline Runner's abort sequence needs, so the runner
// itself never shells out directly to a specific scheduler binary.
type Scheduler interface {
	// RunningJobID returns the scheduler job ID recorded as Running in
	// the ProcessesFile, or "" if none.
	RunningJobID(processesFilePath string) (string, error)
	// Cancel requests termination of the given scheduler job.
	Cancel(ctx context.Context, jobID string) error
}

// CommandWrapper is satisfied by internal/container's Wrap, partially
// applied over a fixed tool/bind configuration, so the Pipeline Runner
// never has to know about container.Options directly.
type CommandWrapper interface {
	Wrap(raw string) (string, error)
}

// WrapperFunc adapts a plain function to CommandWrapper.
type WrapperFunc func(raw string) (string, error)

func (f WrapperFunc) Wrap(raw string) (string, error) { return f(raw) }

// Runner supervises one project's pipeliner subprocess.
type Runner struct {
	ProjectPath string
	SchemeName  string
	LogPath     string
	Scheduler   Scheduler

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	done    chan struct{}
	lastErr error
}

// NewRunner constructs a Runner in the idle state.
func NewRunner(projectPath, schemeName string, sched Scheduler) *Runner {
	return &Runner{
		ProjectPath: projectPath,
		SchemeName:  schemeName,
		LogPath:     filepath.Join(projectPath, "Logs", "pipeline.log"),
		Scheduler:   sched,
		state:       StateIdle,
	}
}

// State reports the current state machine value.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.state = s
	metrics.RecordPipelineState(r.ProjectPath, string(s), AllStates)
}

// Start spawns the pipeliner (spec §4.8 `start` semantics). The
// pipeliner invocation is passed through tool unchanged, so the bind set
// is exactly the one tool was built with; Start adds no binds of its own,
// and the movie/mdoc parent directories are not bound unless tool
// already includes them. Start is rejected while a previous run is
// starting, running or stopping.
func (r *Runner) Start(ctx context.Context, tool CommandWrapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateStarting || r.state == StateRunning || r.state == StateStopping {
		return fmt.Errorf("pipeline_active: cannot start while in state %q", r.state)
	}

	rawCmd := fmt.Sprintf("%s --scheme %s --run --verb 2", PipelinerBinary, r.SchemeName)
	finalCmd, err := tool.Wrap(rawCmd)
	if err != nil {
		metrics.PipelineStarts.WithLabelValues(r.ProjectPath, "wrap_error").Inc()
		return fmt.Errorf("pipeline: wrap command: %w", err)
	}

	logFile, err := os.OpenFile(r.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		metrics.PipelineStarts.WithLabelValues(r.ProjectPath, "log_open_error").Inc()
		return fmt.Errorf("pipeline: open log file: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", finalCmd)
	cmd.Dir = r.ProjectPath
	cmd.Env = container.ScrubEnv(os.Environ())
	cmd.SysProcAttr = newSessionAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("pipeline: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("pipeline: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		metrics.PipelineStarts.WithLabelValues(r.ProjectPath, "spawn_error").Inc()
		r.setState(StateFailed)
		return fmt.Errorf("pipeline: spawn: %w", err)
	}

	r.cmd = cmd
	r.done = make(chan struct{})
	r.setState(StateStarting)
	metrics.PipelineStarts.WithLabelValues(r.ProjectPath, "ok").Inc()

	go r.pumpStdio(stdout, logFile, true)
	go r.pumpStdio(stderr, logFile, false)
	go r.supervise(logFile)

	clog.Log.WithField("project", r.ProjectPath).WithField("pid", cmd.Process.Pid).Info("pipeliner started")
	return nil
}

// pumpStdio tees a child stream into the project log file until the
// child closes its end (spec §5 cancellation/timeouts: "Child stdio
// pumps terminate when the child closes its end"). When isStdout is
// true, the first line read transitions the runner starting → running
// (spec §4.8: "starting → running on first stdout").
func (r *Runner) pumpStdio(rc io.Reader, logFile *os.File, isStdout bool) {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		fmt.Fprintln(logFile, scanner.Text())
		if isStdout && first {
			r.MarkRunning()
			first = false
		}
	}
}

func (r *Runner) supervise(logFile *os.File) {
	defer logFile.Close()

	err := r.cmd.Wait()

	r.mu.Lock()
	if err != nil {
		r.lastErr = err
		r.setState(StateFailed)
	} else {
		r.setState(StateCompleted)
	}
	done := r.done
	r.mu.Unlock()

	close(done)
}

// MarkRunning transitions starting → running on the caller's
// observation of the first stdout activity (spec §4.8 table).
func (r *Runner) MarkRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStarting {
		r.setState(StateRunning)
	}
}

// Abort performs the four-step best-effort, idempotent abort sequence
// (spec §4.8 `abort` semantics, testable property 6). Every step is
// wrapped so a failure in one does not prevent the others from running.
func (r *Runner) Abort(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning && r.state != StateStarting {
		r.mu.Unlock()
		return fmt.Errorf("not_running: pipeline is %q", r.state)
	}
	cmd := r.cmd
	done := r.done
	r.setState(StateStopping)
	r.mu.Unlock()

	metrics.PipelineAborts.WithLabelValues(r.ProjectPath).Inc()

	// Step 1: signal the pipeliner process.
	if cmd != nil && cmd.Process != nil {
		if err := signalProcessGroup(cmd.Process.Pid, syscall.SIGTERM); err != nil {
			clog.Log.WithField("project", r.ProjectPath).WithError(err).Warn("abort: failed to signal pipeliner")
		}
	}

	// Step 2: cancel the running scheduler job, if any.
	processesFile := filepath.Join(r.ProjectPath, "default_pipeline.star")
	if r.Scheduler != nil {
		if jobID, err := r.Scheduler.RunningJobID(processesFile); err == nil && jobID != "" {
			cctx, cancel := context.WithTimeout(ctx, ShellTimeout)
			if err := r.Scheduler.Cancel(cctx, jobID); err != nil {
				clog.Log.WithField("project", r.ProjectPath).WithError(err).Warn("abort: failed to cancel scheduler job")
			}
			cancel()
		}
	}

	// Step 3: rewrite the Running row to Failed if no success marker exists.
	if err := markRunningRowFailed(processesFile); err != nil {
		clog.Log.WithField("project", r.ProjectPath).WithError(err).Warn("abort: failed to rewrite processes file")
	}

	// Step 4: remove the pipeliner's lock directory.
	lockDir := filepath.Join(r.ProjectPath, "Schemes", r.SchemeName, ".relion_lock")
	if err := os.RemoveAll(lockDir); err != nil {
		clog.Log.WithField("project", r.ProjectPath).WithError(err).Warn("abort: failed to remove lock directory")
	}

	// Wait for supervise's Wait()-driven exit before declaring idle, so
	// the final state reflects the child having actually stopped rather
	// than racing supervise's own completed/failed write.
	if done != nil {
		select {
		case <-done:
		case <-time.After(ShellTimeout):
			clog.Log.WithField("project", r.ProjectPath).Warn("abort: timed out waiting for pipeliner to exit")
		}
	}

	r.mu.Lock()
	r.setState(StateIdle)
	r.mu.Unlock()
	return nil
}

// Reset invokes the pipeliner's synchronous --reset call (spec §4.8
// `reset` semantics). No process supervision is required.
func (r *Runner) Reset(ctx context.Context, tool CommandWrapper) error {
	r.mu.Lock()
	if r.state == StateRunning || r.state == StateStopping {
		r.mu.Unlock()
		return fmt.Errorf("pipeline_active: cannot reset while in state %q", r.state)
	}
	r.mu.Unlock()

	rawCmd := fmt.Sprintf("%s --scheme %s --reset", PipelinerBinary, r.SchemeName)
	finalCmd, err := tool.Wrap(rawCmd)
	if err != nil {
		return fmt.Errorf("pipeline: wrap reset command: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", finalCmd)
	cmd.Dir = r.ProjectPath
	cmd.Env = container.ScrubEnv(os.Environ())
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pipeline: reset failed: %w: %s", err, output)
	}
	return nil
}
