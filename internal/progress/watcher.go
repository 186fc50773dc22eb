// Package progress implements the Progress Watcher (spec §4.9): it
// tails the pipeliner's ProcessesFile (default_pipeline.star) and
// derives per-job status, streaming deltas to subscribers.
package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cryoboost/server/internal/clog"
	"github.com/cryoboost/server/internal/metrics"
	"github.com/cryoboost/server/internal/state"
)

// PollInterval is the ticker period; spec §4.9 requires ≤ 5s.
const PollInterval = 3 * time.Second

// sustainedFailureThreshold is the number of consecutive unreadable
// ticks before a warning event is surfaced (spec §7 Watcher errors).
const sustainedFailureThreshold = 5

// Snapshot is the aggregate + per-job view emitted to subscribers on
// every delta (spec §6 subscribe_progress result shape).
type Snapshot struct {
	Jobs      map[state.JobKind]state.ExecutionStatus `json:"jobs"`
	Total     int                                      `json:"total"`
	Succeeded int                                      `json:"succeeded"`
	Running   int                                      `json:"running"`
	Failed    int                                      `json:"failed"`
	Aborted   int                                      `json:"aborted"`
	Warning   string                                   `json:"warning,omitempty"`
}

// Complete reports whether the pipeline has finished (spec §4.9: "A
// pipeline is complete when running == 0 && total > 0").
func (s Snapshot) Complete() bool {
	return s.Running == 0 && s.Total > 0
}

// ReadStatuses parses projectPath/default_pipeline.star and computes,
// per selected JobKind, the current status by matching the job's
// scheme-relative path against the file's first column and taking the
// latest row's status label (spec §4.9, §3 JobStatus).
func ReadStatuses(projectPath string, selected []state.JobKind) (map[state.JobKind]state.ExecutionStatus, error) {
	path := filepath.Join(projectPath, "default_pipeline.star")
	rows, err := readProcessRows(path)
	if err != nil {
		return nil, err
	}

	out := map[state.JobKind]state.ExecutionStatus{}
	for _, kind := range selected {
		out[kind] = state.StatusScheduled
		for _, r := range rows { // file order, so the last matching row wins
			if len(r) < 2 {
				continue
			}
			jobPath := r[0]
			if jobPath == string(kind) || strings.HasPrefix(jobPath, string(kind)+"/") {
				out[kind] = mapStatus(r[1])
			}
		}
	}
	return out, nil
}

func mapStatus(label string) state.ExecutionStatus {
	switch label {
	case "Scheduled":
		return state.StatusScheduled
	case "Running":
		return state.StatusRunning
	case "Succeeded":
		return state.StatusSucceeded
	case "Failed":
		return state.StatusFailed
	case "Aborted":
		return state.StatusAborted
	default:
		return state.StatusScheduled
	}
}

// readProcessRows parses the rlnPipeLineProcessName/rlnPipeLineProcessStatusLabel
// loop_ block of default_pipeline.star into [name, statusLabel] rows.
func readProcessRows(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("progress: read %s: %w", path, err)
	}

	var rows [][]string
	inProcesses := false
	inLoop := false
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "data_pipeline_processes"):
			inProcesses = true
			inLoop = false
			continue
		case strings.HasPrefix(line, "data_"):
			inProcesses = false
			continue
		case !inProcesses:
			continue
		case line == "loop_":
			inLoop = true
			continue
		case strings.HasPrefix(line, "_"):
			continue
		case inLoop:
			rows = append(rows, strings.Fields(line))
		}
	}
	return rows, nil
}

// Watcher owns one poll loop per opened project.
type Watcher struct {
	ProjectPath string
	Selected    []state.JobKind
	Store       *state.Store

	mu          sync.Mutex
	subscribers map[int]chan Snapshot
	nextID      int
	last        Snapshot
	failures    int
}

// NewWatcher constructs a Watcher for an opened project. store is the
// State Store the watcher writes derived per-job statuses back into
// (spec §3: a running JobRecord's status gates the freeze invariant);
// it may be nil in tests that only exercise status derivation.
func NewWatcher(store *state.Store, projectPath string, selected []state.JobKind) *Watcher {
	return &Watcher{
		ProjectPath: projectPath,
		Selected:    selected,
		Store:       store,
		subscribers: map[int]chan Snapshot{},
	}
}

// Subscribe registers ch to receive future deltas. The returned function
// unregisters it.
func (w *Watcher) Subscribe() (<-chan Snapshot, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	ch := make(chan Snapshot, 8)
	w.subscribers[id] = ch
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if c, ok := w.subscribers[id]; ok {
			close(c)
			delete(w.subscribers, id)
		}
	}
}

// Run drives the poll loop until ctx is cancelled (spec §4.9, §5:
// "cancels cleanly when the project is closed"). A filesystem watch on
// the project directory supplements the ticker with an immediate tick on
// writes to default_pipeline.star, so a status change is usually observed
// well inside the PollInterval; the ticker itself is never removed, since
// fsnotify on some cluster filesystems (NFS) misses or coalesces events.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	events := w.watchFile()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.tick()
		}
	}
}

// watchFile starts an fsnotify watch on the project directory and returns
// a channel that fires on every event touching default_pipeline.star. It
// returns nil if the watch could not be established (e.g. the directory
// does not exist yet), in which case Run falls back to the ticker alone.
func (w *Watcher) watchFile() <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		clog.Log.WithField("project", w.ProjectPath).WithError(err).Warn("progress: fsnotify unavailable, polling only")
		return nil
	}
	if err := watcher.Add(w.ProjectPath); err != nil {
		clog.Log.WithField("project", w.ProjectPath).WithError(err).Warn("progress: fsnotify watch failed, polling only")
		watcher.Close()
		return nil
	}

	target := filepath.Join(w.ProjectPath, "default_pipeline.star")
	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != target {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				clog.Log.WithField("project", w.ProjectPath).WithError(err).Warn("progress: fsnotify error")
			}
		}
	}()
	return out
}

func (w *Watcher) tick() {
	statuses, err := ReadStatuses(w.ProjectPath, w.Selected)
	if err != nil {
		w.mu.Lock()
		w.failures++
		n := w.failures
		w.mu.Unlock()
		metrics.WatcherReadFailures.WithLabelValues(w.ProjectPath).Inc()
		if n == sustainedFailureThreshold {
			w.emit(Snapshot{Warning: fmt.Sprintf("processes file unreadable for %d consecutive ticks: %v", n, err)})
		}
		return
	}

	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()

	snap := aggregate(statuses)
	w.mu.Lock()
	prevJobs := w.last.Jobs
	changed := !equalSnapshot(w.last, snap)
	w.last = snap
	w.mu.Unlock()

	if w.Store != nil {
		for kind, st := range statuses {
			if prevJobs[kind] == st {
				continue
			}
			if err := w.Store.SetExecutionStatus(w.ProjectPath, kind, st); err != nil {
				clog.Log.WithField("project", w.ProjectPath).WithField("job", kind).WithError(err).Warn("progress: failed to write derived status back to store")
			}
		}
	}

	if changed {
		allStatuses := []string{
			string(state.StatusNotScheduled), string(state.StatusScheduled), string(state.StatusRunning),
			string(state.StatusSucceeded), string(state.StatusFailed), string(state.StatusAborted),
		}
		for kind, st := range statuses {
			metrics.RecordJobStatus(w.ProjectPath, string(kind), string(st), allStatuses)
		}
		w.emit(snap)
	}
}

func (w *Watcher) emit(snap Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		select {
		case ch <- snap:
		default:
			clog.Log.WithField("project", w.ProjectPath).Warn("progress subscriber channel full, dropping event")
		}
	}
}

func aggregate(statuses map[state.JobKind]state.ExecutionStatus) Snapshot {
	snap := Snapshot{Jobs: statuses}
	for _, st := range statuses {
		snap.Total++
		switch st {
		case state.StatusRunning:
			snap.Running++
		case state.StatusSucceeded:
			snap.Succeeded++
		case state.StatusFailed:
			snap.Failed++
		case state.StatusAborted:
			snap.Aborted++
		}
	}
	return snap
}

func equalSnapshot(a, b Snapshot) bool {
	if a.Total != b.Total || a.Succeeded != b.Succeeded || a.Running != b.Running || a.Failed != b.Failed || a.Aborted != b.Aborted {
		return false
	}
	if len(a.Jobs) != len(b.Jobs) {
		return false
	}
	for k, v := range a.Jobs {
		if b.Jobs[k] != v {
			return false
		}
	}
	return true
}
