package api

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cryoboost/server/internal/commands"
	"github.com/cryoboost/server/internal/config"
	"github.com/cryoboost/server/internal/container"
	"github.com/cryoboost/server/internal/pipeline"
	"github.com/cryoboost/server/internal/progress"
	"github.com/cryoboost/server/internal/state"
)

// Dependencies bundles the subsystems the HTTP/WebSocket Surface
// delegates to. It owns no business logic itself (spec §4.10: the
// surface is a thin translation of wire operations to State Store
// operations plus pipeline/watcher lifecycle).
type Dependencies struct {
	Store  *state.Store
	Config *config.Config

	ServerDir string
	PythonBin string

	mu       sync.Mutex
	runtimes map[string]*projectRuntime
}

// projectRuntime is the per-project set of live objects that exist only
// while a project is open: its Pipeline Runner and Progress Watcher.
type projectRuntime struct {
	runner  *pipeline.Runner
	watcher *progress.Watcher
	cancel  context.CancelFunc
}

// NewDependencies wires a fresh Dependencies bundle.
func NewDependencies(store *state.Store, cfg *config.Config, serverDir, pythonBin string) *Dependencies {
	return &Dependencies{
		Store:     store,
		Config:    cfg,
		ServerDir: serverDir,
		PythonBin: pythonBin,
		runtimes:  map[string]*projectRuntime{},
	}
}

// schemeName is the deterministic Schemes/<name>/ directory name for a
// project: "scheme_<project name>" (spec §8 scenario A example).
func schemeName(projectName string) string {
	return "scheme_" + projectName
}

func (d *Dependencies) runtimeFor(projectPath string, selected []state.JobKind) *projectRuntime {
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.runtimes[projectPath]
	if ok {
		return rt
	}

	ctx, cancel := context.WithCancel(context.Background())
	watcher := progress.NewWatcher(d.Store, projectPath, selected)
	rt = &projectRuntime{
		runner:  pipeline.NewRunner(projectPath, schemeName(filepath.Base(projectPath)), pipeline.NewSlurmScheduler(d.Config.SlurmDefaults.RestURL)),
		watcher: watcher,
		cancel:  cancel,
	}
	d.runtimes[projectPath] = rt
	go watcher.Run(ctx)
	return rt
}

// closeRuntime cancels a project's watcher loop (spec §5: "cancels
// cleanly when the project is closed").
func (d *Dependencies) closeRuntime(projectPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rt, ok := d.runtimes[projectPath]; ok {
		rt.cancel()
		delete(d.runtimes, projectPath)
	}
}

func (d *Dependencies) resolvedPaths(projectPath string) commands.ResolvedPaths {
	return commands.ResolvedPaths{
		ProjectRoot: projectPath,
		FramesDir:   filepath.Join(projectPath, "frames"),
		MdocDir:     filepath.Join(projectPath, "mdoc"),
		MoviesGlob:  filepath.Join(projectPath, "frames", "*"),
		MdocsGlob:   filepath.Join(projectPath, "mdoc", "*"),
		ServerDir:   d.ServerDir,
		PythonBin:   d.PythonBin,
	}
}

func (d *Dependencies) containerOptions(projectPath string) container.Options {
	return container.Options{
		ProjectRoot: projectPath,
		ProjectBase: d.Config.Local.DefaultProjectBase,
	}
}
