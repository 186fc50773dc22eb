package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/cryoboost/server/internal/container"
	"github.com/cryoboost/server/internal/metrics"
	"github.com/cryoboost/server/internal/pipeline"
	"github.com/cryoboost/server/internal/project"
	"github.com/cryoboost/server/internal/scheme"
	"github.com/cryoboost/server/internal/state"
)

type createProjectRequest struct {
	Name         string          `json:"name"`
	Base         string          `json:"base"`
	MoviesGlob   string          `json:"movies_glob"`
	MdocsGlob    string          `json:"mdocs_glob"`
	SelectedJobs []state.JobKind `json:"selected_jobs"`
}

type createProjectResponse struct {
	ProjectPath string `json:"project_path"`
}

// createProject implements spec §6's create_project operation: build
// the layout, import data, then materialize an initial scheme so the UI
// can inspect it before any run starts.
func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	base := req.Base
	if base == "" {
		base = s.deps.Config.Local.DefaultProjectBase
	}

	p, err := s.deps.Store.CreateProject(req.Name, base, req.SelectedJobs)
	if err != nil {
		writeStateError(w, err)
		return
	}

	if err := project.CreateLayout(p.Path); err != nil {
		writeError(w, http.StatusInternalServerError, "validation_error", err.Error())
		return
	}

	if err := project.WriteQsubTemplate(p.Path, project.DefaultQsubTemplate, s.deps.Config.SlurmDefaults, req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, "validation_error", err.Error())
		return
	}

	prefix := project.ImportPrefix(req.Name)
	if _, err := project.ImportData(p.Path, req.MdocsGlob, filepath.Join(p.Path, "frames"), prefix); err != nil {
		if pe, ok := err.(*project.Error); ok && pe.Kind == "duplicate_import" {
			writeError(w, http.StatusConflict, "duplicate_import", pe.Message)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_glob", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createProjectResponse{ProjectPath: p.Path})
}

func (s *Server) openProject(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "path is required")
		return
	}

	p, err := s.deps.Store.OpenProject(path)
	if err != nil {
		writeStateError(w, err)
		return
	}

	s.deps.runtimeFor(path, p.SelectedJobs)
	writeJSON(w, http.StatusOK, p.ToSnapshot())
}

type fieldRequest struct {
	Path  string      `json:"path"`
	Kind  state.JobKind `json:"kind,omitempty"`
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

func (s *Server) setGlobal(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.deps.Store.SetGlobal(req.Path, req.Field, req.Value); err != nil {
		writeStateError(w, err)
		return
	}
	snap, err := s.deps.Store.Snapshot(req.Path)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) setJobField(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := s.deps.Store.SetJobField(req.Path, req.Kind, req.Field, req.Value); err != nil {
		writeStateError(w, err)
		return
	}
	snap, err := s.deps.Store.Snapshot(req.Path)
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type pathRequest struct {
	Path string `json:"path"`
}

type startPipelineResponse struct {
	Pid int `json:"pid"`
}

// startPipeline implements spec §6 start_pipeline: write the snapshot,
// materialize the scheme, then spawn the pipeliner (spec §5 ordering
// guarantees a/b).
func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	if err := s.deps.Store.SnapshotToDisk(req.Path); err != nil {
		writeStateError(w, err)
		return
	}

	snap, err := s.deps.Store.Snapshot(req.Path)
	if err != nil {
		writeStateError(w, err)
		return
	}
	proj := state.FromSnapshot(snap)

	name := schemeName(proj.Name)
	buildOpts := scheme.BuildOptions{
		Project:     proj,
		Tools:       s.deps.Config.Tools,
		ResolvedRP:  s.deps.resolvedPaths(req.Path),
		ContainerRP: s.deps.containerOptions(req.Path),
		MaxTimeHr:   24,
		WaitSec:     30,
		DoAtMost:    1,
	}
	if err := scheme.Materialize(name, buildOpts); err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot_invalid", err.Error())
		return
	}
	metrics.SchemesMaterialized.WithLabelValues(req.Path).Inc()

	rt := s.deps.runtimeFor(req.Path, proj.SelectedJobs)
	tool := s.deps.Config.Tools["pipeliner"]
	containerOpts := s.deps.containerOptions(req.Path)
	wrapper := pipeline.WrapperFunc(func(raw string) (string, error) {
		return container.Wrap(raw, tool, containerOpts)
	})

	if err := rt.runner.Start(r.Context(), wrapper); err != nil {
		writeError(w, http.StatusConflict, "pipeline_active", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, startPipelineResponse{})
}

func (s *Server) abortPipeline(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	s.deps.mu.Lock()
	rt, ok := s.deps.runtimes[req.Path]
	s.deps.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, "not_running", "project has no active pipeline runtime")
		return
	}

	if err := rt.runner.Abort(r.Context()); err != nil {
		writeError(w, http.StatusConflict, "not_running", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) resetHead(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	s.deps.mu.Lock()
	rt, ok := s.deps.runtimes[req.Path]
	s.deps.mu.Unlock()
	if !ok {
		writeError(w, http.StatusConflict, "pipeline_active", "project is not open")
		return
	}

	tool := s.deps.Config.Tools["pipeliner"]
	containerOpts := s.deps.containerOptions(req.Path)
	wrapper := pipeline.WrapperFunc(func(raw string) (string, error) {
		return container.Wrap(raw, tool, containerOpts)
	})

	if err := rt.runner.Reset(r.Context(), wrapper); err != nil {
		writeError(w, http.StatusConflict, "pipeline_active", err.Error())
		return
	}
	if err := s.deps.Store.ResetToDefaults(req.Path); err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// writeStateError maps internal/state's typed Kind to an HTTP status
// and the stable wire error shape (spec §7).
func writeStateError(w http.ResponseWriter, err error) {
	se, ok := err.(*state.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, "validation_error", err.Error())
		return
	}
	status := http.StatusBadRequest
	switch se.Kind {
	case state.KindFrozenJob, state.KindPipelineActive, state.KindDuplicateImport:
		status = http.StatusConflict
	case state.KindNoProject:
		status = http.StatusNotFound
	}
	writeError(w, status, string(se.Kind), se.Message)
}
