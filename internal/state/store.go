// Package state implements the State Store (spec §4.3): single-writer,
// in-process project state. All reads and writes go through operations
// on Store; concurrent access to a given project is serialized through
// a per-project mutex acquired for the full duration of the operation
// (spec §5).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryoboost/server/internal/metadata"
)

// fieldRanges holds the documented closed per-field bounds (spec §4.3,
// §8): pixel size in [0.5, 10.0] Å, amplitude contrast in [0, 1], tilt
// axis in [-180, 180]. The one-sided dose >= 0.1 check lives in
// validateRange.
var fieldRanges = map[string][2]float64{
	"pixel_size_angstrom": {0.5, 10.0},
	"amplitude_contrast":  {0, 1},
	"tilt_axis_angle":     {-180, 180},
}

// entry is one project's in-memory state plus the per-project mutex that
// serializes every operation on it.
type entry struct {
	mu      sync.Mutex
	project *Project
}

// Store is the process-wide registry of open projects.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*entry
	// StatusReader derives per-job statuses from the ProcessesFile; it is
	// pluggable so the Progress Watcher's reader can be reused here on
	// open_project (spec §4.3 open_project: "compute statuses from
	// ProcessesFile").
	StatusReader func(projectPath string, selected []JobKind) (map[JobKind]ExecutionStatus, error)
	// ProbeReader runs the Metadata Probe against a project's mdocs and
	// returns the fields it could derive; it is pluggable for the same
	// reason as StatusReader, and is nil in tests that don't exercise
	// metadata derivation. Invoked on create_project and reset_to_defaults
	// (spec §3, §4.2).
	ProbeReader func(projectPath string) (metadata.Fields, error)
}

// New creates an empty Store.
func New() *Store {
	return &Store{projects: map[string]*entry{}}
}

func (s *Store) entryFor(path string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.projects[path]
	return e, ok
}

// CreateProject allocates a fresh in-memory Project (spec §4.3
// create_project). No JSON snapshot is written yet.
func (s *Store) CreateProject(name, basePath string, selected []JobKind) (*Project, error) {
	for _, k := range selected {
		if !k.Valid() {
			return nil, newErr(KindValidation, "unknown job kind %q", k)
		}
	}
	if err := validateSelectionOrder(selected); err != nil {
		return nil, err
	}

	root := filepath.Join(basePath, name)
	now := time.Now().UTC()
	p := &Project{
		Name:         name,
		Path:         root,
		CreatedAt:    now,
		ModifiedAt:   now,
		SelectedJobs: append([]JobKind{}, selected...),
		Jobs:         map[JobKind]*JobRecord{},
	}
	for _, k := range selected {
		p.Jobs[k] = NewJobRecord(k)
	}
	if s.ProbeReader != nil {
		if fields, err := s.ProbeReader(root); err == nil {
			applyProbedFields(&p.Globals, fields)
		}
	}

	s.mu.Lock()
	s.projects[root] = &entry{project: p}
	s.mu.Unlock()

	return p, nil
}

// applyProbedFields seeds GlobalParameters from whatever the Metadata
// Probe could read (spec §4.2), leaving fields it found nothing for at
// their zero value.
func applyProbedFields(g *GlobalParameters, f metadata.Fields) {
	if f.HasPixelSize {
		g.Microscope.PixelSizeAngstrom = f.PixelSizeAngstrom
	}
	if f.HasVoltage {
		g.Microscope.VoltageKV = f.VoltageKV
	}
	if f.HasDose {
		g.Acquisition.DosePerTilt = f.DosePerTilt
	}
	if f.HasTiltAxis {
		g.Acquisition.TiltAxisAngle = f.TiltAxisAngle
	}
	if f.HasDimensions {
		g.Acquisition.DetectorWidth = f.ImageWidth
		g.Acquisition.DetectorHeight = f.ImageHeight
	}
	if f.EERFractionHint != 0 {
		g.Acquisition.EERFractions = f.EERFractionHint
	}
}

// OpenProject loads a snapshot, validates it, and computes statuses from
// the ProcessesFile (spec §4.3 open_project).
func (s *Store) OpenProject(path string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(path, "project_params.json"))
	if err != nil {
		return nil, newErr(KindNoProject, "no project at %s: %v", path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, newErr(KindValidation, "snapshot_invalid: %v", err)
	}
	p := FromSnapshot(snap)
	p.Path = path

	if s.StatusReader != nil {
		statuses, err := s.StatusReader(path, p.SelectedJobs)
		if err == nil {
			for kind, st := range statuses {
				if rec, ok := p.Jobs[kind]; ok {
					rec.ExecutionStatus = st
				}
			}
		}
	}

	s.mu.Lock()
	s.projects[path] = &entry{project: p}
	s.mu.Unlock()

	return p, nil
}

// withProject runs fn holding the named project's per-project lock for
// the full duration, satisfying the single-writer discipline (spec §5).
func (s *Store) withProject(path string, fn func(p *Project) error) error {
	e, ok := s.entryFor(path)
	if !ok {
		return newErr(KindNoProject, "no open project at %s", path)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.project)
}

// Snapshot returns a point-in-time copy of the project taken under its
// lock, then released (spec §5: "readers take a snapshot under the lock
// and drop it before doing anything else").
func (s *Store) Snapshot(path string) (Snapshot, error) {
	var out Snapshot
	err := s.withProject(path, func(p *Project) error {
		out = p.ToSnapshot()
		return nil
	})
	return out, err
}

// SetGlobal validates and applies a global-parameter mutation (spec
// §4.3 set_global). Forbidden once any job is running.
func (s *Store) SetGlobal(path, field string, value interface{}) error {
	return s.withProject(path, func(p *Project) error {
		if p.AnyJobRunning() {
			return newErr(KindFrozenJob, "cannot set global %q while a job is running", field)
		}
		if err := validateRange(field, value); err != nil {
			return err
		}
		if err := applyGlobalField(&p.Globals, field, value); err != nil {
			return err
		}
		p.ModifiedAt = time.Now().UTC()
		return nil
	})
}

// SetJobField validates and applies a per-job mutation (spec §4.3
// set_job_field). Forbidden on frozen jobs.
func (s *Store) SetJobField(path string, kind JobKind, field string, value interface{}) error {
	return s.withProject(path, func(p *Project) error {
		rec, ok := p.Jobs[kind]
		if !ok {
			return newErr(KindValidation, "job kind %q is not selected", kind)
		}
		if rec.ExecutionStatus.IsFrozen() {
			return newErr(KindFrozenJob, "job %q is %s and cannot be mutated", kind, rec.ExecutionStatus)
		}
		if globalFieldNames[field] {
			return newErr(KindValidation, "field %q belongs to GlobalParameters, not JobRecord %q", field, kind)
		}
		if err := validateRange(field, value); err != nil {
			return err
		}
		rec.Fields[field] = value
		p.ModifiedAt = time.Now().UTC()
		if p.AnyJobRunning() {
			return writeSnapshotAtomic(p)
		}
		return nil
	})
}

// SelectJob inserts kind at position in the selection (spec §4.3
// select_job). Only allowed when no job is running.
func (s *Store) SelectJob(path string, kind JobKind, position int) error {
	return s.withProject(path, func(p *Project) error {
		if !kind.Valid() {
			return newErr(KindValidation, "unknown job kind %q", kind)
		}
		if p.AnyJobRunning() {
			return newErr(KindPipelineActive, "cannot change job selection while a job is running")
		}
		for _, k := range p.SelectedJobs {
			if k == kind {
				return newErr(KindValidation, "job kind %q is already selected", kind)
			}
		}
		if position < 0 || position > len(p.SelectedJobs) {
			position = len(p.SelectedJobs)
		}
		updated := append([]JobKind{}, p.SelectedJobs[:position]...)
		updated = append(updated, kind)
		updated = append(updated, p.SelectedJobs[position:]...)
		if err := validateSelectionOrder(updated); err != nil {
			return err
		}
		p.SelectedJobs = updated
		p.Jobs[kind] = NewJobRecord(kind)
		p.ModifiedAt = time.Now().UTC()
		return nil
	})
}

// DeselectJob removes kind from the selection (spec §4.3 deselect_job).
func (s *Store) DeselectJob(path string, kind JobKind) error {
	return s.withProject(path, func(p *Project) error {
		if p.AnyJobRunning() {
			return newErr(KindPipelineActive, "cannot change job selection while a job is running")
		}
		out := make([]JobKind, 0, len(p.SelectedJobs))
		found := false
		for _, k := range p.SelectedJobs {
			if k == kind {
				found = true
				continue
			}
			out = append(out, k)
		}
		if !found {
			return newErr(KindValidation, "job kind %q is not selected", kind)
		}
		p.SelectedJobs = out
		delete(p.Jobs, kind)
		p.ModifiedAt = time.Now().UTC()
		return nil
	})
}

// ResetToDefaults re-seeds every JobRecord from kind-specific defaults
// (spec §4.3 reset_to_defaults). Forbidden while any job is running.
func (s *Store) ResetToDefaults(path string) error {
	return s.withProject(path, func(p *Project) error {
		if p.AnyJobRunning() {
			return newErr(KindPipelineActive, "cannot reset while a job is running")
		}
		for _, k := range p.SelectedJobs {
			p.Jobs[k] = NewJobRecord(k)
		}
		if s.ProbeReader != nil {
			if fields, err := s.ProbeReader(p.Path); err == nil {
				applyProbedFields(&p.Globals, fields)
			}
		}
		p.ModifiedAt = time.Now().UTC()
		return nil
	})
}

// SnapshotToDisk atomically writes project_params.json via
// write-temp-then-rename (spec §4.3 snapshot_to_disk, §7).
func (s *Store) SnapshotToDisk(path string) error {
	return s.withProject(path, func(p *Project) error {
		return writeSnapshotAtomic(p)
	})
}

func writeSnapshotAtomic(p *Project) error {
	snap := p.ToSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	finalPath := filepath.Join(p.Path, "project_params.json")
	tmpPath := finalPath + "." + uuid.NewString() + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// SetExecutionStatus records status for kind and flushes the snapshot to
// disk. Setting a running or terminal status is what freezes a JobRecord
// under the freeze invariant (spec §3, §8 property 3).
func (s *Store) SetExecutionStatus(path string, kind JobKind, status ExecutionStatus) error {
	return s.withProject(path, func(p *Project) error {
		rec, ok := p.Jobs[kind]
		if !ok {
			return newErr(KindValidation, "job kind %q is not selected", kind)
		}
		rec.ExecutionStatus = status
		p.ModifiedAt = time.Now().UTC()
		return writeSnapshotAtomic(p)
	})
}

func validateSelectionOrder(selected []JobKind) error {
	lastIdx := -1
	seen := map[JobKind]bool{}
	for _, k := range selected {
		if seen[k] {
			return newErr(KindValidation, "duplicate job kind %q in selection", k)
		}
		seen[k] = true
		idx := IndexOf(k)
		if idx < 0 {
			return newErr(KindValidation, "unknown job kind %q", k)
		}
		if idx <= lastIdx {
			return newErr(KindValidation, "job kind %q is out of topological order", k)
		}
		lastIdx = idx
	}
	return nil
}

func validateRange(field string, value interface{}) error {
	bounds, ok := fieldRanges[field]
	if !ok {
		if field == "dose_per_tilt" {
			v, ok := asFloat(value)
			if ok && v < 0.1 {
				return newErr(KindValidation, "dose_per_tilt %v is below the minimum 0.1", v)
			}
		}
		return nil
	}
	v, ok := asFloat(value)
	if !ok {
		return newErr(KindValidation, "field %q requires a numeric value, got %v", field, value)
	}
	if v < bounds[0] || v > bounds[1] {
		return newErr(KindValidation, "field %q value %v is outside [%v, %v]", field, v, bounds[0], bounds[1])
	}
	return nil
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// applyGlobalField writes a single named field into g. Unknown field
// names are a validation_error, keeping the global-parameter surface
// closed to exactly the documented fields (spec §3).
func applyGlobalField(g *GlobalParameters, field string, value interface{}) error {
	f, ok := asFloat(value)
	switch field {
	case "pixel_size_angstrom":
		if !ok {
			return newErr(KindValidation, "pixel_size_angstrom requires a numeric value")
		}
		g.Microscope.PixelSizeAngstrom = f
	case "voltage_kv":
		if !ok {
			return newErr(KindValidation, "voltage_kv requires a numeric value")
		}
		g.Microscope.VoltageKV = f
	case "spherical_aberration_mm":
		if !ok {
			return newErr(KindValidation, "spherical_aberration_mm requires a numeric value")
		}
		g.Microscope.SphericalAberrationMM = f
	case "amplitude_contrast":
		if !ok {
			return newErr(KindValidation, "amplitude_contrast requires a numeric value")
		}
		g.Microscope.AmplitudeContrast = f
	case "dose_per_tilt":
		if !ok {
			return newErr(KindValidation, "dose_per_tilt requires a numeric value")
		}
		g.Acquisition.DosePerTilt = f
	case "tilt_axis_angle":
		if !ok {
			return newErr(KindValidation, "tilt_axis_angle requires a numeric value")
		}
		g.Acquisition.TiltAxisAngle = f
	case "gain_reference_path":
		s, ok := value.(string)
		if !ok {
			return newErr(KindValidation, "gain_reference_path requires a string value")
		}
		g.Acquisition.GainReferencePath = s
	case "invert_defocus_hand":
		b, ok := value.(bool)
		if !ok {
			return newErr(KindValidation, "invert_defocus_hand requires a boolean value")
		}
		g.Acquisition.InvertDefocusHand = b
	case "partition":
		s, ok := value.(string)
		if !ok {
			return newErr(KindValidation, "partition requires a string value")
		}
		g.Computing.Partition = s
	default:
		return newErr(KindValidation, "unknown global field %q", field)
	}
	return nil
}
