package state

import "time"

// Project is a named workspace rooted at a filesystem path (spec §3).
// The State Store exclusively owns the in-memory representation; the
// project directory is the durable backing store.
type Project struct {
	Name         string               `json:"name"`
	Path         string               `json:"path"`
	CreatedAt    time.Time            `json:"created_at"`
	ModifiedAt   time.Time            `json:"modified_at"`
	Globals      GlobalParameters     `json:"-"`
	Jobs         map[JobKind]*JobRecord `json:"-"`
	SelectedJobs []JobKind            `json:"-"`
}

// Snapshot is the bit-exact, lossless JSON representation of a Project
// written to project_params.json (spec §6).
type Snapshot struct {
	Name        string                            `json:"name"`
	Path        string                            `json:"path"`
	CreatedAt   time.Time                          `json:"created_at"`
	ModifiedAt  time.Time                          `json:"modified_at"`
	Microscope  Microscope                         `json:"microscope"`
	Acquisition Acquisition                        `json:"acquisition"`
	Computing   Computing                          `json:"computing"`
	Selected    []JobKind                          `json:"selected_jobs"`
	Jobs        map[JobKind]*JobRecord             `json:"jobs"`
}

// ToSnapshot converts the in-memory Project into its durable JSON shape.
func (p *Project) ToSnapshot() Snapshot {
	return Snapshot{
		Name:        p.Name,
		Path:        p.Path,
		CreatedAt:   p.CreatedAt,
		ModifiedAt:  p.ModifiedAt,
		Microscope:  p.Globals.Microscope,
		Acquisition: p.Globals.Acquisition,
		Computing:   p.Globals.Computing,
		Selected:    p.SelectedJobs,
		Jobs:        p.Jobs,
	}
}

// FromSnapshot rebuilds the in-memory Project from its durable JSON shape.
func FromSnapshot(s Snapshot) *Project {
	p := &Project{
		Name:         s.Name,
		Path:         s.Path,
		CreatedAt:    s.CreatedAt,
		ModifiedAt:   s.ModifiedAt,
		SelectedJobs: s.Selected,
		Jobs:         s.Jobs,
		Globals: GlobalParameters{
			Microscope:  s.Microscope,
			Acquisition: s.Acquisition,
			Computing:   s.Computing,
		},
	}
	if p.Jobs == nil {
		p.Jobs = map[JobKind]*JobRecord{}
	}
	return p
}

// JobStatus returns the current status for kind, or not_scheduled if it
// is not selected.
func (p *Project) JobStatus(kind JobKind) ExecutionStatus {
	if rec, ok := p.Jobs[kind]; ok {
		return rec.ExecutionStatus
	}
	return StatusNotScheduled
}

// AnyJobRunning reports whether any selected job is currently running,
// the condition that freezes GlobalParameters and blocks select/deselect
// and reset_to_defaults (spec §3, §4.3).
func (p *Project) AnyJobRunning() bool {
	for _, rec := range p.Jobs {
		if rec.ExecutionStatus == StatusRunning {
			return true
		}
	}
	return false
}
