package state

// ExecutionStatus is the JobStatus vocabulary (spec §3 JobStatus, derived).
type ExecutionStatus string

const (
	StatusNotScheduled ExecutionStatus = "not_scheduled"
	StatusScheduled    ExecutionStatus = "scheduled"
	StatusRunning      ExecutionStatus = "running"
	StatusSucceeded    ExecutionStatus = "succeeded"
	StatusFailed       ExecutionStatus = "failed"
	StatusAborted      ExecutionStatus = "aborted"
)

// IsTerminal reports whether the status is a terminal, non-running state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// IsFrozen reports whether a JobRecord in this status must be treated as
// immutable (spec §3 invariant: "Once a JobRecord's execution_status
// enters a non-terminal running state, its fields ... become immutable").
// Terminal states are also frozen: a completed job's recorded parameters
// describe what actually ran and must not be rewritten after the fact.
func (s ExecutionStatus) IsFrozen() bool {
	return s != StatusNotScheduled && s != StatusScheduled
}

// Microscope holds the global microscope parameters (spec §3).
type Microscope struct {
	PixelSizeAngstrom     float64 `json:"pixel_size_angstrom"`
	VoltageKV             float64 `json:"voltage_kv"`
	SphericalAberrationMM float64 `json:"spherical_aberration_mm"`
	AmplitudeContrast     float64 `json:"amplitude_contrast"`
}

// Acquisition holds the global acquisition parameters (spec §3).
type Acquisition struct {
	DosePerTilt        float64 `json:"dose_per_tilt"`
	TiltAxisAngle      float64 `json:"tilt_axis_angle"`
	DetectorWidth      int     `json:"detector_width"`
	DetectorHeight     int     `json:"detector_height"`
	EERFractions       int     `json:"eer_fractions"`
	GainReferencePath  string  `json:"gain_reference_path"`
	InvertDefocusHand  bool    `json:"invert_defocus_hand"`
}

// Computing holds the global cluster-computing defaults (spec §3).
type Computing struct {
	Partition     string `json:"partition"`
	Nodes         int    `json:"nodes"`
	TasksPerNode  int    `json:"tasks_per_node"`
	CPUsPerTask   int    `json:"cpus_per_task"`
	Gres          string `json:"gres"`
	Mem           string `json:"mem"`
	TimeBudget    string `json:"time_budget"`
}

// GlobalParameters is the single source of truth for any parameter
// shared across jobs (spec §3). JobRecords never copy these fields.
type GlobalParameters struct {
	Microscope  Microscope  `json:"microscope"`
	Acquisition Acquisition `json:"acquisition"`
	Computing   Computing   `json:"computing"`
}

// JobRecord holds only job-specific knobs plus execution status (spec
// §3). Fields are kept as a generic bag because each JobKind defines its
// own knob set; the State Store enforces at write time that no global
// field name is ever accepted here (invariant 1, §8).
type JobRecord struct {
	Kind            JobKind                `json:"kind"`
	Fields          map[string]interface{} `json:"fields"`
	ExecutionStatus ExecutionStatus        `json:"execution_status"`
}

// globalFieldNames is consulted by the State Store to reject any
// JobRecord field write that would shadow a global parameter, enforcing
// testable property 1: "No shadowing."
var globalFieldNames = map[string]bool{
	"pixel_size_angstrom": true, "voltage_kv": true, "spherical_aberration_mm": true,
	"amplitude_contrast": true, "dose_per_tilt": true, "tilt_axis_angle": true,
	"detector_width": true, "detector_height": true, "eer_fractions": true,
	"gain_reference_path": true, "invert_defocus_hand": true,
	"partition": true, "nodes": true, "tasks_per_node": true, "cpus_per_task": true,
	"gres": true, "mem": true, "time_budget": true,
}

// defaultJobFields returns the kind-specific default knob values used to
// seed a JobRecord on selection or reset_to_defaults (spec §3, §4.3).
func defaultJobFields(kind JobKind) map[string]interface{} {
	switch kind {
	case JobImportMovies:
		return map[string]interface{}{"optics_group_name": "opticsGroup1"}
	case JobFSMotionAndCTF:
		return map[string]interface{}{"motion_patch_x": 5, "motion_patch_y": 5, "ctf_resolution_min_angstrom": 30.0, "ctf_resolution_max_angstrom": 4.0}
	case JobTSAlignment:
		return map[string]interface{}{"thickness_nm": 200.0}
	case JobTSCTF:
		return map[string]interface{}{"ctf_resolution_max_angstrom": 5.0}
	case JobTSReconstruct:
		return map[string]interface{}{"binning": 4, "thickness_nm": 200.0}
	case JobTemplateMatching:
		return map[string]interface{}{"template_path": "", "angular_search_degrees": 10.0}
	case JobExtractCandidates:
		return map[string]interface{}{"score_cutoff": 0.3}
	case JobSubtomoExtraction:
		return map[string]interface{}{"box_size": 64}
	default:
		return map[string]interface{}{}
	}
}

// NewJobRecord allocates a JobRecord for kind, initialized from its
// kind-specific defaults, with status not_scheduled.
func NewJobRecord(kind JobKind) *JobRecord {
	return &JobRecord{
		Kind:            kind,
		Fields:          defaultJobFields(kind),
		ExecutionStatus: StatusNotScheduled,
	}
}
