// Package config loads and validates the process-wide CryoBoost Server
// configuration document: paths, cluster defaults, container image
// locations, and tool dispatch rules (spec §4.1, Config Loader).
package config

import (
	"fmt"
	"os"

	"github.com/catalystcommunity/app-utils-go/env"
	"gopkg.in/yaml.v3"
)

// Error is a structured, fatal configuration error. The service refuses
// to start when Load returns one.
type Error struct {
	Kind    string // "missing_key", "invalid_tool", "bad_container_path"
	Detail  string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Kind, e.Detail, e.Wrapped)
	}
	return fmt.Sprintf("config: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Local holds local-filesystem conveniences.
type Local struct {
	DefaultProjectBase   string  `yaml:"default_project_base"`
	DefaultMoviesGlob    string  `yaml:"default_movies_glob"`
	DefaultMdocsGlob     string  `yaml:"default_mdocs_glob"`
	DoseCalibrationFactor float64 `yaml:"dose_calibration_factor"`
}

// SlurmDefaults holds the cluster defaults templated into new qsub scripts.
type SlurmDefaults struct {
	Partition     string `yaml:"partition"`
	Constraint    string `yaml:"constraint"`
	Nodes         int    `yaml:"nodes"`
	NTasksPerNode int    `yaml:"ntasks_per_node"`
	CPUsPerTask   int    `yaml:"cpus_per_task"`
	Gres          string `yaml:"gres"`
	Mem           string `yaml:"mem"`
	Time          string `yaml:"time"`
	// Queue is an optional alternate partition name override, folded into
	// the qsub placeholder dictionary as XXXqueueXXX when set.
	Queue string `yaml:"queue"`
	// RestURL is the slurmrestd base URL the abort sequence's scheduler
	// cancellation step talks to (spec §4.8 abort step 2). Empty disables
	// scheduler-side cancellation; abort still completes its other steps.
	RestURL string `yaml:"rest_url"`
}

// Tool describes one tool tag's dispatch rule: it runs either as a local
// binary or as a container image, never both, never neither.
type Tool struct {
	Binary    bool   `yaml:"binary"`
	Container bool   `yaml:"container"`
	Path      string `yaml:"path"`
}

// MicroscopePreset is a named set of default microscope parameters.
type MicroscopePreset struct {
	PixelSizeAngstrom    float64 `yaml:"pixel_size_angstrom"`
	VoltageKV            float64 `yaml:"voltage_kv"`
	SphericalAberrationMM float64 `yaml:"spherical_aberration_mm"`
	AmplitudeContrast    float64 `yaml:"amplitude_contrast"`
}

// Alias pairs the scientific parameter name as it must appear in the
// scheme file with the friendly label the UI shows.
type Alias struct {
	SchemeName string `yaml:"scheme_name"`
	Label      string `yaml:"label"`
}

// Aliases provides bidirectional lookups between scheme names and UI labels.
type Aliases []Alias

// ToScheme returns the scheme-file name for a friendly UI label.
func (a Aliases) ToScheme(label string) (string, bool) {
	for _, al := range a {
		if al.Label == label {
			return al.SchemeName, true
		}
	}
	return "", false
}

// ToLabel returns the UI label for a scheme-file name.
func (a Aliases) ToLabel(schemeName string) (string, bool) {
	for _, al := range a {
		if al.SchemeName == schemeName {
			return al.Label, true
		}
	}
	return "", false
}

// Config is the parsed, validated process-wide configuration document.
type Config struct {
	Local         Local                       `yaml:"local"`
	SlurmDefaults SlurmDefaults               `yaml:"slurm_defaults"`
	Tools         map[string]Tool             `yaml:"tools"`
	Microscopes   map[string]MicroscopePreset `yaml:"microscopes"`
	Aliases       Aliases                     `yaml:"aliases"`
}

// Load reads and validates the configuration document at path. Host/port
// are not part of this document; they are CLI flags (spec §6 CLI surface).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: "missing_key", Detail: fmt.Sprintf("cannot read config file %s", path), Wrapped: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Kind: "missing_key", Detail: "malformed yaml config document", Wrapped: err}
	}

	if cfg.Local.DefaultProjectBase == "" {
		return nil, &Error{Kind: "missing_key", Detail: "local.default_project_base is required"}
	}
	if cfg.Local.DoseCalibrationFactor == 0 {
		cfg.Local.DoseCalibrationFactor = 1.0
	}

	if err := validateTools(cfg.Tools); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateTools(tools map[string]Tool) error {
	for name, t := range tools {
		if t.Binary == t.Container {
			return &Error{
				Kind:   "invalid_tool",
				Detail: fmt.Sprintf("tool %q must be exactly one of binary or container, got binary=%v container=%v", name, t.Binary, t.Container),
			}
		}
		if t.Container {
			info, err := os.Stat(t.Path)
			if err != nil || info.IsDir() {
				return &Error{
					Kind:    "bad_container_path",
					Detail:  fmt.Sprintf("tool %q container path %q does not resolve to an existing file", name, t.Path),
					Wrapped: err,
				}
			}
		}
	}
	return nil
}

// ConfigPath is the filesystem location of the configuration document,
// overridable via the CRBOOST_CONFIG environment variable.
var ConfigPath = env.GetEnvOrDefault("CRBOOST_CONFIG", "/etc/cryoboost/server.yaml")
