// Package commands implements the Command Builder (spec §4.4): a
// registry keyed by JobKind that translates a parameter record into a
// fully-formed shell invocation, the raw scientific command before any
// container wrapping.
package commands

import (
	"fmt"

	"github.com/cryoboost/server/internal/state"
)

// Error mirrors state.Error's taxonomy for the one additional kind this
// package introduces: missing_parameter (spec §4.4 edge case).
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func missingParameter(kind state.JobKind, field string) error {
	return &Error{Kind: "missing_parameter", Message: fmt.Sprintf("job %q requires global field %q, which is unset", kind, field)}
}

// ResolvedPaths carries the filesystem locations a command builder
// function needs but that are not part of GlobalParameters/JobRecord:
// the project root, its frames/mdoc subdirectories, and the server's
// driver-bootstrap directory.
type ResolvedPaths struct {
	ProjectRoot string
	FramesDir   string
	MdocDir     string
	MoviesGlob  string
	MdocsGlob   string
	ServerDir   string
	PythonBin   string
	OpticsGroup string
}

// builderFunc is the pure function `(globals, job_record, resolved_paths)
// → string` contract for non-driver JobKinds (spec §4.4).
type builderFunc func(g *state.GlobalParameters, rec *state.JobRecord, rp ResolvedPaths) (string, error)

var registry = map[state.JobKind]builderFunc{
	state.JobImportMovies: buildImportMovies,
}

// Build returns the raw shell invocation for kind. Driver JobKinds
// receive a thin bootstrap command that re-reads project_params.json on
// the compute node (spec §4.4); non-driver JobKinds are assembled here
// directly from GlobalParameters and the JobRecord.
func Build(kind state.JobKind, g *state.GlobalParameters, rec *state.JobRecord, rp ResolvedPaths) (string, error) {
	if !kind.Valid() {
		return "", &Error{Kind: "validation_error", Message: fmt.Sprintf("unknown job kind %q", kind)}
	}
	if kind.IsDriver() {
		return buildDriverBootstrap(kind, rp), nil
	}
	fn, ok := registry[kind]
	if !ok {
		return "", &Error{Kind: "validation_error", Message: fmt.Sprintf("no command builder registered for non-driver kind %q", kind)}
	}
	return fn(g, rec, rp)
}

// buildDriverBootstrap returns `<python> <server_dir>/drivers/<kind>.py`
// (spec §4.4 driver example). The driver re-reads the project's
// project_params.json snapshot (written at the project root) at
// execution time, so no parameters are threaded through the command
// line here.
func buildDriverBootstrap(kind state.JobKind, rp ResolvedPaths) string {
	python := rp.PythonBin
	if python == "" {
		python = "python3"
	}
	return fmt.Sprintf("%s %s/drivers/%s.py", python, rp.ServerDir, kind)
}

// buildImportMovies is the one non-driver JobKind (spec §4.4): emit a
// single shell line invoking the movie-import tool with the resolved
// movie-glob, mdoc-glob, optics-group name, and microscope/acquisition
// values from globals, plus a defocus-hand flag.
func buildImportMovies(g *state.GlobalParameters, rec *state.JobRecord, rp ResolvedPaths) (string, error) {
	if g.Microscope.PixelSizeAngstrom == 0 {
		return "", missingParameter(state.JobImportMovies, "pixel_size_angstrom")
	}
	if g.Microscope.VoltageKV == 0 {
		return "", missingParameter(state.JobImportMovies, "voltage_kv")
	}

	opticsGroup := rp.OpticsGroup
	if v, ok := rec.Fields["optics_group_name"].(string); ok && v != "" {
		opticsGroup = v
	}
	if opticsGroup == "" {
		opticsGroup = "opticsGroup1"
	}

	invert := "0"
	if g.Acquisition.InvertDefocusHand {
		invert = "1"
	}

	return fmt.Sprintf(
		"import_tomo --movies %q --mdocs %q --optics_group %s "+
			"--angpix %g --kv %g --cs %g --ac %g --dose %g --tilt_axis %g --invert_defocus_hand %s",
		rp.MoviesGlob, rp.MdocsGlob, opticsGroup,
		g.Microscope.PixelSizeAngstrom, g.Microscope.VoltageKV, g.Microscope.SphericalAberrationMM, g.Microscope.AmplitudeContrast,
		g.Acquisition.DosePerTilt, g.Acquisition.TiltAxisAngle, invert,
	), nil
}
