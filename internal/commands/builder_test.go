package commands

import (
	"strings"
	"testing"

	"github.com/cryoboost/server/internal/state"
)

func validGlobals() *state.GlobalParameters {
	return &state.GlobalParameters{
		Microscope: state.Microscope{
			PixelSizeAngstrom:     1.9,
			VoltageKV:             300,
			SphericalAberrationMM: 2.7,
			AmplitudeContrast:     0.08,
		},
		Acquisition: state.Acquisition{
			DosePerTilt:   3.0,
			TiltAxisAngle: 85,
		},
	}
}

func TestBuild_DriverKindReturnsBootstrap(t *testing.T) {
	rp := ResolvedPaths{ServerDir: "/opt/cryoboost", PythonBin: "python3"}
	cmd, err := Build(state.JobFSMotionAndCTF, validGlobals(), state.NewJobRecord(state.JobFSMotionAndCTF), rp)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "python3 /opt/cryoboost/drivers/fs_motion_and_ctf.py"
	if cmd != want {
		t.Errorf("Build() = %q, want %q", cmd, want)
	}
}

func TestBuild_DriverKindDefaultsPythonBin(t *testing.T) {
	rp := ResolvedPaths{ServerDir: "/opt/cryoboost"}
	cmd, err := Build(state.JobTSAlignment, validGlobals(), state.NewJobRecord(state.JobTSAlignment), rp)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.HasPrefix(cmd, "python3 ") {
		t.Errorf("Build() = %q, want python3 fallback prefix", cmd)
	}
}

func TestBuild_ImportMoviesAssemblesFlags(t *testing.T) {
	rp := ResolvedPaths{MoviesGlob: "/proj/frames/*", MdocsGlob: "/proj/mdoc/*", OpticsGroup: "opticsGroup1"}
	rec := state.NewJobRecord(state.JobImportMovies)

	cmd, err := Build(state.JobImportMovies, validGlobals(), rec, rp)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.HasPrefix(cmd, "import_tomo ") {
		t.Errorf("Build() = %q, want import_tomo prefix", cmd)
	}
	for _, want := range []string{"--movies", "/proj/frames/*", "--mdocs", "/proj/mdoc/*", "--angpix 1.9", "--kv 300", "--dose 3"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("Build() = %q, missing %q", cmd, want)
		}
	}
}

func TestBuild_ImportMoviesMissingMicroscopeParam(t *testing.T) {
	g := &state.GlobalParameters{} // PixelSizeAngstrom unset
	rec := state.NewJobRecord(state.JobImportMovies)

	_, err := Build(state.JobImportMovies, g, rec, ResolvedPaths{})
	if err == nil {
		t.Fatal("expected missing_parameter error for unset pixel_size_angstrom")
	}
	ce, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *commands.Error", err)
	}
	if ce.Kind != "missing_parameter" {
		t.Errorf("Kind = %q, want missing_parameter", ce.Kind)
	}
}

func TestBuild_ImportMoviesUsesRecordOverrideOpticsGroup(t *testing.T) {
	rp := ResolvedPaths{OpticsGroup: "opticsGroup1"}
	rec := state.NewJobRecord(state.JobImportMovies)
	rec.Fields["optics_group_name"] = "opticsGroup2"

	cmd, err := Build(state.JobImportMovies, validGlobals(), rec, rp)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(cmd, "--optics_group opticsGroup2") {
		t.Errorf("Build() = %q, want override optics group", cmd)
	}
}

func TestBuild_UnknownKind(t *testing.T) {
	_, err := Build(state.JobKind("bogus"), validGlobals(), &state.JobRecord{}, ResolvedPaths{})
	if err == nil {
		t.Fatal("expected error for unknown job kind")
	}
}
