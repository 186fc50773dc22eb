package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileReturnsMissingKeyError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	ce, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *config.Error", err)
	}
	if ce.Kind != "missing_key" {
		t.Errorf("Kind = %q, want missing_key", ce.Kind)
	}
}

func TestLoad_RequiresDefaultProjectBase(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "local:\n  default_movies_glob: \"*.tif\"\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error when local.default_project_base is unset")
	}
}

func TestLoad_AppliesDoseCalibrationFactorDefault(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "local:\n  default_project_base: /data/projects\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Local.DoseCalibrationFactor != 1.0 {
		t.Errorf("DoseCalibrationFactor = %v, want default 1.0", cfg.Local.DoseCalibrationFactor)
	}
}

func TestLoad_PreservesExplicitDoseCalibrationFactor(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "local:\n  default_project_base: /data/projects\n  dose_calibration_factor: 1.5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Local.DoseCalibrationFactor != 1.5 {
		t.Errorf("DoseCalibrationFactor = %v, want 1.5", cfg.Local.DoseCalibrationFactor)
	}
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "local: [this is not a mapping\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_RejectsToolThatIsNeitherBinaryNorContainer(t *testing.T) {
	yamlDoc := "local:\n  default_project_base: /data/projects\ntools:\n  import_tomo:\n    binary: false\n    container: false\n"
	path := writeConfig(t, t.TempDir(), yamlDoc)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected invalid_tool error")
	}
	ce, ok := err.(*Error)
	if !ok || ce.Kind != "invalid_tool" {
		t.Fatalf("err = %v, want invalid_tool", err)
	}
}

func TestLoad_RejectsToolThatIsBothBinaryAndContainer(t *testing.T) {
	yamlDoc := "local:\n  default_project_base: /data/projects\ntools:\n  import_tomo:\n    binary: true\n    container: true\n    path: /images/x.sif\n"
	path := writeConfig(t, t.TempDir(), yamlDoc)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected invalid_tool error")
	}
}

func TestLoad_RejectsContainerToolWithMissingImagePath(t *testing.T) {
	yamlDoc := "local:\n  default_project_base: /data/projects\ntools:\n  relion:\n    binary: false\n    container: true\n    path: /does/not/exist.sif\n"
	path := writeConfig(t, t.TempDir(), yamlDoc)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected bad_container_path error")
	}
	ce, ok := err.(*Error)
	if !ok || ce.Kind != "bad_container_path" {
		t.Fatalf("err = %v, want bad_container_path", err)
	}
}

func TestLoad_AcceptsValidBinaryAndContainerTools(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "relion.sif")
	if err := os.WriteFile(image, []byte("fake image"), 0644); err != nil {
		t.Fatal(err)
	}
	yamlDoc := "local:\n  default_project_base: /data/projects\n" +
		"tools:\n  import_tomo:\n    binary: true\n    container: false\n  relion:\n    binary: false\n    container: true\n    path: " + image + "\n"
	path := writeConfig(t, dir, yamlDoc)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Tools["import_tomo"].Binary {
		t.Error("import_tomo should be binary")
	}
	if !cfg.Tools["relion"].Container {
		t.Error("relion should be container")
	}
}

func TestAliases_ToSchemeAndToLabelRoundTrip(t *testing.T) {
	aliases := Aliases{
		{SchemeName: "fs_motion_and_ctf", Label: "Motion & CTF"},
		{SchemeName: "ts_alignment", Label: "Tilt-Series Alignment"},
	}

	scheme, ok := aliases.ToScheme("Motion & CTF")
	if !ok || scheme != "fs_motion_and_ctf" {
		t.Errorf("ToScheme() = (%q, %v), want (fs_motion_and_ctf, true)", scheme, ok)
	}

	label, ok := aliases.ToLabel("ts_alignment")
	if !ok || label != "Tilt-Series Alignment" {
		t.Errorf("ToLabel() = (%q, %v), want (Tilt-Series Alignment, true)", label, ok)
	}

	if _, ok := aliases.ToScheme("unknown"); ok {
		t.Error("ToScheme() should report not found for unknown label")
	}
}
