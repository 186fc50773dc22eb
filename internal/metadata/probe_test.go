package metadata

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMdoc(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleMdoc = `PixelSpacing = 2.1
Voltage = 300
ImageSize = 4092 5760
TiltAxisAngle = 85.5

[ZValue = 0]
ExposureDose = 3.0

[ZValue = 1]
ExposureDose = 3.0
`

func TestProbe_ReadsFieldsFromSample(t *testing.T) {
	dir := t.TempDir()
	writeMdoc(t, dir, "tilt1.mdoc", sampleMdoc)

	fields, err := Probe(filepath.Join(dir, "*.mdoc"), ProbeOptions{})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if !fields.HasPixelSize || fields.PixelSizeAngstrom != 2.1 {
		t.Errorf("pixel size = %v (has=%v), want 2.1", fields.PixelSizeAngstrom, fields.HasPixelSize)
	}
	if !fields.HasVoltage || fields.VoltageKV != 300 {
		t.Errorf("voltage = %v, want 300", fields.VoltageKV)
	}
	if !fields.HasDose || fields.DosePerTilt != 3.0 {
		t.Errorf("dose = %v, want 3.0", fields.DosePerTilt)
	}
	if !fields.HasTiltAxis || fields.TiltAxisAngle != 85.5 {
		t.Errorf("tilt axis = %v, want 85.5", fields.TiltAxisAngle)
	}
	if fields.EERFractionHint != 8 {
		t.Errorf("EER fraction hint = %d, want 8 for known K3 geometry", fields.EERFractionHint)
	}
}

func TestProbe_AppliesDoseCalibrationFactor(t *testing.T) {
	dir := t.TempDir()
	writeMdoc(t, dir, "tilt1.mdoc", sampleMdoc)

	fields, err := Probe(filepath.Join(dir, "*.mdoc"), ProbeOptions{DoseCalibrationFactor: 1.5})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if fields.DosePerTilt != 4.5 {
		t.Errorf("dose = %v, want 3.0 * 1.5 = 4.5", fields.DosePerTilt)
	}
}

func TestProbe_NoMatchReturnsEmptyFieldsNoError(t *testing.T) {
	dir := t.TempDir()
	fields, err := Probe(filepath.Join(dir, "*.mdoc"), ProbeOptions{})
	if err != nil {
		t.Fatalf("Probe() error = %v, want nil for no matches", err)
	}
	if fields.HasPixelSize || fields.HasVoltage || fields.HasDose {
		t.Errorf("expected no fields set, got %+v", fields)
	}
}

func TestProbe_UnknownGeometryLeavesNoHint(t *testing.T) {
	dir := t.TempDir()
	writeMdoc(t, dir, "tilt1.mdoc", "ImageSize = 100 200\n")

	fields, err := Probe(filepath.Join(dir, "*.mdoc"), ProbeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if fields.EERFractionHint != 0 {
		t.Errorf("expected no EER hint for unknown geometry, got %d", fields.EERFractionHint)
	}
}
