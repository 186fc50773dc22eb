// Package metadata implements the Metadata Probe (spec §4.2): a pure
// function that parses acquisition session-metadata files (mdoc-style
// "key = value" lines with "[ZValue = N]" tilt-record section headers)
// to derive initial values for microscope/acquisition parameters.
package metadata

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Fields is the flat map of values the probe could read. Every key is
// optional; the probe never fails on a missing field, only reports what
// it found.
type Fields struct {
	PixelSizeAngstrom float64
	VoltageKV         float64
	DosePerTilt       float64
	TiltAxisAngle     float64
	ImageWidth        int
	ImageHeight       int

	HasPixelSize bool
	HasVoltage   bool
	HasDose      bool
	HasTiltAxis  bool
	HasDimensions bool

	// EERFractionHint is a non-zero suggested EER grouping, set only when
	// the detected image dimensions match a known camera geometry.
	EERFractionHint int
}

// ProbeOptions configures the probe's derived-value transforms.
type ProbeOptions struct {
	// DoseCalibrationFactor multiplies the raw exposure dose read from the
	// metadata file. Defaults to 1.0 (no adjustment); see spec §9 and
	// SPEC_FULL.md §C.2 for why this is configurable rather than hardcoded.
	DoseCalibrationFactor float64
}

// knownCameraGeometries maps (width, height) to a suggested EER fraction
// count, covering the K3 superres and counted-mode frame geometries.
var knownCameraGeometries = map[[2]int]int{
	{4092, 5760}: 8,
	{5760, 4092}: 8,
}

// Probe parses the first file matching glob and returns the fields it
// could read. It is a pure function: it performs no mutation and never
// returns an error for missing fields, only for an unreadable glob match.
func Probe(glob string, opts ProbeOptions) (Fields, error) {
	if opts.DoseCalibrationFactor == 0 {
		opts.DoseCalibrationFactor = 1.0
	}

	matches, err := filepath.Glob(glob)
	if err != nil {
		return Fields{}, err
	}
	if len(matches) == 0 {
		return Fields{}, nil
	}

	f, err := os.Open(matches[0])
	if err != nil {
		return Fields{}, err
	}
	defer f.Close()

	fields := Fields{}
	inZValue := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[ZValue") {
			inZValue = true
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "pixelspacing":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				fields.PixelSizeAngstrom = v
				fields.HasPixelSize = true
			}
		case "voltage":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				fields.VoltageKV = v
				fields.HasVoltage = true
			}
		case "exposuredose":
			if inZValue {
				if v, err := strconv.ParseFloat(value, 64); err == nil && !fields.HasDose {
					fields.DosePerTilt = v * opts.DoseCalibrationFactor
					fields.HasDose = true
				}
			}
		case "tiltaxisangle":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				fields.TiltAxisAngle = v
				fields.HasTiltAxis = true
			}
		case "imagesize":
			parts := strings.Fields(value)
			if len(parts) == 2 {
				w, errW := strconv.Atoi(parts[0])
				h, errH := strconv.Atoi(parts[1])
				if errW == nil && errH == nil {
					fields.ImageWidth, fields.ImageHeight = w, h
					fields.HasDimensions = true
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fields, err
	}

	if fields.HasDimensions {
		if hint, ok := knownCameraGeometries[[2]int{fields.ImageWidth, fields.ImageHeight}]; ok {
			fields.EERFractionHint = hint
		}
	}

	return fields, nil
}

// splitKeyValue splits a "key = value" line. Returns ok=false for lines
// that are not key/value pairs (e.g. bare section markers).
func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
