package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProject(t *testing.T) (*Store, *Project) {
	t.Helper()
	s := New()
	root := t.TempDir()
	p, err := s.CreateProject("demo", root, []JobKind{JobImportMovies, JobFSMotionAndCTF})
	require.NoError(t, err)
	// The project directory is normally created by the Project Service's
	// layout step; snapshot writes need it to exist.
	require.NoError(t, os.MkdirAll(p.Path, 0755))
	return s, p
}

func TestCreateProject_RejectsOutOfOrderSelection(t *testing.T) {
	s := New()
	_, err := s.CreateProject("demo", t.TempDir(), []JobKind{JobFSMotionAndCTF, JobImportMovies})
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindValidation, se.Kind)
}

func TestCreateProject_RejectsUnknownKind(t *testing.T) {
	s := New()
	_, err := s.CreateProject("demo", t.TempDir(), []JobKind{JobKind("not_a_real_kind")})
	require.Error(t, err)
}

func TestSetJobField_RejectsGlobalShadowing(t *testing.T) {
	s, p := newTestProject(t)

	err := s.SetJobField(p.Path, JobImportMovies, "pixel_size_angstrom", 2.0)
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindValidation, se.Kind)
}

func TestSetGlobal_BoundaryValidation(t *testing.T) {
	s, p := newTestProject(t)

	cases := []struct {
		name    string
		field   string
		value   interface{}
		wantErr bool
	}{
		{"pixel size below minimum", "pixel_size_angstrom", 0.4, true},
		{"pixel size above maximum", "pixel_size_angstrom", 10.1, true},
		{"pixel size at minimum", "pixel_size_angstrom", 0.5, false},
		{"pixel size at maximum", "pixel_size_angstrom", 10.0, false},
		{"amplitude contrast out of range", "amplitude_contrast", 1.5, true},
		{"tilt axis out of range", "tilt_axis_angle", 200.0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.SetGlobal(p.Path, tc.field, tc.value)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFreezeInvariant_RunningJobFieldsAreImmutable(t *testing.T) {
	s, p := newTestProject(t)

	require.NoError(t, s.SetExecutionStatus(p.Path, JobFSMotionAndCTF, StatusRunning))

	err := s.SetJobField(p.Path, JobFSMotionAndCTF, "motion_patch_x", 7)
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindFrozenJob, se.Kind)
}

func TestFreezeInvariant_GlobalsBlockedWhileAJobRuns(t *testing.T) {
	s, p := newTestProject(t)
	require.NoError(t, s.SetExecutionStatus(p.Path, JobImportMovies, StatusRunning))

	err := s.SetGlobal(p.Path, "pixel_size_angstrom", 2.0)
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindFrozenJob, se.Kind)
}

func TestSelectJob_RejectsDuplicatePosition(t *testing.T) {
	s, p := newTestProject(t)

	err := s.SelectJob(p.Path, JobImportMovies, 0)
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindValidation, se.Kind)
}

func TestSelectJob_RejectsOutOfTopologicalOrder(t *testing.T) {
	s, p := newTestProject(t)

	// Inserting ts_reconstruct at position 0, ahead of import_movies and
	// fs_motion_and_ctf, would violate topological order.
	err := s.SelectJob(p.Path, JobTSReconstruct, 0)
	require.Error(t, err)
}

func TestSnapshotToDisk_WritesAtomically(t *testing.T) {
	s, p := newTestProject(t)

	require.NoError(t, s.SnapshotToDisk(p.Path))

	data, err := os.ReadFile(filepath.Join(p.Path, "project_params.json"))
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "demo", snap.Name)
	assert.Len(t, snap.Selected, 2)

	entries, err := os.ReadDir(p.Path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestOpenProject_AppliesStatusReader(t *testing.T) {
	s, p := newTestProject(t)
	require.NoError(t, s.SnapshotToDisk(p.Path))

	s2 := New()
	s2.StatusReader = func(projectPath string, selected []JobKind) (map[JobKind]ExecutionStatus, error) {
		return map[JobKind]ExecutionStatus{JobImportMovies: StatusSucceeded}, nil
	}

	reopened, err := s2.OpenProject(p.Path)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, reopened.JobStatus(JobImportMovies))
}

func TestOpenProject_NoProjectAtPath(t *testing.T) {
	s := New()
	_, err := s.OpenProject(t.TempDir())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindNoProject, se.Kind)
}

func TestResetToDefaults_BlockedWhileRunning(t *testing.T) {
	s, p := newTestProject(t)
	require.NoError(t, s.SetExecutionStatus(p.Path, JobImportMovies, StatusRunning))

	err := s.ResetToDefaults(p.Path)
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindPipelineActive, se.Kind)
}
