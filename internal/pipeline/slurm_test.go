package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSlurmScheduler_RunningJobIDReadsMarkerFile(t *testing.T) {
	dir := t.TempDir()
	processesPath := filepath.Join(dir, "default_pipeline.star")
	if err := os.WriteFile(processesPath, []byte(sampleProcessesFile), 0644); err != nil {
		t.Fatal(err)
	}
	jobDir := filepath.Join(dir, "fs_motion_and_ctf")
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "RELION_JOB_ID"), []byte("123456\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewSlurmScheduler("")
	id, err := s.RunningJobID(processesPath)
	if err != nil {
		t.Fatalf("RunningJobID() error = %v", err)
	}
	if id != "123456" {
		t.Errorf("RunningJobID() = %q, want 123456", id)
	}
}

func TestSlurmScheduler_RunningJobIDNoRunningRow(t *testing.T) {
	dir := t.TempDir()
	processesPath := filepath.Join(dir, "default_pipeline.star")
	content := "data_pipeline_processes\n\nloop_\n_rlnPipeLineProcessName\n_rlnPipeLineProcessStatusLabel\nimport_movies Succeeded\n"
	if err := os.WriteFile(processesPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewSlurmScheduler("")
	id, err := s.RunningJobID(processesPath)
	if err != nil {
		t.Fatalf("RunningJobID() error = %v", err)
	}
	if id != "" {
		t.Errorf("RunningJobID() = %q, want empty when nothing is Running", id)
	}
}

func TestSlurmScheduler_RunningJobIDMissingMarkerFileSkipsRow(t *testing.T) {
	dir := t.TempDir()
	processesPath := filepath.Join(dir, "default_pipeline.star")
	if err := os.WriteFile(processesPath, []byte(sampleProcessesFile), 0644); err != nil {
		t.Fatal(err)
	}
	// fs_motion_and_ctf's job dir and RELION_JOB_ID are never created.

	s := NewSlurmScheduler("")
	id, err := s.RunningJobID(processesPath)
	if err != nil {
		t.Fatalf("RunningJobID() error = %v", err)
	}
	if id != "" {
		t.Errorf("RunningJobID() = %q, want empty when marker file is absent", id)
	}
}

func TestSlurmScheduler_CancelNoopWhenRestURLUnset(t *testing.T) {
	s := NewSlurmScheduler("")
	if err := s.Cancel(context.Background(), "123456"); err != nil {
		t.Errorf("Cancel() error = %v, want nil no-op when RestURL is empty", err)
	}
}
