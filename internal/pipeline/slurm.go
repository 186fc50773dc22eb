package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	slurm "github.com/jontk/slurm-client"

	"github.com/catalystcommunity/app-utils-go/env"
)

// SlurmScheduler implements Scheduler against a real SLURM installation's
// REST API (spec §4.8 abort step 2: "invoking the scheduler's cancellation
// command"). A fresh client is dialed per cancellation: abort is a rare,
// best-effort operation, not a hot path, so there is no long-lived
// connection to manage.
type SlurmScheduler struct {
	RestURL string
}

// NewSlurmScheduler constructs a SlurmScheduler targeting restURL
// (slurmrestd's base address, e.g. "http://localhost:6820"). An empty
// restURL makes Cancel a no-op so abort's other steps still complete.
func NewSlurmScheduler(restURL string) *SlurmScheduler {
	return &SlurmScheduler{RestURL: restURL}
}

// RunningJobID locates the job directory marked Running in the
// ProcessesFile and reads back the SLURM job ID the qsub template wrote
// there on dispatch (RELION_JOB_ID, written by the template's
// `echo $SLURM_JOB_ID > RELION_JOB_ID` line).
func (s *SlurmScheduler) RunningJobID(processesFilePath string) (string, error) {
	data, err := os.ReadFile(processesFilePath)
	if err != nil {
		return "", fmt.Errorf("slurm: read processes file: %w", err)
	}

	root := filepath.Dir(processesFilePath)
	inProcesses, inLoop := false, false
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "data_pipeline_processes"):
			inProcesses, inLoop = true, false
			continue
		case strings.HasPrefix(line, "data_"):
			inProcesses = false
			continue
		case !inProcesses:
			continue
		case line == "loop_":
			inLoop = true
			continue
		case strings.HasPrefix(line, "_"):
			continue
		case inLoop && line != "":
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[1] == "Running" {
				idFile := filepath.Join(root, fields[0], "RELION_JOB_ID")
				id, err := os.ReadFile(idFile)
				if err != nil {
					continue
				}
				return strings.TrimSpace(string(id)), nil
			}
		}
	}
	return "", nil
}

// Cancel dials slurmrestd and requests cancellation of jobID (spec §4.8).
// Authentication follows Slurm's own JWT convention: CRBOOST_SLURM_JWT, if
// set, is sent as the bearer token; otherwise the request goes out
// unauthenticated, matching a cluster that trusts the headnode's network.
func (s *SlurmScheduler) Cancel(ctx context.Context, jobID string) error {
	if s.RestURL == "" {
		return nil
	}

	opts := []slurm.ClientOption{slurm.WithBaseURL(s.RestURL)}
	if token := env.GetEnvOrDefault("CRBOOST_SLURM_JWT", ""); token != "" {
		opts = append(opts, slurm.WithToken(token))
	} else {
		opts = append(opts, slurm.WithNoAuth())
	}

	client, err := slurm.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("slurm: dial %s: %w", s.RestURL, err)
	}
	defer client.Close()

	if err := client.Jobs().Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("slurm: cancel job %s: %w", jobID, err)
	}
	return nil
}
