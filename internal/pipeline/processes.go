package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// markRunningRowFailed rewrites the ProcessesFile's Running row to
// Failed unless a success marker file already exists in that job's
// output directory (spec §4.8 abort step 3). It is a no-op, not an
// error, when the file does not exist or has no Running row, since
// abort is best-effort and idempotent (testable property 6).
func markRunningRowFailed(processesFilePath string) error {
	data, err := os.ReadFile(processesFilePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipeline: read %s: %w", processesFilePath, err)
	}

	lines := strings.Split(string(data), "\n")
	inProcesses := false
	inLoop := false
	changed := false

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "data_pipeline_processes"):
			inProcesses = true
			inLoop = false
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
			if len(fields) < 2 || fields[1] != "Running" {
				continue
			}
			jobName := fields[0]
			if hasSuccessMarker(filepath.Dir(processesFilePath), jobName) {
				continue
			}
			fields[1] = "Failed"
			lines[i] = strings.Join(fields, " ")
			changed = true
		}
	}

	if !changed {
		return nil
	}

	return os.WriteFile(processesFilePath, []byte(strings.Join(lines, "\n")), 0644)
}

// hasSuccessMarker checks the well-known RELION job-completion marker
// the pipeliner writes into a job's output directory on success.
func hasSuccessMarker(projectRoot, jobRelPath string) bool {
	marker := filepath.Join(projectRoot, jobRelPath, "RELION_JOB_EXIT_SUCCESS")
	_, err := os.Stat(marker)
	return err == nil
}
