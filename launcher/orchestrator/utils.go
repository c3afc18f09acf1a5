package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrJobNotFound = errors.New("job not found")

// StopJobIfActive cancels the job unless it has already reached a terminal
// state. Reports the resulting state: StatusCancelled when the cancellation
// was issued, otherwise the terminal state observed on the provider.
func StopJobIfActive(client Client, jobName string) (JobStatus, error) {
	info, err := client.JobInfo(jobName)
	if errors.Is(err, ErrJobNotFound) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("error checking job %v before cancelling: %w", jobName, err)
	}

	if info.Status.Terminal() {
		slog.Info("job already finished, nothing to cancel", "job_name", jobName, "state", info.Status)
		return info.Status, nil
	}

	if err := client.StopJob(jobName); err != nil {
		return info.Status, fmt.Errorf("error stopping job %v: %w", jobName, err)
	}

	return StatusCancelled, nil
}
