package orchestrator

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

type JobInfo struct {
	// Name is the provider assigned resource name, the stable handle for the job.
	Name        string
	DisplayName string
	Status      JobStatus
}

type Client interface {
	// StartJob submits the job and returns the provider assigned resource name.
	StartJob(job TrainingJob) (string, error)

	StopJob(jobName string) error

	JobInfo(jobName string) (JobInfo, error)
}
