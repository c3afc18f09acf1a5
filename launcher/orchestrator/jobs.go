package orchestrator

import (
	"fmt"
	"time"
)

const displayNamePrefix = "in-context-learning-training"

type MachineSpec struct {
	MachineType      string
	AcceleratorType  string
	AcceleratorCount int
}

// TrainingJob describes one containerized training invocation: the image to
// run, the hardware to run it on, and the environment handed to the container
// entry point.
type TrainingJob struct {
	DisplayName string

	ImageUri string

	Command []string
	Args    []string
	Env     map[string]string

	Machine     MachineSpec
	Preemptible bool

	BucketName string
}

type TrainingJobArgs struct {
	ImageUri   string
	ConfigFile string
	BucketName string

	Machine     MachineSpec
	Preemptible bool

	WandbApiKey string
	WandbEntity string
}

func NewTrainingJob(args TrainingJobArgs) TrainingJob {
	env := map[string]string{
		"CONFIG_FILE": args.ConfigFile,
		"GCS_BUCKET":  args.BucketName,
	}
	if args.WandbApiKey != "" {
		env["WANDB_API_KEY"] = args.WandbApiKey
	}
	if args.WandbEntity != "" {
		env["WANDB_ENTITY"] = args.WandbEntity
	}

	return TrainingJob{
		DisplayName: fmt.Sprintf("%v-%v", displayNamePrefix, time.Now().Format("20060102_150405")),
		ImageUri:    args.ImageUri,
		Command:     []string{"./entrypoint"},
		Args:        []string{"--config-file", args.ConfigFile},
		Env:         env,
		Machine:     args.Machine,
		Preemptible: args.Preemptible,
		BucketName:  args.BucketName,
	}
}

// BaseOutputDir is the provider managed staging location for the job, distinct
// from the per run output path the entry point derives under runs/<run-id>.
func (j TrainingJob) BaseOutputDir() string {
	return fmt.Sprintf("gs://%v/aiplatform-custom-training-%v", j.BucketName, j.DisplayName)
}
