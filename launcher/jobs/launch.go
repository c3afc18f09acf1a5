package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"vertex_launcher/launcher/ledger"
	"vertex_launcher/launcher/orchestrator"
	"vertex_launcher/launcher/registry"
	"vertex_launcher/launcher/schema"
	"vertex_launcher/utils/logging"

	"github.com/google/uuid"
)

// StateSubmitted is the ledger state for a run that was accepted by the
// provider but whose status has not been refreshed yet.
const StateSubmitted = "submitted"

type LaunchArgs struct {
	ProjectId string
	Location  string

	Repository string
	Image      string
	Tag        string
	BuildDir   string

	ConfigFile string
	BucketName string

	Machine     orchestrator.MachineSpec
	Preemptible bool

	ServiceAccountFile string

	WandbApiKey string
	WandbEntity string
}

func (args LaunchArgs) Validate() error {
	if args.ProjectId == "" {
		return fmt.Errorf("project id is required")
	}
	if args.Location == "" {
		return fmt.Errorf("location is required")
	}
	if args.Repository == "" {
		return fmt.Errorf("repository is required")
	}
	if args.BucketName == "" {
		return fmt.Errorf("bucket name is required")
	}
	if args.ServiceAccountFile == "" {
		return fmt.Errorf("service account file is required")
	}
	return nil
}

// Launch runs the host side workflow: build the image, tag it with the remote
// registry path, authenticate, push, and submit the training job. Stages run
// strictly in order and the first failure aborts the whole workflow. Nothing
// is rolled back on partial failure; a pushed image left behind by a failed
// submission is harmless since pushes are idempotent.
func Launch(ctx context.Context, docker *registry.Docker, client orchestrator.Client, runs *ledger.Ledger, args LaunchArgs) (schema.Run, error) {
	if err := args.Validate(); err != nil {
		return schema.Run{}, fmt.Errorf("invalid launch args: %w", err)
	}

	localTag := fmt.Sprintf("%v:%v", args.Image, args.Tag)
	remoteRef := registry.ImagePath(args.Location, args.ProjectId, args.Repository, args.Image, args.Tag)

	if err := docker.Build(ctx, args.BuildDir, localTag); err != nil {
		return schema.Run{}, err
	}

	if err := docker.Tag(ctx, localTag, remoteRef); err != nil {
		return schema.Run{}, err
	}

	if err := docker.Login(ctx, registry.RegistryHost(args.Location), args.ServiceAccountFile); err != nil {
		return schema.Run{}, err
	}

	if err := docker.Push(ctx, remoteRef); err != nil {
		return schema.Run{}, err
	}

	job := orchestrator.NewTrainingJob(orchestrator.TrainingJobArgs{
		ImageUri:    remoteRef,
		ConfigFile:  args.ConfigFile,
		BucketName:  args.BucketName,
		Machine:     args.Machine,
		Preemptible: args.Preemptible,
		WandbApiKey: args.WandbApiKey,
		WandbEntity: args.WandbEntity,
	})

	jobName, err := client.StartJob(job)
	if err != nil {
		slog.Error("error submitting training job", "display_name", job.DisplayName, "error", err, "code", logging.JOB_SUBMIT)
		return schema.Run{}, fmt.Errorf("error submitting training job: %w", err)
	}

	run := schema.Run{
		Id:               uuid.New(),
		DisplayName:      job.DisplayName,
		ImageUri:         remoteRef,
		ConfigFile:       args.ConfigFile,
		BucketName:       args.BucketName,
		MachineType:      args.Machine.MachineType,
		AcceleratorType:  args.Machine.AcceleratorType,
		AcceleratorCount: args.Machine.AcceleratorCount,
		Preemptible:      args.Preemptible,
		JobName:          jobName,
		State:            StateSubmitted,
	}

	if err := runs.Record(run); err != nil {
		// The job is already running remotely, losing the ledger entry should
		// not be reported as a failed launch.
		slog.Error("error recording run in ledger", "run_id", run.Id, "error", err, "code", logging.JOB_SUBMIT)
		return run, nil
	}

	slog.Info("training job launched", "run_id", run.Id, "job_name", jobName, "code", logging.JOB_SUBMIT)

	return run, nil
}

// Cancel stops the remote job behind a recorded run, unless it has already
// finished, and stores the resulting state in the ledger.
func Cancel(client orchestrator.Client, runs *ledger.Ledger, id uuid.UUID) (schema.Run, error) {
	run, err := runs.Get(id)
	if err != nil {
		return schema.Run{}, err
	}

	status, err := orchestrator.StopJobIfActive(client, run.JobName)
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		slog.Warn("job no longer exists on provider", "run_id", id, "job_name", run.JobName, "code", logging.JOB_STATUS)
		return run, orchestrator.ErrJobNotFound
	}
	if err != nil {
		return schema.Run{}, fmt.Errorf("error cancelling run %v: %w", id, err)
	}

	if err := runs.UpdateState(id, string(status)); err != nil {
		return schema.Run{}, err
	}

	slog.Info("run cancel completed", "run_id", id, "state", status, "code", logging.JOB_STATUS)

	run.State = string(status)
	return run, nil
}

// RefreshState re-reads the provider state for a recorded run and stores it in
// the ledger.
func RefreshState(client orchestrator.Client, runs *ledger.Ledger, id uuid.UUID) (schema.Run, error) {
	run, err := runs.Get(id)
	if err != nil {
		return schema.Run{}, err
	}

	info, err := client.JobInfo(run.JobName)
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		slog.Warn("job no longer exists on provider", "run_id", id, "job_name", run.JobName, "code", logging.JOB_STATUS)
		return run, orchestrator.ErrJobNotFound
	}
	if err != nil {
		return schema.Run{}, fmt.Errorf("error refreshing state for run %v: %w", id, err)
	}

	if err := runs.UpdateState(id, string(info.Status)); err != nil {
		return schema.Run{}, err
	}

	run.State = string(info.Status)
	return run, nil
}
