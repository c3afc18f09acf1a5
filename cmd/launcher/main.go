package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"vertex_launcher/launcher/jobs"
	"vertex_launcher/launcher/ledger"
	"vertex_launcher/launcher/orchestrator"
	"vertex_launcher/launcher/orchestrator/vertex"
	"vertex_launcher/launcher/provision"
	"vertex_launcher/launcher/registry"
	"vertex_launcher/utils/logging"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const usage = `usage: launcher <command> [flags]

commands:
  provision   declare the storage bucket and image repository
  launch      build, push, and submit a training job
  runs        list recorded runs
  status      refresh and print the state of a run
  cancel      cancel a submitted run
`

func initLogging() (*os.File, error) {
	logFile, err := os.OpenFile("launcher.log", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	logging.Setup(logFile)
	return logFile, nil
}

func runProvision(args []string) error {
	flags := flag.NewFlagSet("provision", flag.ExitOnError)
	projectId := flags.String("project-id", "", "Google Cloud project ID")
	location := flags.String("location", "us-central1", "Location for the resources")
	bucketName := flags.String("bucket-name", "", "GCS bucket to create")
	repository := flags.String("repository", "", "Artifact Registry repository to create")
	serviceAccount := flags.String("service-account-path", "service_account.json", "Path to the service account key JSON file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *projectId == "" || *bucketName == "" || *repository == "" {
		return fmt.Errorf("-project-id, -bucket-name, and -repository are required")
	}

	provisioner, err := provision.NewProvisioner(context.Background(), *projectId, *serviceAccount)
	if err != nil {
		return err
	}

	if err := provisioner.EnsureBucket(*bucketName, *location); err != nil {
		return err
	}
	if err := provisioner.EnsureRepository(*repository, *location); err != nil {
		return err
	}

	return nil
}

func runLaunch(args []string) error {
	flags := flag.NewFlagSet("launch", flag.ExitOnError)
	projectId := flags.String("project-id", "", "Google Cloud project ID")
	location := flags.String("location", "us-central1", "Location for the job")
	repository := flags.String("repository", "", "Artifact Registry repository holding the image")
	image := flags.String("image", "in-context-learning", "Image name")
	tag := flags.String("tag", "latest", "Image tag")
	buildDir := flags.String("build-dir", ".", "Directory containing the Dockerfile")
	configFile := flags.String("config-file", "src/conf/toy.yaml", "Path to the config YAML file to use")
	bucketName := flags.String("bucket-name", "", "GCS bucket to store results")
	machineType := flags.String("machine-type", "n1-standard-8", "Machine type")
	acceleratorType := flags.String("accelerator-type", "", "GPU accelerator type")
	acceleratorCount := flags.Int("accelerator-count", 0, "Number of accelerators (GPUs)")
	usePreemptible := flags.Bool("use-preemptible", false, "Use a preemptible VM instance")
	serviceAccount := flags.String("service-account-path", "service_account.json", "Path to the service account key JSON file")
	wandbApiKey := flags.String("wandb-api-key", "", "Weights & Biases API key")
	wandbEntity := flags.String("wandb-entity", "", "Weights & Biases entity")
	ledgerPath := flags.String("ledger", "runs.db", "Path to the run ledger database")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	client, err := vertex.NewVertexClient(ctx, *projectId, *location, *serviceAccount)
	if err != nil {
		return err
	}

	runs, err := ledger.Open(*ledgerPath)
	if err != nil {
		return err
	}

	run, err := jobs.Launch(ctx, registry.NewDocker(), client, runs, jobs.LaunchArgs{
		ProjectId:          *projectId,
		Location:           *location,
		Repository:         *repository,
		Image:              *image,
		Tag:                *tag,
		BuildDir:           *buildDir,
		ConfigFile:         *configFile,
		BucketName:         *bucketName,
		Machine:            orchestrator.MachineSpec{MachineType: *machineType, AcceleratorType: *acceleratorType, AcceleratorCount: *acceleratorCount},
		Preemptible:        *usePreemptible,
		ServiceAccountFile: *serviceAccount,
		WandbApiKey:        *wandbApiKey,
		WandbEntity:        *wandbEntity,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Run Id: %v\nJob Name: %v\n", run.Id, run.JobName)

	return nil
}

func runList(args []string) error {
	flags := flag.NewFlagSet("runs", flag.ExitOnError)
	ledgerPath := flags.String("ledger", "runs.db", "Path to the run ledger database")
	if err := flags.Parse(args); err != nil {
		return err
	}

	runs, err := ledger.Open(*ledgerPath)
	if err != nil {
		return err
	}

	records, err := runs.List()
	if err != nil {
		return err
	}

	for _, run := range records {
		fmt.Printf("%v  %v  %v  %v\n", run.Id, run.CreatedAt.Format("2006-01-02 15:04:05"), run.State, run.DisplayName)
	}

	return nil
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	projectId := flags.String("project-id", "", "Google Cloud project ID")
	location := flags.String("location", "us-central1", "Location for the job")
	serviceAccount := flags.String("service-account-path", "service_account.json", "Path to the service account key JSON file")
	ledgerPath := flags.String("ledger", "runs.db", "Path to the run ledger database")
	runId := flags.String("run-id", "", "Run id to refresh")
	if err := flags.Parse(args); err != nil {
		return err
	}

	id, err := uuid.Parse(*runId)
	if err != nil {
		return fmt.Errorf("invalid -run-id '%v': %w", *runId, err)
	}

	client, err := vertex.NewVertexClient(context.Background(), *projectId, *location, *serviceAccount)
	if err != nil {
		return err
	}

	runs, err := ledger.Open(*ledgerPath)
	if err != nil {
		return err
	}

	run, err := jobs.RefreshState(client, runs, id)
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		fmt.Printf("Run Id: %v\nJob State: job no longer exists on provider\n", run.Id)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run Id: %v\nJob Name: %v\nJob State: %v\n", run.Id, run.JobName, run.State)

	return nil
}

func runCancel(args []string) error {
	flags := flag.NewFlagSet("cancel", flag.ExitOnError)
	projectId := flags.String("project-id", "", "Google Cloud project ID")
	location := flags.String("location", "us-central1", "Location for the job")
	serviceAccount := flags.String("service-account-path", "service_account.json", "Path to the service account key JSON file")
	ledgerPath := flags.String("ledger", "runs.db", "Path to the run ledger database")
	runId := flags.String("run-id", "", "Run id to cancel")
	if err := flags.Parse(args); err != nil {
		return err
	}

	id, err := uuid.Parse(*runId)
	if err != nil {
		return fmt.Errorf("invalid -run-id '%v': %w", *runId, err)
	}

	client, err := vertex.NewVertexClient(context.Background(), *projectId, *location, *serviceAccount)
	if err != nil {
		return err
	}

	runs, err := ledger.Open(*ledgerPath)
	if err != nil {
		return err
	}

	run, err := jobs.Cancel(client, runs, id)
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		fmt.Printf("Run Id: %v\nJob State: job no longer exists on provider\n", run.Id)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run Id: %v\nJob State: %v\n", run.Id, run.State)

	return nil
}

// The reason we have a separate runApp function is because the defer calls
// don't run if we exit with log.Fatalf, so instead we return an err here and
// fail outside.
func runApp() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		slog.Info("loaded env from .env file")
	}

	logFile, err := initLogging()
	if err != nil {
		return err
	}
	defer logFile.Close()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	command, args := os.Args[1], os.Args[2:]

	switch command {
	case "provision":
		return runProvision(args)
	case "launch":
		return runLaunch(args)
	case "runs":
		return runList(args)
	case "status":
		return runStatus(args)
	case "cancel":
		return runCancel(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %v", command)
	}
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("launcher failed: %v", err)
	}
}
