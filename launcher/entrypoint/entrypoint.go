package entrypoint

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"vertex_launcher/launcher/config"
	"vertex_launcher/launcher/storage"
	"vertex_launcher/launcher/tracker"
	"vertex_launcher/utils/logging"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

const (
	trainInterpreter = "python"
	trainScript      = "src/train.py"
)

/**
 * ==========================================================================
 * ==== All variables used by the container entry point must be loaded   ====
 * ==== here. This is to make the data flow clear so that a user can see ====
 * ==== what variables are exposed, and how the values are propagated    ====
 * ==== through the system.                                              ====
 * ==========================================================================
 */
type Env struct {
	GcsBucket   string `env:"GCS_BUCKET"`
	ConfigFile  string `env:"CONFIG_FILE"`
	OutDir      string `env:"OUT_DIR"`
	WandbEntity string `env:"WANDB_ENTITY"`
	WandbApiKey string `env:"WANDB_API_KEY"`

	WandbSettingsFile string `env:"WANDB_SETTINGS_FILE" envDefault:"src/conf/wandb.yaml"`
	TrackerBaseUrl    string `env:"WANDB_BASE_URL" envDefault:"https://api.wandb.ai"`

	NetrcPath string
}

func LoadEnv() (Env, error) {
	cfg := Env{}
	if err := env.Parse(&cfg); err != nil {
		return Env{}, fmt.Errorf("error parsing environment: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Env{}, fmt.Errorf("error resolving home directory: %w", err)
	}
	cfg.NetrcPath = filepath.Join(home, ".netrc")

	return cfg, nil
}

// Run names one training invocation. Its id namespaces the run's output path
// so that concurrent or repeated runs can never clobber each other's results.
type Run struct {
	Id         string
	OutputPath string
}

func NewRun() Run {
	id := uuid.New().String()
	return Run{Id: id, OutputPath: "runs/" + id}
}

func (r Run) OutputLocation(bucket string) string {
	return fmt.Sprintf("gs://%v/%v", bucket, r.OutputPath)
}

// TranslateArgs rewrites the legacy --config-file spelling to --config and
// forwards everything else unchanged.
func TranslateArgs(args []string) []string {
	translated := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "--config-file" {
			translated = append(translated, "--config")
		} else {
			translated = append(translated, arg)
		}
	}
	return translated
}

// swapConfigValue points any --config argument at the staged per run config
// instead of the base config file.
func swapConfigValue(args []string, base, staged string) []string {
	swapped := append([]string(nil), args...)
	for i := 0; i+1 < len(swapped); i++ {
		if swapped[i] == "--config" && swapped[i+1] == base {
			swapped[i+1] = staged
		}
	}
	return swapped
}

// TrainRunner executes the training process. Factored out so the workflow can
// be tested without a python runtime.
type TrainRunner func(ctx context.Context, name string, args ...string) error

func execTrainer(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Workflow is the in-container sequence: stage the run config, authenticate to
// the experiment tracker, run the training process, and relay results to cloud
// storage. Built once from a validated Env, no hidden global state.
type Workflow struct {
	Env Env

	Tracker *tracker.Client
	Trainer TrainRunner

	// Scratch holds per run staged files, the derived config in particular.
	Scratch storage.Storage

	// NewResultStore opens the cloud storage the results are relayed to.
	NewResultStore func(ctx context.Context, bucket string) (storage.Storage, error)
}

func NewWorkflow(env Env) *Workflow {
	return &Workflow{
		Env:     env,
		Tracker: tracker.NewClient(env.TrackerBaseUrl),
		Trainer: execTrainer,
		Scratch: storage.NewSharedDisk(os.TempDir()),
		NewResultStore: func(ctx context.Context, bucket string) (storage.Storage, error) {
			return storage.NewGcsStorage(ctx, bucket)
		},
	}
}

// stageRunConfig derives the per run config under the scratch storage and
// returns its absolute path.
func (w *Workflow) stageRunConfig(run Run) (string, error) {
	base, err := os.ReadFile(w.Env.ConfigFile)
	if err != nil {
		return "", fmt.Errorf("error reading base config %v: %w", w.Env.ConfigFile, err)
	}

	derived, err := config.DeriveRunConfig(base, run.OutputLocation(w.Env.GcsBucket))
	if err != nil {
		return "", fmt.Errorf("error deriving run config: %w", err)
	}

	staged := filepath.Join("vertex_launcher", fmt.Sprintf("config_%v.yaml", run.Id))
	if err := w.Scratch.Write(staged, bytes.NewReader(derived)); err != nil {
		return "", fmt.Errorf("error staging run config: %w", err)
	}

	return filepath.Join(w.Scratch.Location(), staged), nil
}

// Execute runs the workflow. Every stage before the training invocation fails
// fast; the final results upload is attempted only if its preconditions hold
// and a failure there does not fail the run.
func (w *Workflow) Execute(ctx context.Context, args []string) error {
	var run Run
	staged := ""

	if w.Env.GcsBucket != "" {
		run = NewRun()
		slog.Info("starting run", "run_id", run.Id, "output", run.OutputLocation(w.Env.GcsBucket), "code", logging.CONFIG_STAGE)

		if w.Env.WandbEntity != "" {
			if err := tracker.RewriteEntity(w.Env.WandbSettingsFile, w.Env.WandbEntity); err != nil {
				return err
			}
		}

		if w.Env.ConfigFile != "" {
			var err error
			staged, err = w.stageRunConfig(run)
			if err != nil {
				slog.Error("error staging run config", "run_id", run.Id, "error", err, "code", logging.CONFIG_STAGE)
				return err
			}
			slog.Info("run config staged", "run_id", run.Id, "path", staged, "code", logging.CONFIG_STAGE)
		}
	}

	if w.Env.WandbApiKey != "" {
		if err := w.Tracker.Login(w.Env.WandbApiKey, w.Env.NetrcPath); err != nil {
			return fmt.Errorf("error authenticating to experiment tracker: %w", err)
		}
		slog.Info("authenticated to experiment tracker", "code", logging.TRACKER_AUTH)
	}

	forwarded := TranslateArgs(args)
	if staged != "" {
		forwarded = swapConfigValue(forwarded, w.Env.ConfigFile, staged)
	}

	trainArgs := append([]string{trainScript}, forwarded...)
	slog.Info("invoking training process", "args", trainArgs, "code", logging.TRAIN_INVOKE)

	if err := w.Trainer(ctx, trainInterpreter, trainArgs...); err != nil {
		slog.Error("training process failed", "error", err, "code", logging.TRAIN_INVOKE)
		return fmt.Errorf("training process failed: %w", err)
	}

	w.uploadResults(ctx, run)

	return nil
}

// uploadResults relays the local output directory to the run's cloud output
// path. Best effort: preconditions are checked, the outcome is logged but a
// failed upload does not fail a completed run.
func (w *Workflow) uploadResults(ctx context.Context, run Run) {
	if w.Env.GcsBucket == "" || w.Env.OutDir == "" {
		return
	}

	info, err := os.Stat(w.Env.OutDir)
	if err != nil || !info.IsDir() {
		slog.Info("output directory not present, skipping upload", "out_dir", w.Env.OutDir, "code", logging.RESULT_UPLOAD)
		return
	}

	if stats, err := storage.DiskUsage(w.Env.OutDir); err == nil {
		slog.Info("disk usage for output directory", "out_dir", w.Env.OutDir, "free_bytes", stats.FreeBytes, "total_bytes", stats.TotalBytes, "code", logging.RESULT_UPLOAD)
	}

	store, err := w.NewResultStore(ctx, w.Env.GcsBucket)
	if err != nil {
		slog.Error("error opening result storage", "bucket", w.Env.GcsBucket, "error", err, "code", logging.RESULT_UPLOAD)
		return
	}

	slog.Info("uploading results", "out_dir", w.Env.OutDir, "dest", run.OutputLocation(w.Env.GcsBucket), "code", logging.RESULT_UPLOAD)

	if err := storage.UploadDir(store, w.Env.OutDir, run.OutputPath); err != nil {
		slog.Error("error uploading results", "out_dir", w.Env.OutDir, "error", err, "code", logging.RESULT_UPLOAD)
		return
	}

	slog.Info("results uploaded", "dest", run.OutputLocation(w.Env.GcsBucket), "code", logging.RESULT_UPLOAD)
}
