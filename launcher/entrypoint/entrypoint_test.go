package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"vertex_launcher/launcher/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateArgs(t *testing.T) {
	translated := TranslateArgs([]string{"--config-file", "src/conf/toy.yaml", "--seed", "42"})

	assert.Equal(t, []string{"--config", "src/conf/toy.yaml", "--seed", "42"}, translated)
	assert.NotContains(t, translated, "--config-file")
}

func TestTranslateArgsForwardsUnchanged(t *testing.T) {
	args := []string{"--config", "a.yaml", "--debug"}
	assert.Equal(t, args, TranslateArgs(args))
}

func TestRunIdsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		run := NewRun()
		assert.False(t, seen[run.Id])
		seen[run.Id] = true
		assert.Equal(t, "runs/"+run.Id, run.OutputPath)
	}
}

func TestRunOutputLocation(t *testing.T) {
	run := Run{Id: "abc", OutputPath: "runs/abc"}
	assert.Equal(t, "gs://results/runs/abc", run.OutputLocation("results"))
}

type trainerCall struct {
	name string
	args []string
}

type workflowTestEnv struct {
	workflow *Workflow

	trainerCalls *[]trainerCall
	resultStore  storage.Storage
	storeOpened  *bool
}

func setupWorkflowTest(t *testing.T, env Env, trainerErr error) *workflowTestEnv {
	calls := &[]trainerCall{}
	opened := false

	resultStore := storage.NewSharedDisk(t.TempDir())

	if env.NetrcPath == "" {
		env.NetrcPath = filepath.Join(t.TempDir(), ".netrc")
	}

	workflow := &Workflow{
		Env: env,
		Trainer: func(ctx context.Context, name string, args ...string) error {
			*calls = append(*calls, trainerCall{name: name, args: args})
			return trainerErr
		},
		Scratch: storage.NewSharedDisk(t.TempDir()),
		NewResultStore: func(ctx context.Context, bucket string) (storage.Storage, error) {
			opened = true
			return resultStore, nil
		},
	}

	return &workflowTestEnv{workflow: workflow, trainerCalls: calls, resultStore: resultStore, storeOpened: &opened}
}

func writeBaseConfig(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "toy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  family: gpt2\n"), 0666))
	return path
}

func TestExecuteWithoutBucketRunsTrainingDirectly(t *testing.T) {
	base := writeBaseConfig(t)

	test := setupWorkflowTest(t, Env{ConfigFile: base}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	require.Len(t, *test.trainerCalls, 1)
	call := (*test.trainerCalls)[0]
	assert.Equal(t, "python", call.name)
	assert.Equal(t, []string{"src/train.py", "--config", base}, call.args)

	assert.False(t, *test.storeOpened, "no upload without a bucket")
}

func TestExecuteStagesConfigAndSwapsArg(t *testing.T) {
	base := writeBaseConfig(t)

	test := setupWorkflowTest(t, Env{GcsBucket: "results", ConfigFile: base}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	require.Len(t, *test.trainerCalls, 1)
	call := (*test.trainerCalls)[0]
	require.Len(t, call.args, 3)
	assert.Equal(t, "src/train.py", call.args[0])
	assert.Equal(t, "--config", call.args[1])

	staged := call.args[2]
	assert.NotEqual(t, base, staged, "training must receive the derived config")

	content, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "model:\n  family: gpt2\n"))
	assert.Contains(t, string(content), "out_dir: gs://results/runs/")
}

func TestExecuteStagedConfigsAreDisjoint(t *testing.T) {
	base := writeBaseConfig(t)

	test := setupWorkflowTest(t, Env{GcsBucket: "results", ConfigFile: base}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	require.Len(t, *test.trainerCalls, 2)
	first := (*test.trainerCalls)[0].args[2]
	second := (*test.trainerCalls)[1].args[2]
	assert.NotEqual(t, first, second, "repeated runs must never share an output path")
}

func TestExecuteRewritesTrackerEntity(t *testing.T) {
	base := writeBaseConfig(t)

	settings := filepath.Join(t.TempDir(), "wandb.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("entity: placeholder\n"), 0666))

	test := setupWorkflowTest(t, Env{
		GcsBucket:         "results",
		ConfigFile:        base,
		WandbEntity:       "ml-team",
		WandbSettingsFile: settings,
	}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	content, err := os.ReadFile(settings)
	require.NoError(t, err)
	assert.Contains(t, string(content), "entity: ml-team")
}

func TestExecuteTrainerFailureAborts(t *testing.T) {
	base := writeBaseConfig(t)

	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "metrics.json"), []byte("{}"), 0666))

	test := setupWorkflowTest(t, Env{GcsBucket: "results", ConfigFile: base, OutDir: outDir}, errors.New("exit status 1"))

	err := test.workflow.Execute(context.Background(), []string{"--config-file", base})
	assert.ErrorContains(t, err, "training process failed")
	assert.False(t, *test.storeOpened, "no upload after a failed training process")
}

func TestExecuteUploadsResults(t *testing.T) {
	base := writeBaseConfig(t)

	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "metrics.json"), []byte("{}"), 0666))
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "checkpoints"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "checkpoints", "final.pt"), []byte("weights"), 0666))

	test := setupWorkflowTest(t, Env{GcsBucket: "results", ConfigFile: base, OutDir: outDir}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	require.True(t, *test.storeOpened)

	runDirs, err := test.resultStore.List("runs")
	require.NoError(t, err)
	require.Len(t, runDirs, 1)

	for _, path := range []string{"metrics.json", "checkpoints/final.pt"} {
		exists, err := test.resultStore.Exists(fmt.Sprintf("runs/%v/%v", runDirs[0], path))
		require.NoError(t, err)
		assert.True(t, exists, path)
	}
}

func TestNoUploadWhenOutDirUnset(t *testing.T) {
	base := writeBaseConfig(t)

	test := setupWorkflowTest(t, Env{GcsBucket: "results", ConfigFile: base}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	assert.False(t, *test.storeOpened)
}

func TestNoUploadWhenOutDirMissing(t *testing.T) {
	base := writeBaseConfig(t)

	test := setupWorkflowTest(t, Env{
		GcsBucket:  "results",
		ConfigFile: base,
		OutDir:     filepath.Join(t.TempDir(), "never-created"),
	}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	assert.False(t, *test.storeOpened)
}

func TestNoUploadWhenBucketUnset(t *testing.T) {
	base := writeBaseConfig(t)

	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "metrics.json"), []byte("{}"), 0666))

	test := setupWorkflowTest(t, Env{ConfigFile: base, OutDir: outDir}, nil)
	require.NoError(t, test.workflow.Execute(context.Background(), []string{"--config-file", base}))

	assert.False(t, *test.storeOpened)
}
