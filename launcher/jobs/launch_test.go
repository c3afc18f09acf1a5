package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"vertex_launcher/launcher/ledger"
	"vertex_launcher/launcher/orchestrator"
	"vertex_launcher/launcher/registry"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientStub struct {
	startedJobs []orchestrator.TrainingJob
	startErr    error

	stopped []string

	jobStatus orchestrator.JobStatus
	infoErr   error
}

func (c *clientStub) StartJob(job orchestrator.TrainingJob) (string, error) {
	if c.startErr != nil {
		return "", c.startErr
	}
	c.startedJobs = append(c.startedJobs, job)
	return "projects/proj1/locations/us-central1/customJobs/123", nil
}

func (c *clientStub) StopJob(jobName string) error {
	c.stopped = append(c.stopped, jobName)
	return nil
}

func (c *clientStub) JobInfo(jobName string) (orchestrator.JobInfo, error) {
	if c.infoErr != nil {
		return orchestrator.JobInfo{}, c.infoErr
	}
	return orchestrator.JobInfo{Name: jobName, Status: c.jobStatus}, nil
}

type launchTest struct {
	docker *registry.Docker
	client *clientStub
	runs   *ledger.Ledger
	args   LaunchArgs

	dockerCommands *[]string
	dockerFailOn   *string
}

func setupLaunchTest(t *testing.T) *launchTest {
	commands := &[]string{}
	failOn := new(string)

	docker := registry.NewDockerWithRunner(func(ctx context.Context, stdin io.Reader, name string, args ...string) error {
		*commands = append(*commands, args[0])
		if *failOn == args[0] {
			return errors.New("exit status 1")
		}
		return nil
	})

	runs, err := ledger.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "service_account.json")
	require.NoError(t, os.WriteFile(keyFile, []byte(`{"type": "service_account"}`), 0600))

	return &launchTest{
		docker: docker,
		client: &clientStub{jobStatus: orchestrator.StatusRunning},
		runs:   runs,
		args: LaunchArgs{
			ProjectId:          "proj1",
			Location:           "us-central1",
			Repository:         "repo1",
			Image:              "in-context-learning",
			Tag:                "latest",
			BuildDir:           ".",
			ConfigFile:         "src/conf/toy.yaml",
			BucketName:         "results",
			Machine:            orchestrator.MachineSpec{MachineType: "n1-standard-8"},
			ServiceAccountFile: keyFile,
		},
		dockerCommands: commands,
		dockerFailOn:   failOn,
	}
}

func TestLaunchRunsStagesInOrder(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "tag", "login", "push"}, *test.dockerCommands)

	require.Len(t, test.client.startedJobs, 1)
	job := test.client.startedJobs[0]
	assert.Equal(t, "us-central1-docker.pkg.dev/proj1/repo1/in-context-learning:latest", job.ImageUri)
	assert.Equal(t, "results", job.BucketName)

	assert.Equal(t, StateSubmitted, run.State)
	assert.Equal(t, "projects/proj1/locations/us-central1/customJobs/123", run.JobName)

	recorded, err := test.runs.Get(run.Id)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, recorded.State)
	assert.Equal(t, job.ImageUri, recorded.ImageUri)
}

func TestLaunchBuildFailureAbortsWorkflow(t *testing.T) {
	test := setupLaunchTest(t)
	*test.dockerFailOn = "build"

	_, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	assert.ErrorContains(t, err, "error building image")

	assert.Equal(t, []string{"build"}, *test.dockerCommands, "later stages must not run")
	assert.Empty(t, test.client.startedJobs)

	records, err := test.runs.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLaunchPushFailureSkipsSubmission(t *testing.T) {
	test := setupLaunchTest(t)
	*test.dockerFailOn = "push"

	_, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	assert.ErrorContains(t, err, "error pushing image")
	assert.Empty(t, test.client.startedJobs)
}

func TestLaunchSubmissionFailure(t *testing.T) {
	test := setupLaunchTest(t)
	test.client.startErr = errors.New("permission denied")

	_, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	assert.ErrorContains(t, err, "error submitting training job")

	records, lerr := test.runs.List()
	require.NoError(t, lerr)
	assert.Empty(t, records)
}

func TestLaunchValidatesArgs(t *testing.T) {
	test := setupLaunchTest(t)
	test.args.BucketName = ""

	_, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	assert.ErrorContains(t, err, "bucket name is required")
	assert.Empty(t, *test.dockerCommands)
}

func TestLaunchMissingServiceAccountKey(t *testing.T) {
	test := setupLaunchTest(t)
	test.args.ServiceAccountFile = filepath.Join(t.TempDir(), "missing.json")

	_, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	assert.ErrorContains(t, err, "error opening service account key")
	assert.Empty(t, test.client.startedJobs)
}

func TestRefreshState(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	test.client.jobStatus = orchestrator.StatusSucceeded

	refreshed, err := RefreshState(test.client, test.runs, run.Id)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StatusSucceeded), refreshed.State)

	stored, err := test.runs.Get(run.Id)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StatusSucceeded), stored.State)
}

func TestRefreshStateJobGone(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	test.client.infoErr = orchestrator.ErrJobNotFound

	_, err = RefreshState(test.client, test.runs, run.Id)
	assert.ErrorIs(t, err, orchestrator.ErrJobNotFound)
}

func TestRefreshStateUnknownRun(t *testing.T) {
	test := setupLaunchTest(t)

	_, err := RefreshState(test.client, test.runs, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
}

func TestCancelRun(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	cancelled, err := Cancel(test.client, test.runs, run.Id)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StatusCancelled), cancelled.State)
	assert.Equal(t, []string{run.JobName}, test.client.stopped)

	stored, err := test.runs.Get(run.Id)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StatusCancelled), stored.State)
}

func TestCancelFinishedRun(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	test.client.jobStatus = orchestrator.StatusSucceeded

	cancelled, err := Cancel(test.client, test.runs, run.Id)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StatusSucceeded), cancelled.State)
	assert.Empty(t, test.client.stopped, "a finished job must not be cancelled")

	stored, err := test.runs.Get(run.Id)
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.StatusSucceeded), stored.State)
}

func TestCancelJobGone(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	test.client.infoErr = orchestrator.ErrJobNotFound

	_, err = Cancel(test.client, test.runs, run.Id)
	assert.ErrorIs(t, err, orchestrator.ErrJobNotFound)
	assert.Empty(t, test.client.stopped)
}

func TestCancelUnknownRun(t *testing.T) {
	test := setupLaunchTest(t)

	_, err := Cancel(test.client, test.runs, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
}

func TestLaunchDisplayNamesEmbedTimestamp(t *testing.T) {
	test := setupLaunchTest(t)

	run, err := Launch(context.Background(), test.docker, test.client, test.runs, test.args)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(run.DisplayName, "in-context-learning-training-"))
	suffix := strings.TrimPrefix(run.DisplayName, "in-context-learning-training-")
	assert.Len(t, suffix, len("20060102_150405"), fmt.Sprintf("unexpected display name %v", run.DisplayName))
}
