package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"vertex_launcher/launcher/orchestrator"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

type VertexClient struct {
	project  string
	location string
	endpoint string
	tokens   oauth2.TokenSource
	client   *http.Client
}

// NewVertexClient builds a client for the regional aiplatform api. If
// credentialsFile is empty the application default credentials are used, which
// inside a provisioned compute instance resolve to the instance's service
// account.
func NewVertexClient(ctx context.Context, project, location, credentialsFile string) (orchestrator.Client, error) {
	var tokens oauth2.TokenSource
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("error reading service account file %v: %w", credentialsFile, err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("error parsing service account file %v: %w", credentialsFile, err)
		}
		tokens = creds.TokenSource
	} else {
		var err error
		tokens, err = google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("error loading default credentials: %w", err)
		}
	}

	endpoint := fmt.Sprintf("https://%v-aiplatform.googleapis.com/v1", location)

	slog.Info("creating vertex client", "project", project, "location", location)

	return &VertexClient{
		project:  project,
		location: location,
		endpoint: endpoint,
		tokens:   tokens,
		client:   http.DefaultClient,
	}, nil
}

// NewVertexClientForEndpoint builds a client against a non standard endpoint
// without credentials, used for tests.
func NewVertexClientForEndpoint(project, location, endpoint string) orchestrator.Client {
	return &VertexClient{project: project, location: location, endpoint: endpoint, client: http.DefaultClient}
}

var errVertexReturnedNotFound = errors.New("vertex returned status 404")

func (c *VertexClient) request(method, endpoint string, body io.Reader, result interface{}) error {
	fullEndpoint, err := url.JoinPath(c.endpoint, endpoint)
	if err != nil {
		return fmt.Errorf("error formatting url for vertex endpoint %v: %w", endpoint, err)
	}

	req, err := http.NewRequest(method, fullEndpoint, body)
	if err != nil {
		return fmt.Errorf("error creating %v request for vertex endpoint %v: %w", method, endpoint, err)
	}
	req.Header.Add("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("error getting vertex access token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request to vertex endpoint %v: %w", method, endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return errVertexReturnedNotFound
	}
	if res.StatusCode != http.StatusOK {
		data, err := io.ReadAll(res.Body)
		if err == nil {
			slog.Error("vertex returned error", "method", method, "endpoint", endpoint, "code", res.StatusCode, "response", string(data))
		}
		return fmt.Errorf("%v request to vertex endpoint %v returned status %d", method, endpoint, res.StatusCode)
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from vertex endpoint %v: %w", method, endpoint, err)
		}
	}

	return nil
}

func (c *VertexClient) get(endpoint string, result interface{}) error {
	return c.request("GET", endpoint, nil, result)
}

func (c *VertexClient) post(endpoint string, body io.Reader, result interface{}) error {
	return c.request("POST", endpoint, body, result)
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type machineSpec struct {
	MachineType      string `json:"machineType"`
	AcceleratorType  string `json:"acceleratorType,omitempty"`
	AcceleratorCount int    `json:"acceleratorCount,omitempty"`
}

type containerSpec struct {
	ImageUri string   `json:"imageUri"`
	Command  []string `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Env      []envVar `json:"env,omitempty"`
}

type workerPoolSpec struct {
	MachineSpec   machineSpec   `json:"machineSpec"`
	ReplicaCount  int           `json:"replicaCount"`
	ContainerSpec containerSpec `json:"containerSpec"`
}

type scheduling struct {
	Preemptible bool `json:"preemptible"`
}

type gcsDestination struct {
	OutputUriPrefix string `json:"outputUriPrefix"`
}

type customJobSpec struct {
	WorkerPoolSpecs     []workerPoolSpec `json:"workerPoolSpecs"`
	Scheduling          *scheduling      `json:"scheduling,omitempty"`
	BaseOutputDirectory gcsDestination   `json:"baseOutputDirectory"`
}

type customJob struct {
	Name        string        `json:"name,omitempty"`
	DisplayName string        `json:"displayName"`
	JobSpec     customJobSpec `json:"jobSpec"`
	State       string        `json:"state,omitempty"`
}

func renderJob(job orchestrator.TrainingJob) customJob {
	env := make([]envVar, 0, len(job.Env))
	for _, name := range []string{"CONFIG_FILE", "GCS_BUCKET", "WANDB_API_KEY", "WANDB_ENTITY"} {
		if value, ok := job.Env[name]; ok {
			env = append(env, envVar{Name: name, Value: value})
		}
	}

	spec := customJobSpec{
		WorkerPoolSpecs: []workerPoolSpec{{
			MachineSpec: machineSpec{
				MachineType:      job.Machine.MachineType,
				AcceleratorType:  job.Machine.AcceleratorType,
				AcceleratorCount: job.Machine.AcceleratorCount,
			},
			ReplicaCount: 1,
			ContainerSpec: containerSpec{
				ImageUri: job.ImageUri,
				Command:  job.Command,
				Args:     job.Args,
				Env:      env,
			},
		}},
		BaseOutputDirectory: gcsDestination{OutputUriPrefix: job.BaseOutputDir()},
	}

	if job.Preemptible {
		spec.Scheduling = &scheduling{Preemptible: true}
	}

	return customJob{DisplayName: job.DisplayName, JobSpec: spec}
}

func mapJobState(state string) orchestrator.JobStatus {
	switch state {
	case "JOB_STATE_QUEUED":
		return orchestrator.StatusQueued
	case "JOB_STATE_PENDING":
		return orchestrator.StatusPending
	case "JOB_STATE_RUNNING":
		return orchestrator.StatusRunning
	case "JOB_STATE_SUCCEEDED":
		return orchestrator.StatusSucceeded
	case "JOB_STATE_FAILED", "JOB_STATE_EXPIRED":
		return orchestrator.StatusFailed
	case "JOB_STATE_CANCELLING", "JOB_STATE_CANCELLED":
		return orchestrator.StatusCancelled
	default:
		return orchestrator.StatusPending
	}
}

func (c *VertexClient) StartJob(job orchestrator.TrainingJob) (string, error) {
	slog.Info("submitting vertex custom job", "display_name", job.DisplayName, "image", job.ImageUri)

	body := &bytes.Buffer{}
	err := json.NewEncoder(body).Encode(renderJob(job))
	if err != nil {
		return "", fmt.Errorf("error encoding custom job payload: %w", err)
	}

	var created customJob
	endpoint := fmt.Sprintf("projects/%v/locations/%v/customJobs", c.project, c.location)
	err = c.post(endpoint, body, &created)
	if err != nil {
		slog.Error("error submitting vertex custom job", "display_name", job.DisplayName, "error", err)
		return "", fmt.Errorf("error submitting custom job: %w", err)
	}

	slog.Info("vertex custom job submitted successfully", "display_name", job.DisplayName, "job_name", created.Name)

	return created.Name, nil
}

func (c *VertexClient) StopJob(jobName string) error {
	slog.Info("cancelling vertex custom job", "job_name", jobName)

	err := c.post(jobName+":cancel", bytes.NewReader([]byte("{}")), nil)
	if err != nil {
		if errors.Is(err, errVertexReturnedNotFound) {
			return orchestrator.ErrJobNotFound
		}
		slog.Error("error cancelling vertex custom job", "job_name", jobName, "error", err)
		return fmt.Errorf("error cancelling custom job %v: %w", jobName, err)
	}

	slog.Info("vertex custom job cancelled successfully", "job_name", jobName)

	return nil
}

func (c *VertexClient) JobInfo(jobName string) (orchestrator.JobInfo, error) {
	slog.Debug("retrieving vertex custom job info", "job_name", jobName)

	var job customJob
	err := c.get(jobName, &job)
	if err != nil {
		if errors.Is(err, errVertexReturnedNotFound) {
			return orchestrator.JobInfo{}, orchestrator.ErrJobNotFound
		}
		slog.Error("error getting vertex custom job info", "job_name", jobName, "error", err)
		return orchestrator.JobInfo{}, fmt.Errorf("error getting info for custom job %v: %w", jobName, err)
	}

	return orchestrator.JobInfo{
		Name:        job.Name,
		DisplayName: job.DisplayName,
		Status:      mapJobState(job.State),
	}, nil
}
