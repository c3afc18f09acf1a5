package provision

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
	"vertex_launcher/utils/logging"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	storageEndpoint  = "https://storage.googleapis.com/storage/v1"
	registryEndpoint = "https://artifactregistry.googleapis.com/v1"
)

var (
	ErrBucketNameTaken     = errors.New("bucket name is already taken by another project")
	ErrRepositoryNameTaken = errors.New("repository name is already taken")
)

// Provisioner declares the storage bucket and the container image repository
// the training workflow depends on. Ensure methods are idempotent: re-applying
// with unchanged inputs is a no-op, a name collision with another project is a
// loud failure.
type Provisioner struct {
	project string

	storageEndpoint  string
	registryEndpoint string

	tokens oauth2.TokenSource
	client *http.Client
}

func NewProvisioner(ctx context.Context, project, credentialsFile string) (*Provisioner, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("error reading service account file %v: %w", credentialsFile, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("error parsing service account file %v: %w", credentialsFile, err)
	}

	return &Provisioner{
		project:          project,
		storageEndpoint:  storageEndpoint,
		registryEndpoint: registryEndpoint,
		tokens:           creds.TokenSource,
		client:           http.DefaultClient,
	}, nil
}

// NewProvisionerForEndpoints builds a provisioner against non standard
// endpoints without credentials, used for tests.
func NewProvisionerForEndpoints(project, storageEndpoint, registryEndpoint string) *Provisioner {
	return &Provisioner{
		project:          project,
		storageEndpoint:  storageEndpoint,
		registryEndpoint: registryEndpoint,
		client:           http.DefaultClient,
	}
}

func (p *Provisioner) request(method, fullEndpoint string, body interface{}) (int, error) {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return 0, fmt.Errorf("error encoding request payload: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequest(method, fullEndpoint, payload)
	if err != nil {
		return 0, fmt.Errorf("error creating %v request for %v: %w", method, fullEndpoint, err)
	}
	req.Header.Add("Content-Type", "application/json")
	if p.tokens != nil {
		token, err := p.tokens.Token()
		if err != nil {
			return 0, fmt.Errorf("error getting access token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error sending %v request to %v: %w", method, fullEndpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest && res.StatusCode != http.StatusNotFound && res.StatusCode != http.StatusConflict {
		data, readErr := io.ReadAll(res.Body)
		if readErr == nil {
			slog.Error("provisioning request failed", "method", method, "endpoint", fullEndpoint, "code", res.StatusCode, "response", string(data))
		}
	}

	return res.StatusCode, nil
}

type bucketResource struct {
	Name             string `json:"name"`
	Location         string `json:"location"`
	IamConfiguration struct {
		UniformBucketLevelAccess struct {
			Enabled bool `json:"enabled"`
		} `json:"uniformBucketLevelAccess"`
	} `json:"iamConfiguration"`
	Versioning struct {
		Enabled bool `json:"enabled"`
	} `json:"versioning"`
}

// EnsureBucket declares the results bucket: fixed region, uniform bucket level
// access, versioning on so results cannot be destroyed by accident.
func (p *Provisioner) EnsureBucket(name, location string) error {
	slog.Info("ensuring bucket exists", "bucket", name, "location", location, "code", logging.PROVISION_BUCKET)

	status, err := p.request("GET", fmt.Sprintf("%v/b/%v", p.storageEndpoint, name), nil)
	if err != nil {
		return fmt.Errorf("error checking bucket %v: %w", name, err)
	}
	if status == http.StatusOK {
		slog.Info("bucket already exists, nothing to do", "bucket", name, "code", logging.PROVISION_BUCKET)
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("checking bucket %v returned status %d", name, status)
	}

	bucket := bucketResource{Name: name, Location: location}
	bucket.IamConfiguration.UniformBucketLevelAccess.Enabled = true
	bucket.Versioning.Enabled = true

	status, err = p.request("POST", fmt.Sprintf("%v/b?project=%v", p.storageEndpoint, url.QueryEscape(p.project)), bucket)
	if err != nil {
		return fmt.Errorf("error creating bucket %v: %w", name, err)
	}
	if status == http.StatusConflict {
		slog.Error("bucket name collision", "bucket", name, "code", logging.PROVISION_BUCKET)
		return fmt.Errorf("cannot create bucket %v: %w", name, ErrBucketNameTaken)
	}
	if status != http.StatusOK {
		return fmt.Errorf("creating bucket %v returned status %d", name, status)
	}

	slog.Info("bucket created successfully", "bucket", name, "code", logging.PROVISION_BUCKET)

	return nil
}

type repositoryResource struct {
	Format string `json:"format"`
}

// EnsureRepository declares the docker image repository in Artifact Registry.
func (p *Provisioner) EnsureRepository(name, location string) error {
	slog.Info("ensuring image repository exists", "repository", name, "location", location, "code", logging.PROVISION_REGISTRY)

	resource := fmt.Sprintf("%v/projects/%v/locations/%v/repositories/%v", p.registryEndpoint, p.project, location, name)

	status, err := p.request("GET", resource, nil)
	if err != nil {
		return fmt.Errorf("error checking repository %v: %w", name, err)
	}
	if status == http.StatusOK {
		slog.Info("image repository already exists, nothing to do", "repository", name, "code", logging.PROVISION_REGISTRY)
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("checking repository %v returned status %d", name, status)
	}

	create := fmt.Sprintf("%v/projects/%v/locations/%v/repositories?repositoryId=%v", p.registryEndpoint, p.project, location, url.QueryEscape(name))

	status, err = p.request("POST", create, repositoryResource{Format: "DOCKER"})
	if err != nil {
		return fmt.Errorf("error creating repository %v: %w", name, err)
	}
	if status == http.StatusConflict {
		slog.Error("repository name collision", "repository", name, "code", logging.PROVISION_REGISTRY)
		return fmt.Errorf("cannot create repository %v: %w", name, ErrRepositoryNameTaken)
	}
	if status != http.StatusOK {
		return fmt.Errorf("creating repository %v returned status %d", name, status)
	}

	slog.Info("image repository created successfully", "repository", name, "code", logging.PROVISION_REGISTRY)

	return nil
}
