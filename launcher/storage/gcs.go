package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const gcsEndpoint = "https://storage.googleapis.com"

// GcsStorage reads and writes objects in a single GCS bucket through the json
// api. Object paths are relative to the bucket root.
type GcsStorage struct {
	bucket   string
	endpoint string
	tokens   oauth2.TokenSource
	client   *http.Client
}

func NewGcsStorage(ctx context.Context, bucket string) (*GcsStorage, error) {
	tokens, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/devstorage.read_write")
	if err != nil {
		return nil, fmt.Errorf("error loading gcs credentials: %w", err)
	}

	slog.Info("creating new gcs storage", "bucket", bucket)

	return &GcsStorage{bucket: bucket, endpoint: gcsEndpoint, tokens: tokens, client: http.DefaultClient}, nil
}

// NewGcsStorageForEndpoint builds a client against a non standard endpoint,
// used for tests and storage emulators.
func NewGcsStorageForEndpoint(bucket, endpoint string, client *http.Client) *GcsStorage {
	return &GcsStorage{bucket: bucket, endpoint: endpoint, tokens: nil, client: client}
}

var errGcsReturnedNotFound = errors.New("gcs returned status 404")

func (s *GcsStorage) request(method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	fullEndpoint, err := url.JoinPath(s.endpoint, endpoint)
	if err != nil {
		return nil, fmt.Errorf("error formatting url for gcs endpoint %v: %w", endpoint, err)
	}

	req, err := http.NewRequest(method, fullEndpoint, body)
	if err != nil {
		return nil, fmt.Errorf("error creating %v request for gcs endpoint %v: %w", method, endpoint, err)
	}
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("error getting gcs access token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending %v request to gcs endpoint %v: %w", method, endpoint, err)
	}

	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, errGcsReturnedNotFound
	}
	if res.StatusCode != http.StatusOK {
		data, readErr := io.ReadAll(res.Body)
		res.Body.Close()
		if readErr == nil {
			slog.Error("gcs returned error", "method", method, "endpoint", endpoint, "code", res.StatusCode, "response", string(data))
		}
		return nil, fmt.Errorf("%v request to gcs endpoint %v returned status %d", method, endpoint, res.StatusCode)
	}

	return res, nil
}

func (s *GcsStorage) Read(path string) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("storage/v1/b/%v/o/%v?alt=media", s.bucket, url.PathEscape(path))
	res, err := s.request("GET", endpoint, nil, "")
	if err != nil {
		if errors.Is(err, errGcsReturnedNotFound) {
			return nil, fmt.Errorf("object %v not found in bucket %v", path, s.bucket)
		}
		return nil, fmt.Errorf("error reading object %v: %w", path, err)
	}
	return res.Body, nil
}

func (s *GcsStorage) Write(path string, data io.Reader) error {
	endpoint := fmt.Sprintf("upload/storage/v1/b/%v/o?uploadType=media&name=%v", s.bucket, url.QueryEscape(path))
	res, err := s.request("POST", endpoint, data, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("error uploading object %v: %w", path, err)
	}
	res.Body.Close()
	return nil
}

func (s *GcsStorage) Delete(path string) error {
	endpoint := fmt.Sprintf("storage/v1/b/%v/o/%v", s.bucket, url.PathEscape(path))
	res, err := s.request("DELETE", endpoint, nil, "")
	if err != nil {
		if errors.Is(err, errGcsReturnedNotFound) {
			return nil
		}
		return fmt.Errorf("error deleting object %v: %w", path, err)
	}
	res.Body.Close()
	return nil
}

type objectListing struct {
	Items []struct {
		Name string `json:"name"`
	} `json:"items"`
}

func (s *GcsStorage) List(path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	endpoint := fmt.Sprintf("storage/v1/b/%v/o?prefix=%v", s.bucket, url.QueryEscape(prefix))
	res, err := s.request("GET", endpoint, nil, "")
	if err != nil {
		return nil, fmt.Errorf("error listing objects under %v: %w", path, err)
	}
	defer res.Body.Close()

	var listing objectListing
	if err := json.NewDecoder(res.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("error parsing object listing for %v: %w", path, err)
	}

	names := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		names = append(names, strings.TrimPrefix(item.Name, prefix))
	}
	return names, nil
}

func (s *GcsStorage) Exists(path string) (bool, error) {
	endpoint := fmt.Sprintf("storage/v1/b/%v/o/%v", s.bucket, url.PathEscape(path))
	res, err := s.request("GET", endpoint, nil, "")
	if err != nil {
		if errors.Is(err, errGcsReturnedNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("error checking if object %v exists: %w", path, err)
	}
	res.Body.Close()
	return true, nil
}

func (s *GcsStorage) Location() string {
	return fmt.Sprintf("gs://%v", s.bucket)
}

// UploadDir recursively copies the contents of localDir into the storage under
// the given prefix, preserving relative paths.
func UploadDir(store Storage, localDir, prefix string) error {
	return filepath.WalkDir(localDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return fmt.Errorf("error computing relative path for %v: %w", path, err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("error opening file %v for upload: %w", path, err)
		}
		defer file.Close()

		dest := filepath.ToSlash(filepath.Join(prefix, rel))
		slog.Info("uploading file", "source", path, "dest", dest)

		if err := store.Write(dest, file); err != nil {
			return fmt.Errorf("error uploading file %v: %w", path, err)
		}

		return nil
	})
}
