package tracker

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"
)

// Client talks to the experiment tracker api. Only the viewer query is used,
// to verify that an api key is valid before the training process starts.
type Client struct {
	host  string
	resty *resty.Client
}

func NewClient(baseUrl string) *Client {
	host := strings.TrimPrefix(strings.TrimPrefix(baseUrl, "https://"), "http://")
	return &Client{host: host, resty: resty.New().SetBaseURL(baseUrl)}
}

type viewerResponse struct {
	Data struct {
		Viewer *struct {
			Id string `json:"id"`
		} `json:"viewer"`
	} `json:"data"`
}

func (c *Client) VerifyApiKey(apiKey string) error {
	var result viewerResponse
	res, err := c.resty.R().
		SetBasicAuth("api", apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"query": "query Viewer { viewer { id } }"}).
		SetResult(&result).
		Post("/graphql")
	if err != nil {
		return fmt.Errorf("error verifying tracker api key: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("tracker api key verification returned status %d", res.StatusCode())
	}
	if result.Data.Viewer == nil {
		return fmt.Errorf("tracker api key is not associated with any user")
	}
	return nil
}

// Login verifies the api key and records it in the netrc file so that the
// training process's tracker library picks it up.
func (c *Client) Login(apiKey, netrcPath string) error {
	if err := c.VerifyApiKey(apiKey); err != nil {
		slog.Error("tracker login failed", "error", err)
		return err
	}

	if err := writeNetrcEntry(netrcPath, c.host, apiKey); err != nil {
		slog.Error("error writing tracker credentials", "path", netrcPath, "error", err)
		return fmt.Errorf("error writing tracker credentials: %w", err)
	}

	slog.Info("tracker login successful", "host", c.host)

	return nil
}

// writeNetrcEntry replaces any existing stanza for the host and appends a
// fresh one.
func writeNetrcEntry(path, host, apiKey string) error {
	var kept []string

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error reading netrc file %v: %w", path, err)
	}

	skipping := false
	for _, line := range strings.Split(string(existing), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "machine ") {
			skipping = strings.Fields(trimmed)[1] == host
		}
		if !skipping && trimmed != "" {
			kept = append(kept, line)
		}
	}

	kept = append(kept, fmt.Sprintf("machine %v", host), "  login user", fmt.Sprintf("  password %v", apiKey), "")

	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0600)
}

// RewriteEntity replaces the placeholder entity field in the tracker settings
// file with the given entity.
func RewriteEntity(settingsPath, entity string) error {
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return fmt.Errorf("error reading tracker settings %v: %w", settingsPath, err)
	}

	var settings map[string]interface{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("error parsing tracker settings %v: %w", settingsPath, err)
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}

	settings["entity"] = entity

	updated, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error serializing tracker settings: %w", err)
	}

	if err := os.WriteFile(settingsPath, updated, 0666); err != nil {
		return fmt.Errorf("error writing tracker settings %v: %w", settingsPath, err)
	}

	slog.Info("tracker settings entity updated", "path", settingsPath, "entity", entity)

	return nil
}
