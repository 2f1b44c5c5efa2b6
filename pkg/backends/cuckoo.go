package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/swarmwatch/arbiter/pkg/config"
)

// cuckooBackend uploads artifacts to a Cuckoo Sandbox instance. Always
// asynchronous; the sandbox keeps the task id and a reporting hook posts
// the verdict back to our web API.
type cuckooBackend struct {
	base
	url    string
	client *http.Client
}

func newCuckooBackend(b base, cfg config.BackendConfig, _ Env) (AnalysisBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	return &cuckooBackend{
		base:   b,
		url:    strings.TrimSuffix(cfg.URL, "/"),
		client: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *cuckooBackend) SubmitArtifact(ctx context.Context, task Task) (*Result, error) {
	file, err := os.Open(task.Path)
	if err != nil {
		return nil, fmt.Errorf("artifact body missing: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", task.Name)
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			// Echoed in the sandbox report so the hook can find its
			// way back to the right job.
			err = form.WriteField("custom", task.URL)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url+"/tasks/create/file", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit to %s failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("submit to %s failed: status %d", c.name, resp.StatusCode)
	}

	var created struct {
		TaskID *json.Number `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("submit to %s: bad response: %w", c.name, err)
	}
	if created.TaskID == nil {
		return nil, fmt.Errorf("submit to %s: no task id", c.name)
	}
	return &Result{Meta: map[string]interface{}{"task_id": created.TaskID.String()}}, nil
}

func (c *cuckooBackend) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/cuckoo/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
