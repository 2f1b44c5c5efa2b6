package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/swarmwatch/arbiter/pkg/config"
)

const httpTimeout = 30 * time.Second

// httpBackend is the generic adapter for services that speak our own
// analysis protocol: one POST per artifact, verdicts either inline or
// delivered later through the web API callback.
type httpBackend struct {
	base
	url     string
	secret  string
	selfURL string
	client  *http.Client
}

func newHTTPBackend(b base, cfg config.BackendConfig, env Env) (AnalysisBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	return &httpBackend{
		base:    b,
		url:     strings.TrimSuffix(cfg.URL, "/"),
		secret:  env.Secret,
		selfURL: env.SelfURL,
		client:  &http.Client{Timeout: httpTimeout},
	}, nil
}

// submitRequest is the body of POST {backend}/artifact.
type submitRequest struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Hash string `json:"hash"`
	URL  string `json:"url"`
}

// submitResponse is the backend's answer. A non-null verdict closes the
// job synchronously; anything else is kept as the task handle.
type submitResponse struct {
	Verdict *int                   `json:"verdict"`
	Meta    map[string]interface{} `json:"meta"`
}

func (h *httpBackend) SubmitArtifact(ctx context.Context, task Task) (*Result, error) {
	body, err := json.Marshal(submitRequest{
		ID:   task.ArtifactID,
		Name: task.Name,
		Hash: task.Hash,
		URL:  task.URL,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.url+"/artifact", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// The backend reuses this token to fetch the body and post its
	// verdict back to us.
	req.Header.Set("Authorization", "Bearer "+GenerateToken(h.secret, h.name, 0))
	req.Header.Set("X-Arbiter", h.selfURL)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit to %s failed: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("submit to %s failed: status %d", h.name, resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("submit to %s: bad response: %w", h.name, err)
	}
	if sr.Verdict != nil {
		return &Result{Verdict: sr.Verdict}, nil
	}
	meta := sr.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return &Result{Meta: meta}, nil
}

func (h *httpBackend) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
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
