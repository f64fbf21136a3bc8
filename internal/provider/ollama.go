// Package provider talks to the backing inference runtime to load and unload
// models. The runtime keeps a model resident for the keep_alive window of the
// last load request, so refreshing the window is just another load call.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"helmsman/internal/api"
	"helmsman/pkg/logging"
)

// OllamaClient implements api.ModelProvider against an Ollama-compatible
// HTTP endpoint.
type OllamaClient struct {
	endpoint string
	client   *http.Client
}

// NewOllamaClient creates a provider client for the given base endpoint,
// e.g. http://localhost:11434.
func NewOllamaClient(endpoint string) *OllamaClient {
	return &OllamaClient{
		endpoint: endpoint,
		client: &http.Client{
			// Loading a large model from disk can take a while.
			Timeout: 2 * time.Minute,
		},
	}
}

// generateRequest is the subset of the runtime's generate API we use. An
// empty prompt makes the call a pure load: the runtime pages the model in,
// generates nothing, and keeps it resident for keep_alive.
type generateRequest struct {
	Model     string `json:"model"`
	KeepAlive string `json:"keep_alive"`
	Stream    bool   `json:"stream"`
}

// Load asks the runtime to page the model in and keep it resident for the
// keep-alive window. Idempotent: loading an already-resident model just
// refreshes its window.
func (c *OllamaClient) Load(ctx context.Context, modelID string, keepAlive time.Duration) error {
	err := c.generate(ctx, generateRequest{
		Model:     modelID,
		KeepAlive: keepAlive.String(),
		Stream:    false,
	})
	if err != nil {
		return &api.ProviderLoadError{ModelID: modelID, Err: err}
	}
	logging.Debug("Provider", "Model %s loaded, keep-alive %s", modelID, keepAlive)
	return nil
}

// Unload asks the runtime to release the model immediately. A keep-alive of
// zero tells the runtime to evict right after the (empty) request completes.
func (c *OllamaClient) Unload(ctx context.Context, modelID string) error {
	err := c.generate(ctx, generateRequest{
		Model:     modelID,
		KeepAlive: "0",
		Stream:    false,
	})
	if err != nil {
		return &api.ProviderLoadError{ModelID: modelID, Err: err}
	}
	logging.Debug("Provider", "Model %s unloaded", modelID)
	return nil
}

func (c *OllamaClient) generate(ctx context.Context, reqBody generateRequest) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("runtime answered %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
