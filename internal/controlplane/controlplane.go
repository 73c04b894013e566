// Package controlplane is the HTTP client side of the control-plane API
// (spec §6): poll for a job, claim it, report completion. It is
// deliberately thin — the control plane itself is an external
// collaborator, not something this repository implements.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/oriys/sandboxd/internal/runnererr"
)

// ExecutionContext is the immutable job input returned by Claim (spec §3).
type ExecutionContext struct {
	RunID                string           `json:"runId"`
	UserID               string           `json:"userId"`
	SandboxToken         string           `json:"sandboxToken"`
	Prompt               string           `json:"prompt"`
	ApiURL               string           `json:"apiUrl"`
	CliAgentType         string           `json:"cliAgentType"`
	WorkingDir           string           `json:"workingDir"`
	StorageManifest      *StorageManifest `json:"storageManifest,omitempty"`
	Environment          map[string]string `json:"environment,omitempty"`
	SecretValues         map[string]string `json:"secretValues,omitempty"`
	Vars                 map[string]string `json:"vars,omitempty"`
	ResumeSession        string           `json:"resumeSession,omitempty"`
	Artifact             *ArtifactRef     `json:"artifact,omitempty"`
	ExperimentalFirewall bool             `json:"experimentalFirewall,omitempty"`
}

// StorageManifest describes the storages the guest must download (spec §3).
type StorageManifest struct {
	Storages []StorageEntry `json:"storages"`
	Artifact *ArtifactRef   `json:"artifact,omitempty"`
}

// StorageEntry is one mount-path/presigned-URL pair.
type StorageEntry struct {
	MountPath  string `json:"mountPath"`
	ArchiveURL string `json:"archiveUrl"`
}

// ArtifactRef additionally carries the VAS storage identity.
type ArtifactRef struct {
	MountPath      string `json:"mountPath"`
	ArchiveURL     string `json:"archiveUrl"`
	VasStorageName string `json:"vasStorageName,omitempty"`
	VasVersionID   string `json:"vasVersionId,omitempty"`
}

// Client is the control-plane HTTP client, grounded on the teacher's
// NovaClient: same do-then-decode shape, single bearer-token header
// instead of the teacher's API-key/tenant/namespace trio.
type Client struct {
	BaseURL      string
	SandboxToken string
	client       *http.Client
}

// New builds a Client against baseURL, authenticating with the opaque
// sandboxToken every request carries in its Authorization header.
func New(baseURL, sandboxToken string) *Client {
	return &Client{
		BaseURL:      baseURL,
		SandboxToken: sandboxToken,
		client:       &http.Client{},
	}
}

// do issues one request and returns its status code alongside the decoded
// body, so callers can branch on 204/409 without do itself knowing about
// per-endpoint semantics.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SandboxToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.SandboxToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if len(respBody) == 0 {
		return resp.StatusCode, json.RawMessage(`{}`), nil
	}
	return resp.StatusCode, json.RawMessage(respBody), nil
}

// Poll asks for a job in group. ok is false on a 204 (nothing to claim).
func (c *Client) Poll(ctx context.Context, group string) (runID string, ok bool, err error) {
	status, raw, err := c.do(ctx, http.MethodPost, "/runners/poll?group="+group, nil)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNoContent {
		return "", false, nil
	}
	if status >= 400 {
		return "", false, fmt.Errorf("poll failed (%d): %s", status, string(raw))
	}

	var payload struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false, fmt.Errorf("decode poll response: %w", err)
	}
	if payload.RunID == "" {
		return "", false, nil
	}
	return payload.RunID, true, nil
}

// Claim claims runID, returning the ExecutionContext another runner has
// not yet claimed it. A 409 means it lost the race.
func (c *Client) Claim(ctx context.Context, runID string) (*ExecutionContext, error) {
	status, raw, err := c.do(ctx, http.MethodPost, "/runners/claim", map[string]string{"runId": runID})
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, fmt.Errorf("claim %s: %w", runID, runnererr.ErrConflict)
	}
	if status >= 400 {
		return nil, fmt.Errorf("claim failed (%d): %s", status, string(raw))
	}

	var execCtx ExecutionContext
	if err := json.Unmarshal(raw, &execCtx); err != nil {
		return nil, fmt.Errorf("decode execution context: %w", err)
	}
	return &execCtx, nil
}

// Complete reports a finished job. errMsg is omitted from the payload when
// empty.
func (c *Client) Complete(ctx context.Context, runID string, exitCode int, errMsg string) error {
	payload := map[string]any{"runId": runID, "exitCode": exitCode}
	if errMsg != "" {
		payload["error"] = errMsg
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/runners/complete", payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("complete failed (%d): %s", status, string(raw))
	}
	return nil
}
