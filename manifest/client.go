// Package manifest fetches the server's authoritative document manifest and
// reconciles it against local derived state, producing the plan that drives
// each sync cycle.
package manifest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/internal/httpclient"
	"github.com/loomnotes/loom/store"
)

// Manifest is the server's authoritative view: the current version counter
// per document plus the complete edge list for the authenticated principal.
type Manifest struct {
	ArtifactVersions map[string]int64 `json:"artifact_versions"`
	Edges            []store.Edge     `json:"edges"`
}

// Fetcher abstracts the manifest query for the reconciler and tests.
type Fetcher interface {
	Fetch(ctx context.Context) (*Manifest, error)
}

// Client fetches the manifest over HTTP.
type Client struct {
	http    *httpclient.SaferClient
	baseURL string
	token   string
}

// NewClient creates a manifest client against the given API origin.
func NewClient(httpClient *httpclient.SaferClient, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewSaferClient(30 * time.Second)
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		token:   token,
	}
}

// Fetch retrieves the complete current manifest. There is no pagination;
// the response covers every document the principal can see.
func (c *Client) Fetch(ctx context.Context) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/workspace/manifest", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build manifest request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Wrapf(errors.ErrUnauthorized, "manifest fetch returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Newf("manifest fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest response")
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	if m.ArtifactVersions == nil {
		m.ArtifactVersions = make(map[string]int64)
	}
	return &m, nil
}
