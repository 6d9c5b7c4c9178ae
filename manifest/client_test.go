package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/internal/httpclient"
)

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workspace/manifest", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"artifact_versions": {"a": 1, "b": 7},
			"edges": [{"source_id": "a", "target_id": "b", "label": "ref"}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(httpclient.WrapClient(srv.Client()), srv.URL, "tok")
	m, err := c.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.ArtifactVersions["a"])
	assert.Equal(t, int64(7), m.ArtifactVersions["b"])
	require.Len(t, m.Edges, 1)
	assert.Equal(t, "a", m.Edges[0].SourceID)
}

func TestClient_FetchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(httpclient.WrapClient(srv.Client()), srv.URL, "stale-token")
	_, err := c.Fetch(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestClient_FetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(httpclient.WrapClient(srv.Client()), srv.URL, "")
	_, err := c.Fetch(context.Background())
	assert.Error(t, err)
}
