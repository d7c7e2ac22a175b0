package commitlinesdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitline/internal/app"
	"commitline/internal/config"
	"commitline/internal/fixture"
	"commitline/internal/server"
)

const catalog = `
tenants:
  - id: T1
    offerings:
      - id: O1
        name: Onboarding
        templates:
          - {id: TPL-A, name: Kickoff}
          - {id: TPL-B, name: Handover}
    commitments:
      - id: C1
        status: active
        items:
          - {id: I1, offering_id: O1, quantity: 1}
`

func newClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	cfg.Auth.JWTSecret = "sdk-secret"
	rt, err := app.Open(app.Options{Config: cfg, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	f, err := fixture.Parse([]byte(catalog))
	require.NoError(t, err)
	_, err = fixture.Load(context.Background(), rt.Conn, f, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.IssueToken(cfg.Auth.JWTSecret, "sdk@t1", "T1", time.Hour)
	require.NoError(t, err)
	c := New(srv.URL)
	c.BearerToken = token
	return c
}

func TestOrchestrateAndListDeliverables(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	res, err := c.Orchestrate(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.DeliverablesCreated)
	assert.Equal(t, 1, res.DependenciesCreated)

	again, err := c.Orchestrate(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, "already_generated", again.Reason)

	ds, err := c.Deliverables(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "Kickoff", ds[0].Title)
	assert.Equal(t, "Handover", ds[1].Title)
	assert.Equal(t, 1, ds[1].Metadata.Total)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	c := newClient(t)

	_, err := c.Orchestrate(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	c.BearerToken = ""
	_, err = c.Deliverables(context.Background(), "C1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
