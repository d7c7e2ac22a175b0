package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitline/internal/config"
	"commitline/internal/db"
	"commitline/internal/engine"
	"commitline/internal/events"
	"commitline/internal/fixture"
	"commitline/internal/metrics"
	"commitline/internal/migrate"
)

const testSecret = "test-secret"

const catalog = `
tenants:
  - id: T1
    offerings:
      - id: O1
        name: Solar kit
        templates:
          - {id: TPL-A, name: Installation}
          - {id: TPL-B, name: Training}
    commitments:
      - id: C1
        status: active
        items:
          - {id: I1, offering_id: O1, quantity: 2}
      - id: C-DRAFT
        status: draft
      - id: C-BAD
        status: active
        items:
          - id: I-BAD
            offering_id: O1
            metadata: {deliverable_overrides: {TPL-A: {quantity: 1.5}}}
  - id: T2
    commitments:
      - id: C2
        status: active
`

type testEnv struct {
	srv    *httptest.Server
	engine engine.Engine
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	f, err := fixture.Parse([]byte(catalog))
	require.NoError(t, err)
	_, err = fixture.Load(context.Background(), conn, f, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e := engine.New(conn, config.Default())
	e.Metrics = metrics.New(reg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: secret}, Gatherer: reg})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testEnv{srv: srv, engine: e, reg: reg}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestOrchestrateEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	status, body := env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "T1", body["tenant_id"])
	assert.Equal(t, "C1", body["commitment_id"])
	assert.EqualValues(t, 4, body["deliverables_created"])
	assert.EqualValues(t, 3, body["dependencies_created"])
	assert.NotEmpty(t, body["run_id"])
	assert.Nil(t, body["skipped"])

	status, body = env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "already_generated", body["reason"])
	assert.Nil(t, body["deliverables_created"])

	status, body = env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C-DRAFT"}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "not_active", body["reason"])
}

func TestOrchestrateEndpointErrors(t *testing.T) {
	env := newTestEnv(t, "")

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing id", map[string]string{}, http.StatusBadRequest, "invalid_input"},
		{"blank id", map[string]string{"commitment_id": "   "}, http.StatusBadRequest, "invalid_input"},
		{"unknown", map[string]string{"commitment_id": "nope"}, http.StatusNotFound, "not_found"},
		{"bad overrides", map[string]string{"commitment_id": "C-BAD"}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/v1/orchestrations", tc.body, "")
			assert.Equal(t, tc.status, status, body)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tc.code, body["error"])
		})
	}
}

func TestCommitmentViews(t *testing.T) {
	env := newTestEnv(t, "")

	status, _ := env.do(t, http.MethodGet, "/v1/commitments/C1/run", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, "")
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/v1/commitments/C1/deliverables", nil, "")
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 4)
	first := items[0].(map[string]any)
	assert.Equal(t, "Installation (1/2)", first["title"])
	assert.Equal(t, "planned", first["status"])

	status, body = env.do(t, http.MethodGet, "/v1/commitments/C1/dependencies", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 3)

	status, body = env.do(t, http.MethodGet, "/v1/commitments/C1/events", nil, "")
	require.Equal(t, http.StatusOK, status)
	evs := body["items"].([]any)
	require.Len(t, evs, 5)
	last := evs[4].(map[string]any)
	assert.Equal(t, events.DeliverablesGenerated, last["type"])
	assert.EqualValues(t, 4, last["payload"].(map[string]any)["deliverables"])

	status, body = env.do(t, http.MethodGet, "/v1/commitments/C1/run", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["status"])

	status, body = env.do(t, http.MethodGet, "/v1/commitments/C2/deliverables", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["items"])
}

func TestAuthScopesTenant(t *testing.T) {
	env := newTestEnv(t, testSecret)

	status, body := env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	status, _ = env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, status)

	other, err := IssueToken(testSecret, "ops@t2", "T2", time.Hour)
	require.NoError(t, err)
	status, body = env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, other)
	assert.Equal(t, http.StatusNotFound, status, "other tenants' commitments are invisible")
	status, _ = env.do(t, http.MethodGet, "/v1/commitments/C1/deliverables", nil, other)
	assert.Equal(t, http.StatusNotFound, status)

	token, err := IssueToken(testSecret, "ops@t1", "T1", time.Hour)
	require.NoError(t, err)
	status, body = env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, token)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 4, body["deliverables_created"])

	status, body = env.do(t, http.MethodGet, "/v1/commitments/C1/events", nil, token)
	require.Equal(t, http.StatusOK, status)
	for _, item := range body["items"].([]any) {
		assert.Equal(t, "ops@t1", item.(map[string]any)["actor_id"])
	}

	status, _ = env.do(t, http.MethodGet, "/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, status, "health is public")

	expired, err := IssueToken(testSecret, "ops@t1", "T1", -time.Minute)
	require.NoError(t, err)
	status, _ = env.do(t, http.MethodGet, "/v1/commitments/C1/run", nil, expired)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthMetricsAndOpenAPI(t *testing.T) {
	env := newTestEnv(t, "")

	status, body := env.do(t, http.MethodGet, "/v1/health", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])

	env.do(t, http.MethodPost, "/v1/orchestrations", map[string]string{"commitment_id": "C1"}, "")

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), `commitline_orchestration_runs_total{outcome="success"} 1`)
	assert.Contains(t, string(raw), `commitline_deliverables_created_total 4`)

	status, body = env.do(t, http.MethodGet, "/v1/openapi.json", nil, "")
	require.Equal(t, http.StatusOK, status)
	paths := body["paths"].(map[string]any)
	assert.Contains(t, paths, "/v1/orchestrations")
	assert.Contains(t, paths, "/v1/commitments/{commitment_id}/deliverables")
}

func TestRelayDeliversNewEvents(t *testing.T) {
	env := newTestEnv(t, "")

	var mu sync.Mutex
	var received []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	relay := NewRelay(env.engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{events.DeliverablesGenerated},
		Secret: "s3cret",
	}}, nil)
	ctx := context.Background()
	relay.DispatchAll(ctx)

	_, err := env.engine.Orchestrate(ctx, engine.OrchestrateOptions{CommitmentID: "C1"})
	require.NoError(t, err)
	relay.DispatchAll(ctx)
	relay.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, events.DeliverablesGenerated, received[0].Type)
	assert.Equal(t, "T1", received[0].TenantID)
	assert.Equal(t, "C1", received[0].SubjectID)
	assert.Equal(t, events.DeliverablesGenerated, headers[0].Get("X-Commitline-Event"))
	assert.Equal(t, "T1", headers[0].Get("X-Commitline-Tenant"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Commitline-Secret"))
	assert.NotEmpty(t, headers[0].Get("X-Commitline-Delivery"))
}

func TestRelayRetriesFailedDelivery(t *testing.T) {
	env := newTestEnv(t, "")

	var mu sync.Mutex
	attempts := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	relay := NewRelay(env.engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{events.DeliverablesGenerated}}}, nil)
	ctx := context.Background()
	relay.DispatchAll(ctx)
	_, err := env.engine.Orchestrate(ctx, engine.OrchestrateOptions{CommitmentID: "C1"})
	require.NoError(t, err)

	relay.DispatchAll(ctx)
	relay.DispatchAll(ctx)
	relay.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func insertEventWithID(t *testing.T, env *testEnv, id int64, subjectID string) {
	t.Helper()
	conn := env.engine.DB
	_, err := conn.Exec(conn.Dialect.Rebind(`INSERT INTO events(id,ts,tenant_id,subject_kind,subject_id,type,actor_id,payload_json) VALUES(?,?,?,?,?,?,?,?)`),
		id, "2024-03-01T09:00:00Z", "T1", events.SubjectCommitment, subjectID, events.DeliverablesGenerated, nil, "{}")
	require.NoError(t, err)
}

func TestRelayDeliversEventsCommittedOutOfOrder(t *testing.T) {
	env := newTestEnv(t, "")

	var mu sync.Mutex
	var received []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	relay := NewRelay(env.engine.Repo, []config.WebhookConfig{{URL: hook.URL}}, nil)
	relay.now = func() time.Time { return clock }
	ctx := context.Background()
	relay.DispatchAll(ctx)
	base := relay.cursors[0].settled

	// A later transaction commits first; the earlier one lands afterwards.
	insertEventWithID(t, env, base+5, "C-LATER")
	relay.DispatchAll(ctx)
	insertEventWithID(t, env, base+2, "C-EARLIER")
	relay.DispatchAll(ctx)
	relay.DispatchAll(ctx)

	mu.Lock()
	assert.Equal(t, []int64{base + 5, base + 2}, received)
	mu.Unlock()
	assert.Equal(t, base, relay.cursors[0].settled)

	clock = clock.Add(defaultWebhookSettle)
	relay.DispatchAll(ctx)
	cur := relay.cursors[0]
	assert.Equal(t, base+5, cur.settled)
	assert.Empty(t, cur.gaps)
	assert.Empty(t, cur.done)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 2)
}

func TestHookCursorAdvance(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	cur := newHookCursor(10)
	cur.mark(11, now)
	cur.mark(14, now)
	assert.Empty(t, cur.advance(now, time.Minute))
	assert.Equal(t, int64(11), cur.settled)
	assert.True(t, cur.handled(14))
	assert.False(t, cur.handled(12))

	cur.mark(12, now)
	assert.Empty(t, cur.advance(now.Add(30*time.Second), time.Minute))
	assert.Equal(t, int64(12), cur.settled)

	assert.Equal(t, []int64{13}, cur.advance(now.Add(time.Minute), time.Minute))
	assert.Equal(t, int64(14), cur.settled)
	assert.Equal(t, cur.settled, cur.high)
}

func TestRelayKeepsFailedLateEventPastSettleWindow(t *testing.T) {
	env := newTestEnv(t, "")

	var mu sync.Mutex
	var received []int64
	down := true
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if down && evt.SubjectID == "C-EARLIER" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		received = append(received, evt.ID)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	relay := NewRelay(env.engine.Repo, []config.WebhookConfig{{URL: hook.URL}}, nil)
	relay.now = func() time.Time { return clock }
	ctx := context.Background()
	relay.DispatchAll(ctx)
	base := relay.cursors[0].settled

	insertEventWithID(t, env, base+3, "C-LATER")
	relay.DispatchAll(ctx)
	insertEventWithID(t, env, base+1, "C-EARLIER")
	clock = clock.Add(2 * defaultWebhookSettle)
	relay.DispatchAll(ctx)
	assert.Equal(t, base, relay.cursors[0].settled)

	mu.Lock()
	down = false
	mu.Unlock()
	relay.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{base + 3, base + 1}, received)
	assert.Equal(t, base+3, relay.cursors[0].settled)
}
