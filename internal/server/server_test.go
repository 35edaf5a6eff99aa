package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davanti/abtrack/internal/guard"
	"github.com/davanti/abtrack/internal/server"
	"github.com/davanti/abtrack/internal/signing"
	"github.com/davanti/abtrack/internal/store"
	"github.com/davanti/abtrack/internal/testutil"
)

const (
	testSecret   = "test-hmac-secret"
	testPassword = "s3cret-admin"
	testOrigin   = "https://davanti.example"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	srv    *server.Server
	store  *store.SQLiteStore
	signer *signing.Signer
	clock  *fakeClock
}

func newTestEnv(t *testing.T, mutate ...func(*server.Options)) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	st := testutil.SetupTestStore(t)
	signer := signing.NewSigner(testSecret, signing.DefaultMaxSkew)

	opts := server.Options{
		Store:          st,
		Signer:         signer,
		Guards:         guard.NewMemoryGuards(guard.DefaultLimits(), clock.Now),
		HMACSecret:     testSecret,
		AdminPassword:  testPassword,
		AllowedOrigins: []string{testOrigin + "/"},
		Now:            clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}

	srv, err := server.New(opts)
	require.NoError(t, err)

	return &testEnv{srv: srv, store: st, signer: signer, clock: clock}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signed(eventType, variant, section string, ts int64) map[string]any {
	p := e.signer.SignPayload(signing.Payload{
		EventType: eventType,
		Variant:   variant,
		Section:   section,
		Timestamp: ts,
	})
	body := map[string]any{
		"event_type": p.EventType,
		"variant":    p.Variant,
		"timestamp":  p.Timestamp,
		"signature":  p.Signature,
	}
	if section != "" {
		body["section"] = section
	}
	return body
}

func (e *testEnv) count(t *testing.T) int64 {
	t.Helper()
	n, err := e.store.CountEvents(context.Background())
	require.NoError(t, err)
	return n
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := server.New(server.Options{})
	assert.Error(t, err)
}

func TestTrack_SignedEventAccepted(t *testing.T) {
	env := newTestEnv(t)
	ts := env.clock.Now().UnixMilli()

	rec := env.do(http.MethodPost, "/api/track", env.signed("whatsapp_click", "whatsapp", "hero", ts),
		map[string]string{"Origin": testOrigin})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	events, err := env.store.EventsSince(context.Background(), env.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "hero", *events[0].Section)
	assert.True(t, events[0].CreatedAt.Equal(env.clock.Now()), "server assigns created_at")
}

func TestTrack_NullSection(t *testing.T) {
	env := newTestEnv(t)
	body := env.signed("form_submit", "form", "", env.clock.Now().UnixMilli())
	body["section"] = nil

	rec := env.do(http.MethodPost, "/api/track", body, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), env.count(t))
}

func TestTrack_DuplicateSuppressed(t *testing.T) {
	env := newTestEnv(t)
	body := env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli())

	first := env.do(http.MethodPost, "/api/track", body, nil)
	second := env.do(http.MethodPost, "/api/track", body, nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, int64(1), env.count(t), "exactly one event persisted")
}

func TestTrack_DuplicateWindowExpires(t *testing.T) {
	env := newTestEnv(t)
	ts := env.clock.Now().UnixMilli()
	body := env.signed("whatsapp_click", "whatsapp", "hero", ts)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/track", body, nil).Code)

	// Past the dedup window the same payload is also past the freshness
	// window, so a replay is rejected as expired instead.
	env.clock.Advance(5*time.Minute + time.Millisecond)
	rec := env.do(http.MethodPost, "/api/track", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(1), env.count(t))
}

func TestTrack_SignatureFailures(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now().UnixMilli()

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"tampered variant", func(b map[string]any) { b["variant"] = "form" }},
		{"tampered section", func(b map[string]any) { b["section"] = "footer" }},
		{"wrong signature", func(b map[string]any) { b["signature"] = strings.Repeat("0", 64) }},
		{"missing signature", func(b map[string]any) { delete(b, "signature") }},
		{"stale timestamp", func(b map[string]any) { b["timestamp"] = now - 300001 }},
		{"future timestamp", func(b map[string]any) { b["timestamp"] = now + 300001 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := env.signed("whatsapp_click", "whatsapp", "hero", now)
			tt.mutate(body)

			rec := env.do(http.MethodPost, "/api/track", body, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
		})
	}
	assert.Zero(t, env.count(t))
}

func TestTrack_FreshnessBoundary(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now().UnixMilli()

	rec := env.do(http.MethodPost, "/api/track", env.signed("form_submit", "form", "hero", now-299999), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/track", env.signed("form_submit", "form", "hero", now-300001), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTrack_InjectionRejected(t *testing.T) {
	env := newTestEnv(t)
	body := env.signed("whatsapp_click", "whatsapp", "hero; DROP TABLE", env.clock.Now().UnixMilli())

	rec := env.do(http.MethodPost, "/api/track", body, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid section format", decode(t, rec)["error"])
	assert.Zero(t, env.count(t), "nothing persisted")
}

func TestTrack_InvalidFields(t *testing.T) {
	env := newTestEnv(t)
	now := env.clock.Now().UnixMilli()

	for _, tc := range []struct{ eventType, variant, section string }{
		{"page_view", "whatsapp", "hero"},
		{"whatsapp_click", "phone", "hero"},
		{"whatsapp_click", "whatsapp", strings.Repeat("a", 51)},
	} {
		rec := env.do(http.MethodPost, "/api/track", env.signed(tc.eventType, tc.variant, tc.section, now), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%+v", tc)
	}
	assert.Zero(t, env.count(t))
}

func TestTrack_MalformedJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/track", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrack_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"event_type":"` + strings.Repeat("a", 5000) + `"}`

	rec := env.do(http.MethodPost, "/api/track", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTrack_OriginForbidden(t *testing.T) {
	env := newTestEnv(t)
	body := env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli())

	rec := env.do(http.MethodPost, "/api/track", body, map[string]string{"Origin": "https://evil.example"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"),
		"disallowed origins get the first allowed origin")
	assert.Zero(t, env.count(t))
}

func TestTrack_OriginPrefixMatch(t *testing.T) {
	env := newTestEnv(t)
	body := env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli())

	rec := env.do(http.MethodPost, "/api/track", body, map[string]string{"Origin": testOrigin + ".br"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrack_RateLimitBoundaryAndReset(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		body := env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli()-int64(i))
		rec := env.do(http.MethodPost, "/api/track", body, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	body := env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli()-100)
	rec := env.do(http.MethodPost, "/api/track", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	env.clock.Advance(61 * time.Second)
	body = env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli())
	rec = env.do(http.MethodPost, "/api/track", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "window reset")
	assert.Equal(t, int64(11), env.count(t))
}

func TestTrack_RateLimitPerClient(t *testing.T) {
	env := newTestEnv(t, func(o *server.Options) { o.TrustProxyHeaders = true })

	for i := 0; i < 10; i++ {
		body := env.signed("form_submit", "form", "", env.clock.Now().UnixMilli()-int64(i))
		env.do(http.MethodPost, "/api/track", body, map[string]string{"X-Forwarded-For": "198.51.100.1"})
	}

	body := env.signed("form_submit", "form", "", env.clock.Now().UnixMilli()-50)
	rec := env.do(http.MethodPost, "/api/track", body, map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBeacon_TextPlainAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/track/beacon",
		`{"event_type":"form_submit","variant":"form","section":"footer"}`,
		map[string]string{"Content-Type": "text/plain;charset=UTF-8"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), env.count(t))
}

func TestBeacon_NoDedup(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"event_type": "form_submit", "variant": "form"}

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/track/beacon", body, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/track/beacon", body, nil).Code)
	assert.Equal(t, int64(2), env.count(t))
}

func TestBeacon_Rejections(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/track/beacon", `<xml/>`, map[string]string{"Content-Type": "application/xml"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/track/beacon",
		`{"event_type":"form_submit","variant":"form","section":"hero; DROP TABLE"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/track/beacon", `{"variant":"form"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing required fields", decode(t, rec)["error"])

	assert.Zero(t, env.count(t))
}

func TestBeacon_RateLimit(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"event_type": "whatsapp_click", "variant": "whatsapp"}

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/track/beacon", body, nil).Code)
	}
	rec := env.do(http.MethodPost, "/api/track/beacon", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/track", "/api/track/beacon", "/api/stats", "/api/leads"} {
		rec := env.do(http.MethodOptions, path, nil, map[string]string{"Origin": testOrigin})
		assert.Equal(t, http.StatusNoContent, rec.Code, path)
		assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST", path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/track", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/track/beacon", map[string]any{"event_type": "form_submit", "variant": "form"}, nil)
	env.clock.Advance(90 * time.Second)

	rec := env.do(http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.InDelta(t, 1, body["total_events"], 0)
	assert.InDelta(t, 90, body["uptime_seconds"], 0)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/track/beacon", map[string]any{"event_type": "form_submit", "variant": "form"}, nil)
	env.do(http.MethodPost, "/api/track", "{", nil)

	rec := env.do(http.MethodGet, "/metrics", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `abtrack_events_accepted_total{event_type="form_submit",path="beacon",variant="form"} 1`)
	assert.Contains(t, rec.Body.String(), `abtrack_events_rejected_total{path="track",reason="invalid"} 1`)
}

// flakyStore fails the first failures writes, then delegates.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) RecordEvent(ctx context.Context, e *store.Event) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.RecordEvent(ctx, e)
}

func withFlakyStore(failures int) func(*server.Options) {
	return func(o *server.Options) {
		o.Store = &flakyStore{Store: o.Store, failures: failures}
	}
}

func TestTrack_StorageFailureCanBeRetried(t *testing.T) {
	env := newTestEnv(t, withFlakyStore(1))
	body := env.signed("whatsapp_click", "whatsapp", "hero", env.clock.Now().UnixMilli())

	first := env.do(http.MethodPost, "/api/track", body, nil)
	require.Equal(t, http.StatusInternalServerError, first.Code, first.Body.String())
	assert.Equal(t, int64(0), env.count(t), "nothing written on failure")

	second := env.do(http.MethodPost, "/api/track", body, nil)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, int64(1), env.count(t))

	third := env.do(http.MethodPost, "/api/track", body, nil)
	assert.Equal(t, http.StatusConflict, third.Code, "stored payload is a duplicate again")
	assert.Equal(t, int64(1), env.count(t))
}

func TestBeacon_StorageFailure(t *testing.T) {
	env := newTestEnv(t, withFlakyStore(1))
	body := map[string]any{"event_type": "form_submit", "variant": "form", "section": "footer"}

	rec := env.do(http.MethodPost, "/api/track/beacon", body, map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.Equal(t, "Failed to save event", decode(t, rec)["error"])
	assert.Equal(t, int64(0), env.count(t))

	rec = env.do(http.MethodPost, "/api/track/beacon", body, map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), env.count(t))
}
