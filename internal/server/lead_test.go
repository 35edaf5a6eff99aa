package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davanti/abtrack/internal/lead"
	"github.com/davanti/abtrack/internal/logger"
	"github.com/davanti/abtrack/internal/server"
)

func TestLead_TestMode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/leads",
		map[string]string{"name": "Ana Souza", "phone": "(11) 98765-4321", "section": "hero"},
		map[string]string{"Origin": testOrigin})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "test", body["mode"])
	assert.Zero(t, env.count(t), "lead relay never writes tracking events")
}

func TestLead_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/leads", map[string]string{"name": "A", "phone": "11987654321"}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, lead.ErrNameTooShort.Error(), body["error"])
}

func TestLead_OriginForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/leads",
		map[string]string{"name": "Ana", "phone": "11987654321"},
		map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLead_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]string{"name": "Ana", "phone": "11987654321"}

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/leads", body, nil).Code)
	}
	rec := env.do(http.MethodPost, "/api/leads", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	out := decode(t, rec)
	assert.Equal(t, false, out["success"], "throttled leads keep the lead response shape")
	assert.Equal(t, "Too many requests", out["error"])
}

func TestLead_RelaysToCRM(t *testing.T) {
	var got map[string]any
	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer crm.Close()

	env := newTestEnv(t, func(o *server.Options) {
		o.Relay = lead.New(lead.Config{APIURL: crm.URL, APIToken: "tok", Timeout: time.Second, DefaultSource: "Site Davanti"}, logger.NewNop())
	})

	rec := env.do(http.MethodPost, "/api/leads", map[string]string{"name": " Ana ", "phone": "11987654321", "section": "footer"}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "live", body["mode"])
	assert.Equal(t, map[string]any{"ok": true}, body["data"])
	assert.Equal(t, "Ana", got["name"])
	assert.Equal(t, map[string]any{"source": "Site Davanti", "section": "footer"}, got["extra_fields"])
}

func TestLead_CRMFailure(t *testing.T) {
	crm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer crm.Close()

	env := newTestEnv(t, func(o *server.Options) {
		o.Relay = lead.New(lead.Config{APIURL: crm.URL, APIToken: "tok", Timeout: time.Second}, logger.NewNop())
	})

	rec := env.do(http.MethodPost, "/api/leads", map[string]string{"name": "Ana", "phone": "11987654321"}, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}
