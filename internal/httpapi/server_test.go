package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stagehand-ai/stagehand/internal/config"
	"github.com/stagehand-ai/stagehand/internal/observability"
	"github.com/stagehand-ai/stagehand/internal/persona"
	"github.com/stagehand-ai/stagehand/internal/session"
)

func newTestServer(t *testing.T, metricsPrefix string) (*Server, *session.Manager) {
	t.Helper()
	host := persona.New("host", "Host", "You run the show.", persona.VoiceProfile{VoiceID: "v-host"}, "engine-1", nil)
	reg, err := persona.NewRegistry("host", host)
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(reg, cfg.SessionInactivityTimeout, session.Hooks{}, nil)
	metrics := observability.NewMetrics(metricsPrefix + time.Now().Format("150405_000000000"))
	return New(cfg, sessions, nil, metrics), sessions
}

func TestCreateAndEndSession(t *testing.T) {
	srv, _ := newTestServer(t, "test_httpapi_")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{
		"user_id":    "user-1",
		"persona_id": "host",
	})
	res, err := http.Post(ts.URL+"/v1/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created CreateSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created.PersonaID != "host" {
		t.Fatalf("persona_id = %q, want %q", created.PersonaID, "host")
	}

	endRes, err := http.Post(ts.URL+"/v1/session/"+created.SessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	var ended struct {
		Summary observability.UsageSummary `json:"summary"`
	}
	if err := json.NewDecoder(endRes.Body).Decode(&ended); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if ended.Summary.SessionID != created.SessionID {
		t.Fatalf("summary session = %q, want %q", ended.Summary.SessionID, created.SessionID)
	}
}

func TestCreateSessionWithEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t, "test_httpapi_empty_")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created CreateSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.UserID != "anonymous" {
		t.Fatalf("user_id = %q, want %q", created.UserID, "anonymous")
	}

	// A truncated body is a malformed request, not an empty one.
	badRes, err := http.Post(ts.URL+"/v1/session", "application/json", strings.NewReader(`{"user_id": "u`))
	if err != nil {
		t.Fatalf("truncated request error = %v", err)
	}
	defer badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated body status = %d, want %d", badRes.StatusCode, http.StatusBadRequest)
	}
}

func TestEndUnknownSessionIs404(t *testing.T) {
	srv, _ := newTestServer(t, "test_httpapi_404_")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionUnknownPersona(t *testing.T) {
	srv, _ := newTestServer(t, "test_httpapi_persona_")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"persona_id": "ghost"})
	res, err := http.Post(ts.URL+"/v1/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestWSRequiresKnownSession(t *testing.T) {
	srv, _ := newTestServer(t, "test_httpapi_ws_")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/session/ws?session_id=missing")
	if err != nil {
		t.Fatalf("ws request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, "test_httpapi_health_")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}
