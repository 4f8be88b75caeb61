package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/spam"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
)

type fakeEngine struct{}

func (fakeEngine) InFlight() int             { return 2 }
func (fakeEngine) InFlightSenders() []string { return []string{"ana#1", "maria#1"} }
func (fakeEngine) Processed() int64          { return 17 }
func (fakeEngine) CheckSpam(text string) spam.Result {
	c, err := spam.New(spam.DefaultConfig())
	if err != nil {
		panic(err)
	}
	return c.Check(text)
}

type fakeStore struct {
	limit  int
	resets int
	err    error
}

func (s *fakeStore) ListActivity(_ context.Context, limit int) ([]activity.Record, error) {
	s.limit = limit
	return []activity.Record{{ID: "a1", SenderID: "maria#1", Status: activity.StatusReplied}}, s.err
}

func (s *fakeStore) ListConversations(context.Context) ([]stage.Conversation, error) {
	return []stage.Conversation{{SenderID: "maria#1", Stage: stage.Welcomed}}, s.err
}

func (s *fakeStore) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Conversations: 1, ByStatus: map[string]int{"replied": 3}, TokensSpent: 120}, s.err
}

func (s *fakeStore) Reset(context.Context) (store.ResetResult, error) {
	s.resets++
	return store.ResetResult{Conversations: 4, Turns: 9}, s.err
}

type fakeSources map[string]notify.HealthStatus

func (f fakeSources) HealthAll() map[string]notify.HealthStatus { return f }

func newTestGateway(cfg config.GatewayConfig, st *fakeStore) http.Handler {
	g := New(cfg, Deps{
		Engine:  fakeEngine{},
		Store:   st,
		Sources: fakeSources{"bridge": {Connected: true}, "discord": {}},
		Config:  config.NewHolder(config.DefaultConfig()),
		Bridge: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Version: "test",
	}, nil)
	return g.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAuth(t *testing.T) {
	h := newTestGateway(config.GatewayConfig{AuthToken: "tok"}, &fakeStore{})

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"bridge has its own auth", "/v1/bridge", "", http.StatusTeapot},
		{"missing token", "/api/status", "", http.StatusUnauthorized},
		{"wrong token", "/api/status", "nope", http.StatusUnauthorized},
		{"valid token", "/api/status", "tok", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "", tt.token)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("security headers missing")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	h := newTestGateway(config.GatewayConfig{}, &fakeStore{})
	rec := do(t, h, http.MethodGet, "/api/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	want := map[string]any{"bridge": "connected", "discord": "disconnected"}
	if diff := cmp.Diff(want, body["sources"]); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if body["in_flight"] != float64(2) || body["processed"] != float64(17) {
		t.Errorf("body = %v", body)
	}
	if diff := cmp.Diff([]any{"ana#1", "maria#1"}, body["in_flight_senders"]); diff != "" {
		t.Errorf("in_flight_senders mismatch (-want +got):\n%s", diff)
	}
	ar, _ := body["auto_reply"].(map[string]any)
	if ar["enabled"] != true || ar["tone"] != "friendly" {
		t.Errorf("auto_reply = %v", ar)
	}
}

func TestActivity(t *testing.T) {
	st := &fakeStore{}
	h := newTestGateway(config.GatewayConfig{}, st)

	rec := do(t, h, http.MethodGet, "/api/activity?limit=5000", "", "")
	if rec.Code != http.StatusOK || st.limit != maxActivityLimit {
		t.Fatalf("code %d, limit %d", rec.Code, st.limit)
	}
	if decode(t, rec)["count"] != float64(1) {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/api/activity", "", ""); rec.Code != http.StatusOK || st.limit != defaultActivityLimit {
		t.Errorf("default limit = %d", st.limit)
	}
	if rec := do(t, h, http.MethodGet, "/api/activity?limit=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	st.err = errors.New("disk gone")
	if rec := do(t, h, http.MethodGet, "/api/activity", "", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d", rec.Code)
	}
}

func TestConversationsAndStats(t *testing.T) {
	h := newTestGateway(config.GatewayConfig{}, &fakeStore{})

	rec := do(t, h, http.MethodGet, "/api/conversations", "", "")
	if rec.Code != http.StatusOK || decode(t, rec)["count"] != float64(1) {
		t.Errorf("conversations: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/stats", "", "")
	var st store.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.TokensSpent != 120 || st.ByStatus["replied"] != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReset(t *testing.T) {
	st := &fakeStore{}
	h := newTestGateway(config.GatewayConfig{}, st)

	if rec := do(t, h, http.MethodGet, "/api/reset", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/reset", "", "")
	if rec.Code != http.StatusOK || st.resets != 1 {
		t.Fatalf("code %d, resets %d", rec.Code, st.resets)
	}
	if decode(t, rec)["conversations"] != float64(4) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestSpamCheck(t *testing.T) {
	h := newTestGateway(config.GatewayConfig{}, &fakeStore{})

	rec := do(t, h, http.MethodPost, "/api/spam/check", `{"text":"!!!!!!!!!!!!!!!!!!!!"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res spam.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.IsSpam || len(res.Reasons) == 0 {
		t.Errorf("result = %+v", res)
	}

	for _, body := range []string{`{"text":"  "}`, `not json`} {
		if rec := do(t, h, http.MethodPost, "/api/spam/check", body, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	h := newTestGateway(config.GatewayConfig{CORSOrigins: []string{"https://panel.example.com"}}, &fakeStore{})

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://panel.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://panel.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestCompareTokens(t *testing.T) {
	if !compareTokens("abc", "abc") || compareTokens("abc", "abcd") {
		t.Error("compareTokens mismatch")
	}
}
