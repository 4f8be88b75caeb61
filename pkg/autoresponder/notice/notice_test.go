package notice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

type recordSink struct {
	mu    sync.Mutex
	got   []Notice
	block chan struct{}
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Deliver(_ context.Context, n Notice) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.got {
		out = append(out, n.Title)
	}
	return out
}

func TestDispatcherDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordSink{}
	d, err := New(Config{Buffer: 4}, nil, rec)
	if err != nil {
		t.Fatal(err)
	}
	d.Start(context.Background())
	d.Infof("Replied", "Replied to %s", "Maria")
	d.Warnf("AI failed", "invalid API key")
	d.Close()

	got := rec.titles()
	if len(got) != 2 || got[0] != "Replied" || got[1] != "AI failed" {
		t.Errorf("delivered %v", got)
	}
	if d.Notify(Notice{Title: "late"}) {
		t.Error("Notify after Close must report false")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordSink{block: make(chan struct{})}
	d, err := New(Config{Buffer: 1}, nil, rec)
	if err != nil {
		t.Fatal(err)
	}
	// Not started: the queue holds exactly one notice.
	if !d.Notify(Notice{Title: "first"}) {
		t.Fatal("first notice must be queued")
	}
	if d.Notify(Notice{Title: "second"}) {
		t.Fatal("second notice must be dropped")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d", d.Dropped())
	}
	d.Start(context.Background())
	close(rec.block)
	d.Close()
	if got := rec.titles(); len(got) != 1 || got[0] != "first" {
		t.Errorf("delivered %v", got)
	}
}

func TestWebhookSink(t *testing.T) {
	var (
		mu  sync.Mutex
		got Notice
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := NewWebhookSink(srv.URL, false, nil); err == nil {
		t.Fatal("loopback webhook must be refused without allowPrivate")
	}
	sink, err := NewWebhookSink(srv.URL, true, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Deliver(context.Background(), Notice{Level: LevelWarn, Title: "AI failed", Message: "timeout"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.Title != "AI failed" || got.Level != LevelWarn {
		t.Errorf("webhook received %+v", got)
	}
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url     string
		private bool
		wantErr bool
	}{
		{"https://hooks.example.com/x", false, false},
		{"ftp://example.com", false, true},
		{"http://127.0.0.1:9000", false, true},
		{"http://10.0.0.5/hook", false, true},
		{"http://localhost/hook", false, true},
		{"http://169.254.169.254/", false, true},
		{"http://127.0.0.1:9000", true, false},
		{"http://", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url, tt.private)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWebhookURL(%q, %v) = %v, wantErr %v", tt.url, tt.private, err, tt.wantErr)
			}
		})
	}
}
