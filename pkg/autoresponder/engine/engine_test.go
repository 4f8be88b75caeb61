package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/delivery"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/guard"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/reply"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/textgen"
)

const app = "com.whatsapp"

// outbox records inline replies.
type outbox struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (o *outbox) Reply(_ context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, text)
	return nil
}

func (o *outbox) messages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sent...)
}

type harness struct {
	store  *store.Store
	holder *config.Holder
	engine *Engine
}

func newHarness(t *testing.T, mutate func(*config.Config), completer reply.Completer) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "engine.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.AutoReply.DelayMinSeconds = 0
	cfg.AutoReply.DelayMaxSeconds = 0
	if mutate != nil {
		mutate(cfg)
	}
	holder := config.NewHolder(cfg)

	adapter := learning.NewAdapter(st, cfg.Learning, nil)
	eng, err := New(Deps{
		Config:    holder,
		Guard:     guard.New(),
		Stages:    stage.NewTracker(st, nil),
		Generator: reply.NewGenerator(completer, adapter, nil),
		Delivery:  delivery.NewCoordinator(cfg.Delivery, nil, nil),
		Journal:   activity.NewJournal(st, nil),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{store: st, holder: holder, engine: eng}
}

func posted(title, text string, box *outbox) *notify.Posted {
	p := &notify.Posted{ID: "n1", SourceApp: app, Title: title, Text: text, PostedAt: time.Now()}
	if box != nil {
		p.Replier = box
	}
	return p
}

func (h *harness) lastActivity(t *testing.T) activity.Record {
	t.Helper()
	recs, err := h.store.ListActivity(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("activity records = %d, want 1", len(recs))
	}
	return recs[0]
}

func TestNewSenderGetsWelcome(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.AutoReply.Pools.Welcome = []string{"Hi! Is the bike still available?"}
	}, nil)
	box := &outbox{}

	out := h.engine.Handle(context.Background(), posted("Maria Souza", "Hello there", box))

	if out.Status != activity.StatusReplied || out.Stage != stage.Welcomed {
		t.Fatalf("outcome = %+v", out)
	}
	if got := box.messages(); len(got) != 1 || got[0] != "Hi! Is the bike still available?" {
		t.Fatalf("sent = %q", got)
	}
	conv, err := h.store.GetConversation(context.Background(), notify.Identity("Maria Souza", app))
	if err != nil {
		t.Fatal(err)
	}
	if conv.Stage != stage.Welcomed || conv.InteractionCount != 1 {
		t.Errorf("conversation = %+v", conv)
	}
	rec := h.lastActivity(t)
	if rec.Status != activity.StatusReplied || rec.Stage != 1 || rec.Provenance != string(reply.FromTemplate) {
		t.Errorf("activity = %+v", rec)
	}
	if h.engine.InFlight() != 0 {
		t.Error("guard entry leaked")
	}
}

func TestCompletedSenderIsIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	id := notify.Identity("Maria", app)
	if err := h.store.UpsertConversation(ctx, &stage.Conversation{
		SenderID: id, DisplayName: "Maria", SourceApp: app,
		Stage: stage.ContactShared, InteractionCount: 3,
		LastRepliedAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	box := &outbox{}

	out := h.engine.Handle(ctx, posted("Maria", "still there?", box))

	if out.Status != activity.StatusIgnored || out.Reason != stage.ReasonCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if len(box.messages()) != 0 {
		t.Error("no reply expected")
	}
	rec := h.lastActivity(t)
	if rec.Status != activity.StatusIgnored || rec.Reason != "All stages completed" {
		t.Errorf("activity = %+v", rec)
	}
	conv, _ := h.store.GetConversation(ctx, id)
	if conv.Stage != stage.ContactShared || conv.InteractionCount != 3 {
		t.Errorf("conversation changed: %+v", conv)
	}
}

func TestSpamIsRecorded(t *testing.T) {
	h := newHarness(t, nil, nil)
	box := &outbox{}

	out := h.engine.Handle(context.Background(), posted("Joao", strings.Repeat("!", 20), box))

	if out.Status != activity.StatusSpam {
		t.Fatalf("outcome = %+v", out)
	}
	if len(box.messages()) != 0 {
		t.Error("no reply expected for spam")
	}
	rec := h.lastActivity(t)
	if rec.Status != activity.StatusSpam || rec.Reason == "" {
		t.Errorf("activity = %+v", rec)
	}
	if _, err := h.store.GetConversation(context.Background(), notify.Identity("Joao", app)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("conversation must not exist, got %v", err)
	}
}

func TestSpamFilterDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AutoReply.SpamFilter = false }, nil)
	box := &outbox{}

	out := h.engine.Handle(context.Background(), posted("Joao", strings.Repeat("!", 20), box))
	if out.Status != activity.StatusReplied {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestAIFailureFallsBackToTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, func(c *config.Config) {
		c.AutoReply.AIEnabled = true
		c.API.APIKey = "sk-wrong"
		c.AutoReply.Pools.Welcome = []string{"Hello! Still for sale?"}
	}, textgen.New(textgen.Config{BaseURL: srv.URL + "/v1"}, nil))
	box := &outbox{}

	out := h.engine.Handle(context.Background(), posted("Ana", "hi, the sofa is available", box))

	if out.Status != activity.StatusAIFailed {
		t.Fatalf("outcome = %+v", out)
	}
	if got := box.messages(); len(got) != 1 || got[0] != "Hello! Still for sale?" {
		t.Fatalf("sent = %q", got)
	}
	rec := h.lastActivity(t)
	if rec.Status != activity.StatusAIFailed || !strings.Contains(rec.Error, "invalid API key") {
		t.Errorf("activity = %+v", rec)
	}
	// A templated fallback still counts as a delivered reply.
	if cur, _ := stage.NewTracker(h.store, nil).Current(context.Background(), notify.Identity("Ana", app)); cur != stage.Welcomed {
		t.Errorf("stage = %v, want welcomed", cur)
	}
}

func TestDeliveryFailureKeepsStage(t *testing.T) {
	h := newHarness(t, nil, nil)
	box := &outbox{err: errors.New("remote input gone")}

	out := h.engine.Handle(context.Background(), posted("Carla", "hello", box))

	if out.Status != activity.StatusError {
		t.Fatalf("outcome = %+v", out)
	}
	rec := h.lastActivity(t)
	if !strings.Contains(rec.Error, delivery.ErrNoChannel.Error()) {
		t.Errorf("activity error = %q", rec.Error)
	}
	if _, err := h.store.GetConversation(context.Background(), notify.Identity("Carla", app)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stage must not advance on failed delivery, got %v", err)
	}
}

func aiServer(t *testing.T, text string) *textgen.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"`+text+`"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	t.Cleanup(srv.Close)
	return textgen.New(textgen.Config{BaseURL: srv.URL + "/v1"}, nil)
}

func TestMemoryRecordedOnlyAfterDelivery(t *testing.T) {
	const generated = "Hi! Can I pick it up tomorrow?"
	tests := []struct {
		name      string
		sendErr   error
		wantTurns int
		wantMark  bool
	}{
		{"delivered", nil, 2, true},
		{"not delivered", errors.New("remote input gone"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) {
				c.AutoReply.AIEnabled = true
				c.API.APIKey = "sk-test"
			}, aiServer(t, generated))
			ctx := context.Background()
			id := notify.Identity("Lia", app)

			h.engine.Handle(ctx, posted("Lia", "is the desk available?", &outbox{err: tt.sendErr}))

			turns, err := h.store.RecentTurns(ctx, id, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(turns) != tt.wantTurns {
				t.Errorf("turns = %d, want %d", len(turns), tt.wantTurns)
			}
			marked, err := h.store.HasMark(ctx, id, learning.Fingerprint(generated))
			if err != nil {
				t.Fatal(err)
			}
			if marked != tt.wantMark {
				t.Errorf("marked = %v, want %v", marked, tt.wantMark)
			}
		})
	}
}

func TestStagesProgressUntilCompleted(t *testing.T) {
	h := newHarness(t, nil, nil)
	box := &outbox{}
	ctx := context.Background()

	want := []activity.Status{
		activity.StatusReplied, activity.StatusReplied, activity.StatusReplied, activity.StatusIgnored,
	}
	for i, w := range want {
		out := h.engine.Handle(ctx, posted("Rita", "message", box))
		if out.Status != w {
			t.Fatalf("cycle %d: status = %s, want %s", i+1, out.Status, w)
		}
	}
	if n := len(box.messages()); n != 3 {
		t.Errorf("replies sent = %d, want 3", n)
	}
	if h.engine.Processed() != 4 {
		t.Errorf("Processed() = %d, want 4", h.engine.Processed())
	}
}

func TestFilteredAndDisabled(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	out := h.engine.Handle(ctx, &notify.Posted{SourceApp: "com.android.systemui", Title: "Battery", Text: "low"})
	if out.Status != "" || out.Reason != notify.RejectApp {
		t.Errorf("foreign app outcome = %+v", out)
	}
	out = h.engine.Handle(ctx, posted("WhatsApp", "2 new messages", nil))
	if out.Status != "" || out.Reason != notify.RejectTitle {
		t.Errorf("generic title outcome = %+v", out)
	}

	if err := h.holder.Update(func(c *config.Config) {
		c.AutoReply.Enabled = false
		c.AutoReply.DelayMinSeconds = 1
		c.AutoReply.DelayMaxSeconds = 1
	}); err != nil {
		t.Fatal(err)
	}
	out = h.engine.Handle(ctx, posted("Maria", "hi", &outbox{}))
	if out.Reason != ReasonDisabled {
		t.Errorf("disabled outcome = %+v", out)
	}
	recs, _ := h.store.ListActivity(ctx, 10)
	if len(recs) != 0 {
		t.Errorf("filtered events must not be journaled, got %d", len(recs))
	}
}

// Fakes for the concurrency tests; they avoid goroutines owned by
// database/sql and net/http so goleak sees only the engine.

type memActivity struct {
	mu   sync.Mutex
	recs map[string]activity.Outcome
}

func (m *memActivity) InsertActivity(_ context.Context, r *activity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = map[string]activity.Outcome{}
	}
	m.recs[r.ID] = activity.Outcome{Status: activity.StatusPending}
	return nil
}

func (m *memActivity) FinishActivity(_ context.Context, id string, o activity.Outcome, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id] = o
	return nil
}

func (m *memActivity) count(s activity.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.recs {
		if o.Status == s {
			n++
		}
	}
	return n
}

type memStages struct{}

func (memStages) Current(context.Context, string) (stage.Stage, error)  { return stage.New, nil }
func (memStages) Advance(context.Context, stage.Subject, stage.Stage) error { return nil }

// slowDelivery blocks until released, then reports a direct reply.
type slowDelivery struct {
	gate    chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
	panicOn string
}

func (d *slowDelivery) Deliver(ctx context.Context, t delivery.Target, _ delivery.Message, _ delivery.Delay, onDelivered func(delivery.Result)) delivery.Result {
	if t.DisplayName == d.panicOn {
		panic("boom")
	}
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-d.gate:
	case <-ctx.Done():
		return delivery.Result{Status: activity.StatusError, Err: ctx.Err()}
	}
	r := delivery.Result{Status: activity.StatusReplied, Channel: delivery.ChannelDirect}
	onDelivered(r)
	return r
}

func newFakeEngine(t *testing.T, d Deliverer, acts *memActivity) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	eng, err := New(Deps{
		Config:    config.NewHolder(cfg),
		Guard:     guard.New(),
		Stages:    memStages{},
		Generator: reply.NewGenerator(nil, nil, nil),
		Delivery:  d,
		Journal:   activity.NewJournal(acts, nil),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestDuplicateSenderIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &slowDelivery{gate: make(chan struct{})}
	acts := &memActivity{}
	eng := newFakeEngine(t, d, acts)

	first := make(chan Outcome)
	go func() { first <- eng.Handle(context.Background(), posted("Maria", "hi", &outbox{})) }()

	deadline := time.Now().Add(2 * time.Second)
	for eng.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := eng.InFlightSenders(); len(got) != 1 || got[0] != notify.Identity("Maria", app) {
		t.Errorf("InFlightSenders() = %v", got)
	}
	dup := eng.Handle(context.Background(), posted("Maria", "hi again", &outbox{}))
	if dup.Reason != ReasonDuplicate || dup.Status != "" {
		t.Errorf("duplicate outcome = %+v", dup)
	}

	close(d.gate)
	if out := <-first; out.Status != activity.StatusReplied {
		t.Errorf("first outcome = %+v", out)
	}
	if eng.InFlight() != 0 {
		t.Error("guard entry leaked")
	}
	if n := acts.count(activity.StatusReplied); n != 1 {
		t.Errorf("replied records = %d, want 1", n)
	}
}

func TestPanicIsRecoveredAndReleased(t *testing.T) {
	defer goleak.VerifyNone(t)

	acts := &memActivity{}
	eng := newFakeEngine(t, &slowDelivery{gate: make(chan struct{}), panicOn: "Bruno"}, acts)

	out := eng.Handle(context.Background(), posted("Bruno", "hello", &outbox{}))
	if out.Status != activity.StatusError || out.Reason != ReasonPanic {
		t.Fatalf("outcome = %+v", out)
	}
	if eng.InFlight() != 0 {
		t.Error("guard entry leaked after panic")
	}
	if acts.count(activity.StatusError) != 1 || acts.count(activity.StatusPending) != 0 {
		t.Errorf("records = %+v", acts.recs)
	}
}

func TestRunBoundsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &slowDelivery{gate: make(chan struct{})}
	acts := &memActivity{}
	eng := newFakeEngine(t, d, acts)

	events := make(chan *notify.Posted)
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(context.Background(), events, 2)
	}()

	names := []string{"Ana", "Bia", "Caio", "Duda", "Enzo"}
	go func() {
		for _, n := range names {
			events <- posted(n, "hello", &outbox{})
		}
		close(events)
	}()

	time.Sleep(100 * time.Millisecond)
	close(d.gate)
	<-done

	if got := d.maxSeen.Load(); got > 2 {
		t.Errorf("concurrent cycles = %d, want at most 2", got)
	}
	if n := acts.count(activity.StatusReplied); n != len(names) {
		t.Errorf("replied = %d, want %d", n, len(names))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	eng := newFakeEngine(t, &slowDelivery{gate: make(chan struct{})}, &memActivity{})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan *notify.Posted, 1)
	events <- posted("Ana", "hello", &outbox{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx, events, 1)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if eng.InFlight() != 0 {
		t.Error("guard entry leaked after cancel")
	}
}

func TestRulesRecompiledOnChange(t *testing.T) {
	acts := &memActivity{}
	eng := newFakeEngine(t, &slowDelivery{gate: make(chan struct{})}, acts)

	if res := eng.CheckSpam("deal of the century"); res.IsSpam {
		t.Fatalf("unexpected spam: %+v", res)
	}
	if err := eng.deps.Config.Update(func(c *config.Config) {
		c.Spam.Keywords = append(c.Spam.Keywords, "deal of the century")
		c.Spam.Threshold = 30
	}); err != nil {
		t.Fatal(err)
	}
	if res := eng.CheckSpam("deal of the century"); !res.IsSpam {
		t.Errorf("keyword not applied after reload: %+v", res)
	}
}
