package reply

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/textgen"
)

type fakeCompleter struct {
	resp    *textgen.Response
	err     error
	calls   int
	lastReq textgen.Request
	// texts, when set, are returned one per call.
	texts []string
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, req textgen.Request) (*textgen.Response, error) {
	f.calls++
	f.lastReq = req
	if len(f.texts) > 0 {
		return &textgen.Response{Text: f.texts[min(f.calls, len(f.texts))-1], TotalTokens: 10}, nil
	}
	return f.resp, f.err
}

type fakeMemory struct {
	ctx      learning.Context
	recorded []learning.Exchange
	marked   []string
}

func (f *fakeMemory) MarkSent(_ context.Context, _ string, reply string) error {
	f.marked = append(f.marked, reply)
	return nil
}

func (f *fakeMemory) WasSentRecently(_ context.Context, _ string, reply string) (bool, error) {
	for _, m := range f.marked {
		if learning.Fingerprint(m) == learning.Fingerprint(reply) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMemory) Context(context.Context, string, string) (learning.Context, error) {
	return f.ctx, nil
}

func (f *fakeMemory) RecordExchange(_ context.Context, ex learning.Exchange) error {
	f.recorded = append(f.recorded, ex)
	return nil
}

func TestTemplatePath(t *testing.T) {
	g := NewGenerator(nil, nil, nil)

	res := g.Generate(context.Background(), Request{
		Stage:    stage.Welcomed,
		Settings: Settings{Pools: Pools{Welcome: []string{"Only entry"}}},
	})
	if res.Text != "Only entry" || res.Provenance != FromTemplate || res.AIFailed() {
		t.Errorf("got %+v", res)
	}
}

func TestTemplateFallsBackToDefaultPool(t *testing.T) {
	g := NewGenerator(nil, nil, nil)
	res := g.Generate(context.Background(), Request{Stage: stage.FollowedUp, Settings: Settings{Pools: Pools{FollowUp: []string{""}}}})
	found := false
	for _, s := range DefaultPool(stage.FollowedUp) {
		if s == res.Text {
			found = true
		}
	}
	if !found {
		t.Errorf("reply %q not from default follow-up pool", res.Text)
	}
}

func TestTemplateOutOfRangeStage(t *testing.T) {
	g := NewGenerator(nil, nil, nil)
	for _, s := range []stage.Stage{stage.New, stage.Stage(9), stage.Stage(-2)} {
		res := g.Generate(context.Background(), Request{Stage: s})
		if res.Text != FallbackSentence {
			t.Errorf("stage %d: got %q, want fallback sentence", s, res.Text)
		}
	}
}

func TestNeverEmpty(t *testing.T) {
	f := &fakeCompleter{err: errors.New("boom")}
	g := NewGenerator(f, nil, nil)
	for s := stage.Stage(-1); s <= 5; s++ {
		for _, ai := range []bool{false, true} {
			res := g.Generate(context.Background(), Request{Stage: s, Settings: Settings{AIEnabled: ai, APIKey: "k"}})
			if strings.TrimSpace(res.Text) == "" {
				t.Errorf("empty reply for stage %d ai=%v", s, ai)
			}
		}
	}
}

func TestAIWithoutCredential(t *testing.T) {
	f := &fakeCompleter{}
	g := NewGenerator(f, nil, nil)
	res := g.Generate(context.Background(), Request{
		Stage:    stage.Welcomed,
		Settings: Settings{AIEnabled: true, Pools: Pools{Welcome: []string{"tmpl"}}},
	})
	if res.Text != "tmpl" || res.Provenance != FromTemplate {
		t.Errorf("got %+v", res)
	}
	if res.Error != "API key not configured" {
		t.Errorf("Error = %q", res.Error)
	}
	if f.calls != 0 {
		t.Errorf("completer called %d times without a key", f.calls)
	}
}

func TestAIUnauthorizedFallsBack(t *testing.T) {
	f := &fakeCompleter{err: &textgen.Error{Kind: textgen.KindAuth, StatusCode: 401, Message: "Incorrect API key provided"}}
	mem := &fakeMemory{}
	g := NewGenerator(f, mem, nil)

	res := g.Generate(context.Background(), Request{
		SenderID: "s",
		Message:  "hi",
		Stage:    stage.FollowedUp,
		Settings: Settings{AIEnabled: true, APIKey: "bad", Pools: Pools{FollowUp: []string{"follow"}}},
	})
	if res.Text != "follow" || res.Provenance != FromTemplate {
		t.Errorf("got %+v", res)
	}
	if !strings.Contains(res.Error, "invalid API key") {
		t.Errorf("Error = %q, want invalid API key", res.Error)
	}
	if len(mem.recorded) != 0 {
		t.Error("failed generation must not be recorded")
	}
}

func TestAISuccess(t *testing.T) {
	f := &fakeCompleter{resp: &textgen.Response{Text: `"Hi! Is it still available?"`, TotalTokens: 42}}
	mem := &fakeMemory{ctx: learning.Context{
		History: []learning.Turn{
			{Role: learning.RoleCounterpart, Content: "hello"},
			{Role: learning.RoleSelf, Content: "hey!"},
		},
		Examples: []learning.Example{{CounterpartMessage: "ok", Reply: "great, tomorrow?"}},
		Avoid:    []string{"hey!"},
	}}
	g := NewGenerator(f, mem, nil)

	res := g.Generate(context.Background(), Request{
		SenderID:       "s",
		DisplayName:    "Ana",
		Message:        "still want it?",
		ProductContext: "Road bike",
		Stage:          stage.ContactShared,
		Settings:       Settings{AIEnabled: true, APIKey: "k", Tone: ToneCasual, BuyerProfile: "student"},
	})
	if res.Provenance != FromAI || res.Text != "Hi! Is it still available?" || res.Tokens != 42 {
		t.Fatalf("got %+v", res)
	}

	msgs := f.lastReq.Messages
	if len(msgs) != 4 {
		t.Fatalf("want system + 2 history + user, got %d messages", len(msgs))
	}
	sys := msgs[0].Content
	for _, want := range []string{"student", "Road bike", "WhatsApp", "great, tomorrow?", "- hey!"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if msgs[1].Role != textgen.RoleUser || msgs[2].Role != textgen.RoleAssistant {
		t.Errorf("history roles = %s, %s", msgs[1].Role, msgs[2].Role)
	}
	if msgs[3].Content != "still want it?" {
		t.Errorf("last message = %q", msgs[3].Content)
	}

	if len(mem.recorded) != 0 {
		t.Fatalf("generation alone must not record, got %+v", mem.recorded)
	}
}

func TestRecordAfterDelivery(t *testing.T) {
	mem := &fakeMemory{}
	g := NewGenerator(&fakeCompleter{}, mem, nil)
	req := Request{SenderID: "s", Message: "", RawText: "is it available?", ProductContext: "Sofa"}

	g.Record(context.Background(), req, Result{Text: "Yes, still here?", Provenance: FromAI})
	if len(mem.recorded) != 1 || mem.recorded[0].Reply != "Yes, still here?" || mem.recorded[0].Counterpart != "is it available?" {
		t.Errorf("recorded = %+v", mem.recorded)
	}

	g.Record(context.Background(), req, Result{Text: "Hi! Is this still available?", Provenance: FromTemplate})
	if len(mem.recorded) != 1 {
		t.Error("template replies must stay out of the transcript")
	}
	if len(mem.marked) != 1 || mem.marked[0] != "Hi! Is this still available?" {
		t.Errorf("marked = %q", mem.marked)
	}
}

func TestAIRepeatIsRegenerated(t *testing.T) {
	f := &fakeCompleter{texts: []string{"Hi! Still available?", "Could you send more photos?"}}
	mem := &fakeMemory{marked: []string{"hi, still available"}}
	g := NewGenerator(f, mem, nil)

	res := g.Generate(context.Background(), Request{
		SenderID: "s",
		Stage:    stage.FollowedUp,
		Settings: Settings{AIEnabled: true, APIKey: "k"},
	})
	if res.Provenance != FromAI || res.Text != "Could you send more photos?" {
		t.Fatalf("got %+v", res)
	}
	if f.calls != 2 || res.Tokens != 20 {
		t.Errorf("calls = %d, tokens = %d; want 2, 20", f.calls, res.Tokens)
	}
}

func TestAIRepeatTwiceUsesTemplate(t *testing.T) {
	f := &fakeCompleter{texts: []string{"Hi! Still available?", "hi still available!!"}}
	mem := &fakeMemory{marked: []string{"Hi! Still available?"}}
	g := NewGenerator(f, mem, nil)

	res := g.Generate(context.Background(), Request{
		SenderID: "s",
		Stage:    stage.Welcomed,
		Settings: Settings{AIEnabled: true, APIKey: "k", Pools: Pools{Welcome: []string{"Hello, is the bike for sale?"}}},
	})
	if res.Provenance != FromTemplate || res.Text != "Hello, is the bike for sale?" {
		t.Fatalf("got %+v", res)
	}
	if res.AIFailed() {
		t.Errorf("a repeated reply is not an AI failure, Error = %q", res.Error)
	}
	if f.calls != 2 {
		t.Errorf("calls = %d, want 2", f.calls)
	}
}

func TestTemplateSkipsRecentEntries(t *testing.T) {
	pool := []string{"first", "second", "third"}
	tests := []struct {
		name   string
		marked []string
		want   string
	}{
		{"nothing sent", nil, "first"},
		{"first sent", []string{"first"}, "second"},
		{"first two sent", []string{"first", "second"}, "third"},
		{"all sent", []string{"first", "second", "third"}, "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(nil, &fakeMemory{marked: tt.marked}, nil)
			g.pick = func(int) int { return 0 }
			res := g.Generate(context.Background(), Request{
				SenderID: "s",
				Stage:    stage.Welcomed,
				Settings: Settings{Pools: Pools{Welcome: pool}},
			})
			if res.Text != tt.want {
				t.Errorf("got %q, want %q", res.Text, tt.want)
			}
		})
	}
}

func TestToneValid(t *testing.T) {
	if !ToneFriendly.Valid() || Tone("sarcastic").Valid() {
		t.Error("tone validation wrong")
	}
}
