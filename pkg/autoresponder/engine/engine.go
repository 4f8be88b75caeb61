// Package engine runs the processing cycle for every posted notification:
// filter, admit, classify, pick the stage, generate a reply and deliver it.
// Each cycle reads one configuration snapshot and always ends with its
// in-flight entry released and its activity record finalized.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/delivery"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/guard"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notice"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/reply"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/spam"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
)

// Reasons recorded for cycles that end without a reply.
const (
	ReasonDisabled  = "auto-reply disabled"
	ReasonDuplicate = "sender already in flight"
	ReasonPanic     = "panic during processing"
)

// Stages reads and advances conversation stages.
type Stages interface {
	Current(ctx context.Context, senderID string) (stage.Stage, error)
	Advance(ctx context.Context, s stage.Subject, to stage.Stage) error
}

// Generator produces replies and records the delivered ones.
type Generator interface {
	Generate(ctx context.Context, req reply.Request) reply.Result
	Record(ctx context.Context, req reply.Request, res reply.Result)
}

// Deliverer sends replies.
type Deliverer interface {
	Deliver(ctx context.Context, t delivery.Target, msg delivery.Message, delay delivery.Delay, onDelivered func(delivery.Result)) delivery.Result
}

// Notifier receives transient notices. Delivery is best effort.
type Notifier interface {
	Notify(n notice.Notice) bool
}

// Deps are the collaborators of an Engine. Notices may be nil.
type Deps struct {
	Config    *config.Holder
	Guard     *guard.InFlight
	Stages    Stages
	Generator Generator
	Delivery  Deliverer
	Journal   *activity.Journal
	Notices   Notifier
}

// Outcome summarizes a cycle for callers and tests. Status is empty when
// the notification was filtered before a record was opened.
type Outcome struct {
	Status   activity.Status
	SenderID string
	Stage    stage.Stage
	Reason   string
	Reply    string
}

// rules are the compiled parts of a configuration.
type rules struct {
	filter *notify.Filter
	spam   *spam.Classifier
}

// Engine processes notifications. It is safe for concurrent use.
type Engine struct {
	deps   Deps
	rules  atomic.Pointer[rules]
	logger *slog.Logger

	processed atomic.Int64
}

// New creates an engine and compiles the current configuration's filter
// and spam tables. Later valid configurations are compiled on change.
func New(deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Config == nil || deps.Guard == nil || deps.Stages == nil ||
		deps.Generator == nil || deps.Delivery == nil || deps.Journal == nil {
		return nil, fmt.Errorf("engine: missing dependency")
	}
	e := &Engine{deps: deps, logger: logger.With("component", "engine")}

	r, err := compile(deps.Config.Snapshot())
	if err != nil {
		return nil, err
	}
	e.rules.Store(r)

	deps.Config.OnChange(func(cfg *config.Config) {
		r, err := compile(cfg)
		if err != nil {
			e.logger.Error("engine: keeping previous rules, new ones do not compile", "error", err)
			return
		}
		e.rules.Store(r)
		e.logger.Info("engine: rules recompiled")
	})
	return e, nil
}

func compile(cfg *config.Config) (*rules, error) {
	f, err := notify.NewFilter(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("compiling filter: %w", err)
	}
	c, err := spam.New(cfg.Spam)
	if err != nil {
		return nil, fmt.Errorf("compiling spam tables: %w", err)
	}
	return &rules{filter: f, spam: c}, nil
}

// Processed returns how many notifications reached a terminal status.
func (e *Engine) Processed() int64 { return e.processed.Load() }

// InFlight returns the number of senders currently being processed.
func (e *Engine) InFlight() int { return e.deps.Guard.Len() }

// InFlightSenders returns the senders currently being processed, sorted.
func (e *Engine) InFlightSenders() []string { return e.deps.Guard.Keys() }

// CheckSpam classifies text with the current tables.
func (e *Engine) CheckSpam(text string) spam.Result {
	return e.rules.Load().spam.Check(text)
}

// Run processes notifications from events until ctx is cancelled or the
// channel closes. At most workers cycles run at once; Run returns after
// every started cycle has finished.
func (e *Engine) Run(ctx context.Context, events <-chan *notify.Posted, workers int) {
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	defer wg.Wait()

	e.logger.Info("engine: started", "workers", workers)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine: stopping")
			return
		case p, ok := <-events:
			if !ok {
				e.logger.Info("engine: event stream closed")
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				e.Handle(ctx, p)
			}()
		}
	}
}

// Handle runs one processing cycle for p.
func (e *Engine) Handle(ctx context.Context, p *notify.Posted) (out Outcome) {
	cfg := e.deps.Config.Snapshot()
	r := e.rules.Load()

	if !cfg.AutoReply.Enabled {
		e.logger.Debug("engine: auto-reply disabled, ignoring notification")
		return Outcome{Reason: ReasonDisabled}
	}

	ev, rejected := r.filter.Check(p)
	if rejected != "" {
		e.logger.Debug("engine: notification filtered", "reason", rejected)
		return Outcome{Reason: rejected}
	}
	logger := e.logger.With("sender", ev.SenderID, "app", ev.SourceApp)

	release := e.deps.Guard.Hold(ev.SenderID)
	if release == nil {
		logger.Info("engine: sender already in flight, dropping duplicate")
		return Outcome{SenderID: ev.SenderID, Reason: ReasonDuplicate}
	}
	defer release()

	entry, err := e.deps.Journal.Open(ctx, activity.Record{
		SenderID:    ev.SenderID,
		DisplayName: ev.SenderName,
		SourceApp:   ev.SourceApp,
		Message:     ev.Message,
	})
	if err != nil {
		logger.Warn("engine: activity record not persisted, continuing", "error", err)
	}

	out = Outcome{SenderID: ev.SenderID}
	finish := func(o activity.Outcome) {
		if entry.Finish(ctx, o) {
			e.processed.Add(1)
		}
		applied := entry.Outcome()
		if applied != nil {
			out.Status = applied.Status
			out.Reason = applied.Reason
			out.Reply = applied.Reply
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("engine: recovered from panic", "panic", rec)
			finish(activity.Outcome{
				Status: activity.StatusError,
				Reason: ReasonPanic,
				Error:  fmt.Sprint(rec),
			})
			return
		}
		// Any path that forgot to finalize still closes the record.
		finish(activity.Outcome{Status: activity.StatusError, Error: "cycle ended without outcome"})
	}()

	e.cycle(ctx, cfg, r, ev, logger, &out, finish)
	return out
}

func (e *Engine) cycle(ctx context.Context, cfg *config.Config, r *rules, ev notify.Event, logger *slog.Logger, out *Outcome, finish func(activity.Outcome)) {
	if cfg.AutoReply.SpamFilter {
		if res := r.spam.Check(ev.Message); res.IsSpam {
			logger.Info("engine: message classified as spam",
				"score", res.Score, "reasons", res.Reasons)
			finish(activity.Outcome{
				Status: activity.StatusSpam,
				Reason: strings.Join(res.Reasons, "; "),
			})
			return
		}
	}

	current, err := e.deps.Stages.Current(ctx, ev.SenderID)
	if err != nil {
		logger.Error("engine: loading stage failed", "error", err)
		finish(activity.Outcome{Status: activity.StatusError, Error: err.Error()})
		return
	}
	out.Stage = current

	dec := stage.Next(current, cfg.AutoReply.AIEnabled)
	if dec.Skip {
		logger.Info("engine: skipping sender", "stage", int(current), "reason", dec.Reason)
		finish(activity.Outcome{
			Status: activity.StatusIgnored,
			Stage:  int(current),
			Reason: dec.Reason,
		})
		return
	}
	if dec.Reason != "" {
		logger.Warn("engine: stage reset", "stage", int(current), "reason", dec.Reason)
	}

	req := reply.Request{
		SenderID:       ev.SenderID,
		DisplayName:    ev.SenderName,
		ProductContext: ev.ProductContext,
		Message:        ev.Message,
		RawText:        ev.RawText,
		Stage:          dec.Next,
		Settings:       cfg.ReplySettings(),
	}
	gen := e.deps.Generator.Generate(ctx, req)
	logger.Debug("engine: reply generated",
		"stage", int(dec.Next), "provenance", string(gen.Provenance), "tokens", gen.Tokens)

	target := delivery.Target{
		SenderID:    ev.SenderID,
		DisplayName: ev.SenderName,
		Package:     ev.SourceApp,
	}
	if ev.Posted != nil {
		if ev.Posted.Replier != nil {
			target.Direct = ev.Posted.Replier
		}
		if ev.Posted.Opener != nil {
			target.Open = ev.Posted.Opener
		}
	}

	res := e.deps.Delivery.Deliver(ctx, target,
		delivery.Message{Text: gen.Text, AIFailed: gen.AIFailed()},
		cfg.Delay(),
		func(dr delivery.Result) {
			e.commit(ctx, ev, req, gen, dr, logger, finish)
		})
	if res.Delivered() {
		out.Stage = dec.Next
		return
	}

	errText := "delivery failed"
	if res.Err != nil {
		errText = res.Err.Error()
	}
	logger.Warn("engine: reply not delivered", "channel", res.Channel, "error", errText)
	finish(activity.Outcome{
		Status:     activity.StatusError,
		Stage:      int(current),
		Reply:      gen.Text,
		Provenance: string(gen.Provenance),
		Tokens:     gen.Tokens,
		Error:      errText,
	})
	e.notify(notice.LevelError, "Reply failed", fmt.Sprintf("Could not reply to %s: %s", ev.SenderName, errText), ev.SenderID)
}

// commit persists the effects of a delivered reply: stage, memory and
// activity. It runs at most once per cycle.
func (e *Engine) commit(ctx context.Context, ev notify.Event, req reply.Request, gen reply.Result, dr delivery.Result, logger *slog.Logger, finish func(activity.Outcome)) {
	// The reply is already out; persisting must survive a cancelled cycle.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	to := req.Stage
	e.deps.Generator.Record(wctx, req, gen)

	if err := e.deps.Stages.Advance(wctx, stage.Subject{
		SenderID:          ev.SenderID,
		DisplayName:       ev.SenderName,
		ConversationTitle: ev.ConversationTitle,
		SourceApp:         ev.SourceApp,
	}, to); err != nil {
		logger.Error("engine: advancing stage failed", "stage", int(to), "error", err)
	}

	finish(activity.Outcome{
		Status:     dr.Status,
		Stage:      int(to),
		Reply:      gen.Text,
		Provenance: string(gen.Provenance),
		Tokens:     gen.Tokens,
		Error:      gen.Error,
	})
	logger.Info("engine: replied", "stage", int(to), "channel", dr.Channel, "status", string(dr.Status))

	if gen.AIFailed() {
		e.notify(notice.LevelWarn, "AI failed", fmt.Sprintf("Sent a template to %s: %s", ev.SenderName, gen.Error), ev.SenderID)
		return
	}
	e.notify(notice.LevelInfo, "Replied", fmt.Sprintf("Replied to %s", ev.SenderName), ev.SenderID)
}

func (e *Engine) notify(level notice.Level, title, msg, sender string) {
	if e.deps.Notices == nil {
		return
	}
	e.deps.Notices.Notify(notice.Notice{Level: level, Title: title, Message: msg, SenderID: sender})
}
