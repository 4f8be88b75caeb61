// Package delivery sends a generated reply to its counterpart. It waits a
// random human-like delay, tries the notification's inline reply first and
// falls back to driving the app's UI. Stage advancement and the audit
// record are committed through a callback that runs exactly once, and only
// when the reply was actually sent.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/automation"
)

// Errors reported in Result.Err.
var (
	ErrNoChannel  = errors.New("no reply channel available")
	ErrTimeout    = errors.New("automation did not complete in time")
	ErrEmptyReply = errors.New("empty reply")
)

// Channels used to deliver a reply.
const (
	ChannelDirect     = "direct"
	ChannelAutomation = "automation"
)

// Replier is an inline reply affordance.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// Opener is a notification's primary action.
type Opener interface {
	Open(ctx context.Context) error
}

// Automator hands a reply to the UI-automation driver.
type Automator interface {
	Submit(req automation.Request) (*automation.Ticket, error)
}

// Target identifies where the reply goes. Direct and Open may be nil.
type Target struct {
	SenderID    string
	DisplayName string
	Package     string
	Direct      Replier
	Open        Opener
}

// Message is the reply to send.
type Message struct {
	Text string
	// AIFailed marks a templated fallback after a failed generation.
	AIFailed bool
}

// Delay is an inclusive range of whole seconds.
type Delay struct {
	Min int
	Max int
}

// Result is the outcome of one delivery.
type Result struct {
	Status  activity.Status
	Channel string
	Err     error
}

// Delivered reports whether the reply was sent.
func (r Result) Delivered() bool {
	return r.Status == activity.StatusReplied || r.Status == activity.StatusAIFailed
}

// Config tunes the automation poll-wait.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollCeiling  time.Duration `yaml:"poll_ceiling"`
}

// DefaultConfig returns the default poll settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		PollCeiling:  30 * time.Second,
	}
}

// Coordinator delivers replies.
type Coordinator struct {
	cfg       Config
	automator Automator
	logger    *slog.Logger

	// handoff admits one automation request at a time; the UI is shared.
	handoff *semaphore.Weighted

	sleep func(ctx context.Context, d time.Duration) error
	randN func(n int) int
}

// NewCoordinator creates a coordinator. automator may be nil when no
// UI-automation capability is registered.
func NewCoordinator(cfg Config, automator Automator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = def.PollCeiling
	}
	return &Coordinator{
		cfg:       cfg,
		automator: automator,
		logger:    logger.With("component", "delivery"),
		handoff:   semaphore.NewWeighted(1),
		sleep:     sleepCtx,
		randN:     rand.IntN,
	}
}

// SetAutomator registers or replaces the UI-automation fallback.
func (c *Coordinator) SetAutomator(a Automator) { c.automator = a }

// Deliver sends msg to t. onDelivered runs once if and only if the reply
// was sent.
func (c *Coordinator) Deliver(ctx context.Context, t Target, msg Message, delay Delay, onDelivered func(Result)) Result {
	var once sync.Once
	commit := func(r Result) Result {
		if r.Delivered() && onDelivered != nil {
			once.Do(func() { onDelivered(r) })
		}
		return r
	}

	if msg.Text == "" {
		return Result{Status: activity.StatusError, Err: ErrEmptyReply}
	}

	wait := c.pickDelay(delay)
	c.logger.Debug("delivery: waiting before send", "sender", t.SenderID, "delay", wait)
	if err := c.sleep(ctx, wait); err != nil {
		return Result{Status: activity.StatusError, Err: fmt.Errorf("waiting before send: %w", err)}
	}

	ok := activity.StatusReplied
	if msg.AIFailed {
		ok = activity.StatusAIFailed
	}

	if t.Direct != nil {
		err := t.Direct.Reply(ctx, msg.Text)
		if err == nil {
			c.logger.Info("delivery: replied inline", "sender", t.SenderID)
			return commit(Result{Status: ok, Channel: ChannelDirect})
		}
		c.logger.Warn("delivery: inline reply failed, trying automation",
			"sender", t.SenderID, "error", err)
	}

	if c.automator == nil {
		c.logger.Warn("delivery: no channel available", "sender", t.SenderID)
		return Result{Status: activity.StatusError, Err: ErrNoChannel}
	}

	if err := c.handoff.Acquire(ctx, 1); err != nil {
		return Result{Status: activity.StatusError, Channel: ChannelAutomation, Err: fmt.Errorf("waiting for automation: %w", err)}
	}
	err := c.automate(ctx, t, msg.Text)
	c.handoff.Release(1)
	if err != nil {
		c.logger.Warn("delivery: automation failed", "sender", t.SenderID, "error", err)
		return Result{Status: activity.StatusError, Channel: ChannelAutomation, Err: err}
	}
	c.logger.Info("delivery: replied via automation", "sender", t.SenderID)
	return commit(Result{Status: ok, Channel: ChannelAutomation})
}

// automate opens the conversation and drives the UI. The caller holds the
// handoff.
func (c *Coordinator) automate(ctx context.Context, t Target, text string) error {
	if t.Open != nil {
		if err := t.Open.Open(ctx); err != nil {
			c.logger.Warn("delivery: opening conversation failed", "sender", t.SenderID, "error", err)
		}
	}
	ticket, err := c.automator.Submit(automation.Request{
		Package:     t.Package,
		DisplayName: t.DisplayName,
		Text:        text,
	})
	if err != nil {
		return fmt.Errorf("starting automation: %w", err)
	}
	return c.await(ctx, ticket)
}

// await polls ticket until it completes, the ceiling elapses or ctx ends.
func (c *Coordinator) await(ctx context.Context, ticket *automation.Ticket) error {
	ceiling := time.NewTimer(c.cfg.PollCeiling)
	defer ceiling.Stop()
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		if done, err := ticket.Poll(); done {
			return err
		}
		select {
		case <-ctx.Done():
			ticket.Cancel()
			return ctx.Err()
		case <-ceiling.C:
			ticket.Cancel()
			return ErrTimeout
		case <-tick.C:
		}
	}
}

func (c *Coordinator) pickDelay(d Delay) time.Duration {
	lo, hi := d.Min, d.Max
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	secs := lo + c.randN(hi-lo+1)
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
