package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Errors reported by the driver.
var (
	ErrBusy          = errors.New("automation: a reply is already in progress")
	ErrNoCapability  = errors.New("automation: no UI capability registered")
	ErrInputNotFound = errors.New("automation: message input not found")
	ErrSendNotFound  = errors.New("automation: send control not found")
	ErrDeadline      = errors.New("automation: deadline exceeded")
	ErrCancelled     = errors.New("automation: request cancelled")
	ErrClosed        = errors.New("automation: event stream closed")
)

// State is the driver's position in the send protocol.
type State int32

const (
	StateIdle State = iota
	StateAwaitingInput
	StateInputFilled
	StateAwaitingSend
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateInputFilled:
		return "input_filled"
	case StateAwaitingSend:
		return "awaiting_send"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes the driver.
type Config struct {
	// MaxRetries is how many unproductive events a request may consume.
	MaxRetries int `yaml:"max_retries"`
	// FillPause is the pause between setting the text and looking for the
	// send control.
	FillPause time.Duration `yaml:"fill_pause"`
	// SettleDelay is the pause after sending before navigating back.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// Deadline bounds one request.
	Deadline time.Duration `yaml:"deadline"`
	// ActionTimeout bounds one capability call.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	Heuristics Heuristics `yaml:"heuristics"`
}

// DefaultConfig returns the default driver settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		FillPause:     300 * time.Millisecond,
		SettleDelay:   800 * time.Millisecond,
		Deadline:      25 * time.Second,
		ActionTimeout: 5 * time.Second,
		Heuristics:    DefaultHeuristics(),
	}
}

// Request asks the driver to send Text in the open conversation of Package.
type Request struct {
	Package     string
	DisplayName string
	Text        string
}

// Ticket tracks one submitted request.
type Ticket struct {
	id          string
	done        chan struct{}
	err         error
	resolveOnce sync.Once
	cancelCh    chan struct{}
	cancelOnce  sync.Once
}

// NewTicket returns an open ticket. Automators other than Driver use it to
// report their own completion through Resolve.
func NewTicket() *Ticket {
	return &Ticket{
		id:       uuid.NewString(),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

// Resolve ends the request with err. Only the first call has an effect.
func (t *Ticket) Resolve(err error) bool {
	applied := false
	t.resolveOnce.Do(func() {
		applied = true
		t.err = err
		close(t.done)
	})
	return applied
}

// Cancelled is closed when Cancel is called.
func (t *Ticket) Cancelled() <-chan struct{} { return t.cancelCh }

// ID returns the ticket id.
func (t *Ticket) ID() string { return t.id }

// Done is closed when the request ends.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the request error once Done is closed.
func (t *Ticket) Err() error {
	<-t.done
	return t.err
}

// Poll reports without blocking whether the request ended and its error.
func (t *Ticket) Poll() (bool, error) {
	select {
	case <-t.done:
		return true, t.err
	default:
		return false, nil
	}
}

// Cancel abandons the request. It is safe to call more than once.
func (t *Ticket) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

type job struct {
	req         Request
	ticket      *Ticket
	timer       *time.Timer
	retries     int
	convClicked bool
	input       *Node
}

// Driver runs the send protocol as a state machine over the capability's
// event stream. Only one request is accepted at a time.
type Driver struct {
	cap    Capability
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cur   *job
	state atomic.Int32
	kick  chan struct{}
}

// NewDriver creates a driver. Zero fields in cfg use the defaults.
func NewDriver(c Capability, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.FillPause <= 0 {
		cfg.FillPause = def.FillPause
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.Heuristics.InputClasses == nil && cfg.Heuristics.SendLabels == nil {
		cfg.Heuristics = def.Heuristics
	}
	return &Driver{
		cap:    c,
		cfg:    cfg,
		logger: logger.With("component", "automation"),
		kick:   make(chan struct{}, 1),
	}
}

// State returns the current protocol state.
func (d *Driver) State() State { return State(d.state.Load()) }

// Busy reports whether a request is outstanding.
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur != nil
}

// Submit starts a request. It returns ErrBusy while another one is
// outstanding.
func (d *Driver) Submit(req Request) (*Ticket, error) {
	if d.cap == nil {
		return nil, ErrNoCapability
	}
	d.mu.Lock()
	if d.cur != nil {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	t := NewTicket()
	d.cur = &job{req: req, ticket: t, timer: time.NewTimer(d.cfg.Deadline)}
	d.state.Store(int32(StateAwaitingInput))
	d.mu.Unlock()
	d.logger.Debug("automation: request submitted", "ticket", t.id, "package", req.Package)

	select {
	case d.kick <- struct{}{}:
	default:
	}
	return t, nil
}

// Run processes events until ctx is done or the event stream closes.
func (d *Driver) Run(ctx context.Context) {
	events := d.cap.Events()
	for {
		j := d.current()

		var deadline <-chan time.Time
		var cancelled <-chan struct{}
		if j != nil {
			deadline = j.timer.C
			cancelled = j.ticket.cancelCh
		}

		select {
		case <-ctx.Done():
			if j := d.current(); j != nil {
				d.finish(ctx, j, ErrCancelled)
			}
			return
		case ev, ok := <-events:
			// The snapshot above goes stale while idle; Submit may have run since.
			j := d.current()
			if !ok {
				if j != nil {
					d.finish(ctx, j, ErrClosed)
				}
				return
			}
			if j != nil && (j.req.Package == "" || ev.Package == j.req.Package) {
				d.step(ctx, j)
			}
		case <-d.kick:
			if j := d.current(); j != nil {
				d.step(ctx, j)
			}
		case <-deadline:
			if d.current() == j {
				d.finish(ctx, j, ErrDeadline)
			}
		case <-cancelled:
			if d.current() == j {
				d.finish(ctx, j, ErrCancelled)
			}
		}
	}
}

func (d *Driver) current() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur
}

// step advances j by one event.
func (d *Driver) step(ctx context.Context, j *job) {
	switch d.State() {
	case StateAwaitingInput:
		d.stepInput(ctx, j)
	case StateAwaitingSend:
		d.stepSend(ctx, j)
	}
}

func (d *Driver) stepInput(ctx context.Context, j *job) {
	h := d.cfg.Heuristics
	root, err := d.tree(ctx, j.req.Package)
	if err != nil {
		d.logger.Debug("automation: reading tree failed", "error", err)
		d.consumeRetry(ctx, j, ErrInputNotFound)
		return
	}

	input := h.FindInput(root)
	if input == nil {
		if !j.convClicked {
			if conv := h.FindConversation(root, j.req.DisplayName); conv != nil {
				j.convClicked = true
				j.retries = 0
				d.logger.Debug("automation: opening conversation entry", "node", conv.ID)
				if err := d.perform(ctx, conv.ID, ActionClick, ""); err != nil {
					d.logger.Debug("automation: clicking conversation failed", "error", err)
				}
				return
			}
		}
		d.consumeRetry(ctx, j, ErrInputNotFound)
		return
	}

	if err := d.perform(ctx, input.ID, ActionFocus, ""); err != nil {
		d.logger.Debug("automation: focus failed", "error", err)
	}
	if err := d.perform(ctx, input.ID, ActionSetText, j.req.Text); err != nil {
		d.consumeRetry(ctx, j, fmt.Errorf("setting text: %w", err))
		return
	}
	j.input = input
	d.state.Store(int32(StateInputFilled))
	d.logger.Debug("automation: input filled", "node", input.ID)

	if !sleepCtx(ctx, d.cfg.FillPause) {
		return
	}
	d.state.Store(int32(StateAwaitingSend))
	d.stepSend(ctx, j)
}

func (d *Driver) stepSend(ctx context.Context, j *job) {
	root, err := d.tree(ctx, j.req.Package)
	if err != nil {
		d.consumeRetry(ctx, j, ErrSendNotFound)
		return
	}
	send := d.cfg.Heuristics.FindSend(root, j.input)
	if send == nil {
		d.consumeRetry(ctx, j, ErrSendNotFound)
		return
	}
	if err := d.perform(ctx, send.ID, ActionClick, ""); err != nil {
		d.consumeRetry(ctx, j, fmt.Errorf("clicking send: %w", err))
		return
	}
	d.logger.Info("automation: reply sent", "ticket", j.ticket.id, "package", j.req.Package)
	d.finish(ctx, j, nil)
}

// consumeRetry spends one retry and fails the request when the budget is
// exhausted.
func (d *Driver) consumeRetry(ctx context.Context, j *job, cause error) {
	j.retries++
	if j.retries > d.cfg.MaxRetries {
		d.finish(ctx, j, cause)
		return
	}
	d.logger.Debug("automation: retry", "attempt", j.retries, "max", d.cfg.MaxRetries, "cause", cause)
}

// finish releases the driver and then reports the outcome. After a
// successful send it first waits for the UI to settle and navigates back,
// so a resolved ticket always means the driver accepts the next request.
func (d *Driver) finish(ctx context.Context, j *job, err error) {
	j.timer.Stop()
	if err != nil {
		d.state.Store(int32(StateFailed))
		d.logger.Warn("automation: request failed", "ticket", j.ticket.id, "error", err)
	} else {
		d.state.Store(int32(StateDone))
		if sleepCtx(ctx, d.cfg.SettleDelay) {
			if gerr := d.global(ctx, GlobalBack); gerr != nil {
				d.logger.Debug("automation: navigating back failed", "error", gerr)
			}
		}
	}

	d.mu.Lock()
	if d.cur == j {
		d.cur = nil
		d.state.Store(int32(StateIdle))
	}
	d.mu.Unlock()

	j.ticket.Resolve(err)
}

func (d *Driver) tree(ctx context.Context, pkg string) (*Node, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()
	return d.cap.Tree(cctx, pkg)
}

func (d *Driver) perform(ctx context.Context, id string, a Action, text string) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()
	return d.cap.Perform(cctx, id, a, text)
}

func (d *Driver) global(ctx context.Context, a GlobalAction) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()
	return d.cap.Global(cctx, a)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
