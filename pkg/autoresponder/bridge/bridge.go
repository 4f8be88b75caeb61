// Package bridge connects a phone-side companion over WebSocket. The
// device streams posted notifications and UI change events upstream; the
// engine sends reply, open, tree, action and global commands downstream.
// A Bridge is both a notify.Source and an automation.Capability.
//
// Frames are JSON objects with a "type" and, for commands, an "id" that
// the device echoes in its "result" frame.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/automation"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
)

// Path is where the gateway mounts the bridge.
const Path = "/v1/bridge"

// Frame types.
const (
	TypeHello        = "hello"
	TypeNotification = "notification"
	TypeUIEvent      = "ui_event"
	TypeResult       = "result"

	TypeReply  = "reply"
	TypeOpen   = "open"
	TypeTree   = "tree"
	TypeAction = "action"
	TypeGlobal = "global"
)

var (
	// ErrNoDevice is returned by commands while no device is attached.
	ErrNoDevice = fmt.Errorf("no device attached: %w", notify.ErrSourceDisconnected)

	// ErrTimeout is returned when the device does not answer in time.
	ErrTimeout = errors.New("device did not answer in time")

	// ErrDetached is returned when the device goes away mid-command.
	ErrDetached = errors.New("device detached")

	// ErrRejected is returned when the device answers a command with ok false.
	ErrRejected = errors.New("device rejected the command")
)

// Frame is one message on the wire.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// hello
	Device string `json:"device,omitempty"`

	// notification, ui_event
	Notification *Notification    `json:"notification,omitempty"`
	Event        *automation.Event `json:"event,omitempty"`

	// commands
	Key     string `json:"key,omitempty"`
	Package string `json:"package,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Action  string `json:"action,omitempty"`
	Text    string `json:"text,omitempty"`

	// result
	OK    bool             `json:"ok,omitempty"`
	Error string           `json:"error,omitempty"`
	Tree  *automation.Node `json:"tree,omitempty"`
}

// Notification is a posted notification as reported by the device. Key
// addresses it in later reply and open commands.
type Notification struct {
	Key               string    `json:"key"`
	Package           string    `json:"package"`
	Title             string    `json:"title"`
	Text              string    `json:"text"`
	BigText           string    `json:"big_text,omitempty"`
	ConversationTitle string    `json:"conversation_title,omitempty"`
	PostedAt          time.Time `json:"posted_at"`
	CanReply          bool      `json:"can_reply"`
	CanOpen           bool      `json:"can_open"`
}

// session is one attached device connection.
type session struct {
	conn      *websocket.Conn
	device    string
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *session) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Bridge serves one device at a time. A new connection replaces the
// previous one.
type Bridge struct {
	cfg      config.BridgeConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	sess    *session
	pending map[string]chan *Frame
	closed  bool

	posted chan *notify.Posted
	events chan automation.Event

	lastEvent  atomic.Int64
	errorCount atomic.Int64
}

// New creates a bridge.
func New(cfg config.BridgeConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are not browsers; the token is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(map[string]chan *Frame),
		posted:  make(chan *notify.Posted, 256),
		events:  make(chan automation.Event, 64),
	}
}

// Name implements notify.Source.
func (b *Bridge) Name() string { return "bridge" }

// Connect implements notify.Source. Devices dial in, so there is nothing
// to start.
func (b *Bridge) Connect(context.Context) error { return nil }

// Disconnect detaches the device and closes both streams.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	s := b.sess
	b.sess = nil
	close(b.posted)
	close(b.events)
	b.mu.Unlock()

	if s != nil {
		s.close()
	}
	b.logger.Info("bridge: closed")
	return nil
}

// Receive implements notify.Source.
func (b *Bridge) Receive() <-chan *notify.Posted { return b.posted }

// IsConnected reports whether a device is attached.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sess != nil
}

// Health implements notify.Source.
func (b *Bridge) Health() notify.HealthStatus {
	b.mu.RLock()
	s := b.sess
	device := ""
	if s != nil {
		device = s.device
	}
	b.mu.RUnlock()

	h := notify.HealthStatus{
		Connected:  s != nil,
		ErrorCount: int(b.errorCount.Load()),
	}
	if ts := b.lastEvent.Load(); ts > 0 {
		h.LastEventAt = time.UnixMilli(ts)
	}
	if device != "" {
		h.Details = map[string]any{"device": device}
	}
	return h
}

// Events implements automation.Capability.
func (b *Bridge) Events() <-chan automation.Event { return b.events }

// Tree implements automation.Capability.
func (b *Bridge) Tree(ctx context.Context, pkg string) (*automation.Node, error) {
	res, err := b.request(ctx, Frame{Type: TypeTree, Package: pkg})
	if err != nil {
		return nil, err
	}
	if res.Tree == nil {
		return nil, fmt.Errorf("device returned no tree for %s", pkg)
	}
	return res.Tree, nil
}

// Perform implements automation.Capability.
func (b *Bridge) Perform(ctx context.Context, nodeID string, action automation.Action, text string) error {
	_, err := b.request(ctx, Frame{Type: TypeAction, NodeID: nodeID, Action: string(action), Text: text})
	return err
}

// Global implements automation.Capability.
func (b *Bridge) Global(ctx context.Context, action automation.GlobalAction) error {
	_, err := b.request(ctx, Frame{Type: TypeGlobal, Action: string(action)})
	return err
}

// ServeHTTP upgrades an authorized request and serves the device until
// the connection ends.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		b.logger.Warn("bridge: unauthorized connection attempt", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("bridge: upgrade failed", "error", err)
		return
	}
	s := &session{conn: conn, closed: make(chan struct{})}
	if !b.attach(s) {
		s.close()
		return
	}
	b.logger.Info("bridge: device attached", "remote", r.RemoteAddr)

	go b.keepalive(s)
	b.readLoop(s)
	b.detach(s)
}

func (b *Bridge) authorized(r *http.Request) bool {
	if b.cfg.Token == "" {
		return true
	}
	tok := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tok = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(b.cfg.Token)) == 1
}

func (b *Bridge) attach(s *session) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	prev := b.sess
	b.sess = s
	var prevDevice string
	if prev != nil {
		prevDevice = prev.device
	}
	b.mu.Unlock()
	if prev != nil {
		b.logger.Info("bridge: replacing previous device", "device", prevDevice)
		prev.close()
	}
	return true
}

func (b *Bridge) detach(s *session) {
	b.mu.Lock()
	if b.sess == s {
		b.sess = nil
	}
	device := s.device
	b.mu.Unlock()
	s.close()
	b.logger.Info("bridge: device detached", "device", device)
}

func (b *Bridge) readLoop(s *session) {
	wait := 2 * b.cfg.PingInterval
	s.conn.SetReadLimit(4 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("bridge: read failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.errorCount.Add(1)
			b.logger.Warn("bridge: malformed frame", "error", err)
			continue
		}
		b.dispatch(s, &f)
	}
}

func (b *Bridge) dispatch(s *session, f *Frame) {
	switch f.Type {
	case TypeHello:
		b.mu.Lock()
		s.device = f.Device
		b.mu.Unlock()
		b.logger.Info("bridge: device identified", "device", f.Device)
	case TypeNotification:
		if f.Notification == nil {
			return
		}
		b.lastEvent.Store(time.Now().UnixMilli())
		b.emitPosted(b.toPosted(s, f.Notification))
	case TypeUIEvent:
		if f.Event == nil {
			return
		}
		ev := *f.Event
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		b.emitEvent(ev)
	case TypeResult:
		b.mu.Lock()
		ch, ok := b.pending[f.ID]
		delete(b.pending, f.ID)
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("bridge: result for unknown request", "id", f.ID)
			return
		}
		ch <- f
	default:
		b.logger.Debug("bridge: ignoring frame", "type", f.Type)
	}
}

func (b *Bridge) toPosted(s *session, n *Notification) *notify.Posted {
	p := &notify.Posted{
		ID:                n.Key,
		SourceApp:         n.Package,
		Title:             n.Title,
		Text:              n.Text,
		BigText:           n.BigText,
		ConversationTitle: n.ConversationTitle,
		PostedAt:          n.PostedAt,
	}
	if p.PostedAt.IsZero() {
		p.PostedAt = time.Now()
	}
	key := n.Key
	if n.CanReply {
		p.Replier = notify.ReplyFunc(func(ctx context.Context, text string) error {
			_, err := b.requestOn(ctx, s, Frame{Type: TypeReply, Key: key, Text: text})
			return err
		})
	}
	if n.CanOpen {
		p.Opener = notify.OpenFunc(func(ctx context.Context) error {
			_, err := b.requestOn(ctx, s, Frame{Type: TypeOpen, Key: key})
			return err
		})
	}
	return p
}

func (b *Bridge) emitPosted(p *notify.Posted) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.posted <- p:
	default:
		b.errorCount.Add(1)
		b.logger.Warn("bridge: notification buffer full, dropping", "key", p.ID)
	}
}

func (b *Bridge) emitEvent(ev automation.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		// UI events are level-triggered; the next one carries the same news.
	}
}

// request sends f to the attached device and waits for its result.
func (b *Bridge) request(ctx context.Context, f Frame) (*Frame, error) {
	b.mu.RLock()
	s := b.sess
	b.mu.RUnlock()
	if s == nil {
		return nil, ErrNoDevice
	}
	return b.requestOn(ctx, s, f)
}

// requestOn sends f on s. Commands bound to a notification must reach the
// device that posted it.
func (b *Bridge) requestOn(ctx context.Context, s *session, f Frame) (*Frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan *Frame, 1)

	b.mu.Lock()
	if b.closed || b.sess != s {
		b.mu.Unlock()
		return nil, ErrNoDevice
	}
	b.pending[f.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, f.ID)
		b.mu.Unlock()
	}()

	if err := s.write(f); err != nil {
		b.errorCount.Add(1)
		return nil, fmt.Errorf("sending %s: %w", f.Type, err)
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if !res.OK {
			if res.Error != "" {
				return res, fmt.Errorf("%w: %s", ErrRejected, res.Error)
			}
			return res, ErrRejected
		}
		return res, nil
	case <-timer.C:
		b.errorCount.Add(1)
		return nil, fmt.Errorf("%s %s: %w", f.Type, f.ID, ErrTimeout)
	case <-s.closed:
		return nil, ErrDetached
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bridge) keepalive(s *session) {
	t := time.NewTicker(b.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				b.logger.Debug("bridge: ping failed", "error", err)
				s.close()
				return
			}
		}
	}
}
