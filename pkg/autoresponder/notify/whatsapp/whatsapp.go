// Package whatsapp implements a notification source backed by whatsmeow,
// a native Go WhatsApp Web client. Incoming direct messages are turned
// into posted notifications whose reply affordance sends a text message
// back to the originating chat.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// SourceApp is the host application identifier stamped on every posted
// notification produced by this source.
const SourceApp = "com.whatsapp"

// Config holds WhatsApp source configuration.
type Config struct {
	// Enabled turns the source on.
	Enabled bool `yaml:"enabled"`

	// SessionDir is the directory holding whatsapp.db. Ignored when
	// DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath stores the whatsmeow_ session tables in an existing
	// SQLite file.
	DatabasePath string `yaml:"database_path"`

	// RespondToGroups forwards group messages as well. Group notifications
	// carry a conversation title and are normally rejected by the filter.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir: "./sessions/whatsapp",
		DeviceName: "Autoresponder",
	}
}

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateWaitingQR    State = "waiting_qr"
	StateConnected    State = "connected"
	StateLoggedOut    State = "logged_out"
)

// Source implements notify.Source over a WhatsApp Web session.
type Source struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	posted         chan *notify.Posted
	postedClosed   atomic.Bool
	connected      atomic.Bool
	state          atomic.Value // State
	lastEvent      atomic.Value // time.Time
	errorCount     atomic.Int64
	qrMu           sync.Mutex
	qrObservers    []chan string
	ctx            context.Context
	cancel         context.CancelFunc
	disconnectOnce sync.Once
}

// New creates a WhatsApp source.
func New(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionDir == "" && cfg.DatabasePath == "" {
		cfg.SessionDir = DefaultConfig().SessionDir
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultConfig().DeviceName
	}
	s := &Source{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		posted: make(chan *notify.Posted, 256),
		ctx:    context.Background(),
	}
	s.state.Store(StateDisconnected)
	return s
}

// Name returns "whatsapp".
func (s *Source) Name() string { return "whatsapp" }

func (s *Source) getState() State {
	if st, ok := s.state.Load().(State); ok {
		return st
	}
	return StateDisconnected
}

// Connect opens the session store and connects. Without a linked
// session the QR login runs in the background and Connect returns
// immediately.
func (s *Source) Connect(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state.Store(StateConnecting)

	dbPath := s.cfg.DatabasePath
	if dbPath == "" {
		dbPath = strings.TrimRight(s.cfg.SessionDir, "/") + "/whatsapp.db"
	}
	s.logger.Info("whatsapp: opening session store", "path", dbPath)

	container, err := sqlstore.New(s.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		s.state.Store(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := getDevice(s.ctx, container)
	if err != nil {
		s.state.Store(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}
	store.SetOSInfo(s.cfg.DeviceName, [3]uint32{1, 0, 0})

	s.client = whatsmeow.NewClient(device, waLog.Noop)
	s.client.AddEventHandler(s.handleEvent)
	s.client.EnableAutoReconnect = true

	if s.client.Store.ID == nil {
		s.state.Store(StateWaitingQR)
		s.logger.Info("whatsapp: no linked session, waiting for QR scan")
		go func() {
			if err := s.loginWithQR(s.ctx); err != nil {
				s.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := s.client.Connect(); err != nil {
		s.state.Store(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	s.connected.Store(true)
	s.state.Store(StateConnected)
	s.logger.Info("whatsapp: connected", "jid", s.client.Store.ID.String())
	return nil
}

// Disconnect closes the connection and the posted stream.
func (s *Source) Disconnect() error {
	s.disconnectOnce.Do(func() {
		s.connected.Store(false)
		s.state.Store(StateDisconnected)
		if s.cancel != nil {
			s.cancel()
		}
		if s.client != nil {
			s.client.Disconnect()
		}
		if s.postedClosed.CompareAndSwap(false, true) {
			close(s.posted)
		}
		s.qrMu.Lock()
		for _, ch := range s.qrObservers {
			close(ch)
		}
		s.qrObservers = nil
		s.qrMu.Unlock()
		s.logger.Info("whatsapp: disconnected")
	})
	return nil
}

// Receive returns the posted notification stream.
func (s *Source) Receive() <-chan *notify.Posted { return s.posted }

// IsConnected reports whether the session is live.
func (s *Source) IsConnected() bool { return s.connected.Load() }

// Health returns the source health.
func (s *Source) Health() notify.HealthStatus {
	h := notify.HealthStatus{
		Connected:  s.connected.Load(),
		ErrorCount: int(s.errorCount.Load()),
		Details:    map[string]any{"state": string(s.getState())},
	}
	if t, ok := s.lastEvent.Load().(time.Time); ok {
		h.LastEventAt = t
	}
	if s.client != nil && s.client.Store.ID != nil {
		h.Details["jid"] = s.client.Store.ID.String()
	}
	return h
}

// SubscribeQR returns a channel of QR codes for terminal or web display
// and a function that unsubscribes.
func (s *Source) SubscribeQR() (<-chan string, func()) {
	ch := make(chan string, 4)
	s.qrMu.Lock()
	s.qrObservers = append(s.qrObservers, ch)
	s.qrMu.Unlock()
	return ch, func() {
		s.qrMu.Lock()
		defer s.qrMu.Unlock()
		for i, o := range s.qrObservers {
			if o == ch {
				s.qrObservers = append(s.qrObservers[:i], s.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (s *Source) notifyQR(code string) {
	s.qrMu.Lock()
	defer s.qrMu.Unlock()
	for _, ch := range s.qrObservers {
		select {
		case ch <- code:
		default:
		}
	}
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (s *Source) loginWithQR(ctx context.Context) error {
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				s.logger.Info("whatsapp: QR code ready")
				s.notifyQR(evt.Code)
			case "success":
				s.connected.Store(true)
				s.state.Store(StateConnected)
				s.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				s.state.Store(StateDisconnected)
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					s.state.Store(StateDisconnected)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (s *Source) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		s.handleMessage(evt)
	case *events.Connected:
		s.connected.Store(true)
		s.state.Store(StateConnected)
		s.logger.Info("whatsapp: connection established")
	case *events.Disconnected:
		s.connected.Store(false)
		s.state.Store(StateDisconnected)
		s.logger.Warn("whatsapp: connection lost, auto-reconnect active")
	case *events.LoggedOut:
		s.connected.Store(false)
		s.state.Store(StateLoggedOut)
		s.errorCount.Add(1)
		s.logger.Error("whatsapp: logged out, re-link the device", "reason", evt.Reason.String())
	case *events.StreamReplaced:
		s.connected.Store(false)
		s.state.Store(StateDisconnected)
		s.logger.Warn("whatsapp: session opened elsewhere")
	}
}

func (s *Source) handleMessage(evt *events.Message) {
	s.lastEvent.Store(time.Now())

	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup && !s.cfg.RespondToGroups {
		return
	}

	text := messageText(evt.Message)
	if text == "" {
		return
	}

	p := &notify.Posted{
		ID:        string(evt.Info.ID),
		SourceApp: SourceApp,
		Title:     evt.Info.PushName,
		Text:      text,
		PostedAt:  evt.Info.Timestamp,
		Replier:   s.replierFor(evt.Info.Chat),
	}
	if p.Title == "" {
		p.Title = evt.Info.Sender.User
	}
	if evt.Info.IsGroup {
		p.ConversationTitle = evt.Info.Chat.User
	}
	s.emit(p)
}

func (s *Source) replierFor(chat types.JID) notify.Replier {
	return notify.ReplyFunc(func(ctx context.Context, text string) error {
		if !s.connected.Load() || s.client == nil {
			return notify.ErrSourceDisconnected
		}
		if _, err := s.client.SendMessage(ctx, chat, textMessage(text)); err != nil {
			s.errorCount.Add(1)
			return fmt.Errorf("sending message: %w", err)
		}
		return nil
	})
}

func (s *Source) emit(p *notify.Posted) {
	if s.postedClosed.Load() {
		return
	}
	select {
	case s.posted <- p:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("whatsapp: posted stream full, dropping notification", "from", p.Title)
	}
}

// messageText extracts the plain text of a message.
func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if m.Conversation != nil {
		return strings.TrimSpace(m.GetConversation())
	}
	if ext := m.ExtendedTextMessage; ext != nil {
		return strings.TrimSpace(ext.GetText())
	}
	if img := m.ImageMessage; img != nil {
		return strings.TrimSpace(img.GetCaption())
	}
	return ""
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// parseJID converts "5511999999999", "+55 11 99999-9999" or a full JID
// into a types.JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Send delivers text to a JID or phone number outside of a notification
// reply, used by the CLI for connectivity checks.
func (s *Source) Send(ctx context.Context, to, text string) error {
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}
	return s.replierFor(jid).Reply(ctx, text)
}
