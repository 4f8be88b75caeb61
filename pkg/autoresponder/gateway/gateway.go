// Package gateway provides the operator HTTP API of the autoresponder and
// mounts the device bridge.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/bridge"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/spam"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
)

// Engine is the runtime view of the processing engine.
type Engine interface {
	InFlight() int
	InFlightSenders() []string
	Processed() int64
	CheckSpam(text string) spam.Result
}

// Store is the persisted state the API exposes.
type Store interface {
	ListActivity(ctx context.Context, limit int) ([]activity.Record, error)
	ListConversations(ctx context.Context) ([]stage.Conversation, error)
	Stats(ctx context.Context) (store.Stats, error)
	Reset(ctx context.Context) (store.ResetResult, error)
}

// Sources reports notification source health.
type Sources interface {
	HealthAll() map[string]notify.HealthStatus
}

// Deps are the collaborators served by the gateway. Bridge may be nil.
type Deps struct {
	Engine  Engine
	Store   Store
	Sources Sources
	Config  *config.Holder
	Bridge  http.Handler
	Version string
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	deps      Deps
	config    config.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(cfg config.GatewayConfig, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8086"
	}
	return &Gateway{
		deps:      deps,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the complete middleware-wrapped router.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/activity", g.handleActivity)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/stats", g.handleStats)
	mux.HandleFunc("/api/reset", g.handleReset)
	mux.HandleFunc("/api/spam/check", g.handleSpamCheck)

	if g.deps.Bridge != nil {
		mux.Handle(bridge.Path, g.deps.Bridge)
	}

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway: no auth token on a non-loopback address, anyone on the network can use the API",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: server error", "error", err)
		}
	}()
	g.logger.Info("gateway: started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway: stopping")
	return g.server.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, _ := net.SplitHostPort(addr)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
