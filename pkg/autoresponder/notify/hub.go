package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Hub aggregates several sources into one stream.
type Hub struct {
	sources map[string]Source
	events  chan *Posted
	logger  *slog.Logger

	listenWg sync.WaitGroup
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sources: make(map[string]Source),
		events:  make(chan *Posted, 256),
		logger:  logger.With("component", "notify"),
	}
}

// Register adds a source. It must be called before Start.
func (h *Hub) Register(s Source) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := s.Name()
	if _, exists := h.sources[name]; exists {
		return fmt.Errorf("source %q already registered", name)
	}
	h.sources[name] = s
	h.logger.Info("notify: source registered", "source", name)
	return nil
}

// Start connects every source concurrently and begins forwarding. Sources
// that fail to connect are logged and skipped; Start fails only when
// sources were registered and none connected.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.mu.RLock()
	snapshot := make([]Source, 0, len(h.sources))
	for _, s := range h.sources {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		h.logger.Warn("notify: no sources registered")
		return nil
	}

	var mu sync.Mutex
	connected := 0
	g, gctx := errgroup.WithContext(h.ctx)
	for _, s := range snapshot {
		g.Go(func() error {
			if err := s.Connect(gctx); err != nil {
				h.logger.Error("notify: source failed to connect", "source", s.Name(), "error", err)
				return nil
			}
			mu.Lock()
			connected++
			mu.Unlock()
			h.logger.Info("notify: source connected", "source", s.Name())

			h.listenWg.Add(1)
			go func() {
				defer h.listenWg.Done()
				h.listen(s)
			}()
			return nil
		})
	}
	_ = g.Wait()

	if connected == 0 {
		return fmt.Errorf("no notification source connected")
	}
	h.logger.Info("notify: hub started", "sources_connected", connected)
	return nil
}

// Stop disconnects every source and closes the aggregated stream.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.listenWg.Wait()

		h.mu.RLock()
		for name, s := range h.sources {
			if err := s.Disconnect(); err != nil {
				h.logger.Error("notify: disconnecting source failed", "source", name, "error", err)
			}
		}
		h.mu.RUnlock()

		close(h.events)
		h.logger.Info("notify: hub stopped")
	})
}

// Events returns the aggregated stream.
func (h *Hub) Events() <-chan *Posted { return h.events }

// Source returns a registered source by name.
func (h *Hub) Source(name string) (Source, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sources[name]
	return s, ok
}

// Names returns the registered source names, sorted.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sources))
	for n := range h.sources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// HealthAll returns the health of every source.
func (h *Hub) HealthAll() map[string]HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]HealthStatus, len(h.sources))
	for n, s := range h.sources {
		out[n] = s.Health()
	}
	return out
}

func (h *Hub) listen(s Source) {
	in := s.Receive()
	for {
		select {
		case <-h.ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				h.logger.Warn("notify: source stream closed", "source", s.Name())
				return
			}
			select {
			case h.events <- p:
			case <-h.ctx.Done():
				return
			}
		}
	}
}
