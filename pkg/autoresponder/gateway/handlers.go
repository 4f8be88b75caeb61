package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
	maxSpamBody          = 64 << 10
)

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("gateway: writing response failed", "error", err)
	}
}

func (g *Gateway) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (g *Gateway) sourceStates() map[string]string {
	out := make(map[string]string)
	if g.deps.Sources == nil {
		return out
	}
	for name, st := range g.deps.Sources.HealthAll() {
		if st.Connected {
			out[name] = "connected"
		} else {
			out[name] = "disconnected"
		}
	}
	return out
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": g.deps.Version,
		"uptime":  uptime,
		"sources": g.sourceStates(),
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"sources": g.sourceStates(),
	}
	if g.deps.Engine != nil {
		resp["in_flight"] = g.deps.Engine.InFlight()
		resp["in_flight_senders"] = g.deps.Engine.InFlightSenders()
		resp["processed"] = g.deps.Engine.Processed()
	}
	if g.deps.Config != nil {
		ar := g.deps.Config.Snapshot().AutoReply
		resp["auto_reply"] = map[string]any{
			"enabled":     ar.Enabled,
			"ai_enabled":  ar.AIEnabled,
			"spam_filter": ar.SpamFilter,
			"tone":        ar.Tone,
			"delay":       []int{ar.DelayMinSeconds, ar.DelayMaxSeconds},
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleActivity implements GET /api/activity?limit=N
func (g *Gateway) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	limit := defaultActivityLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			g.writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxActivityLimit)
	}
	recs, err := g.deps.Store.ListActivity(r.Context(), limit)
	if err != nil {
		g.logger.Error("gateway: listing activity failed", "error", err)
		g.writeError(w, "listing activity failed", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"activity": recs, "count": len(recs)})
}

// handleConversations implements GET /api/conversations
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	convs, err := g.deps.Store.ListConversations(r.Context())
	if err != nil {
		g.logger.Error("gateway: listing conversations failed", "error", err)
		g.writeError(w, "listing conversations failed", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "count": len(convs)})
}

// handleStats implements GET /api/stats
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	st, err := g.deps.Store.Stats(r.Context())
	if err != nil {
		g.logger.Error("gateway: computing stats failed", "error", err)
		g.writeError(w, "computing stats failed", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, st)
}

// handleReset implements POST /api/reset
func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	res, err := g.deps.Store.Reset(r.Context())
	if err != nil {
		g.logger.Error("gateway: reset failed", "error", err)
		g.writeError(w, "reset failed", http.StatusInternalServerError)
		return
	}
	g.logger.Warn("gateway: conversation state reset",
		"conversations", res.Conversations, "turns", res.Turns, "remote", r.RemoteAddr)
	g.writeJSON(w, http.StatusOK, res)
}

// handleSpamCheck implements POST /api/spam/check
func (g *Gateway) handleSpamCheck(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	if g.deps.Engine == nil {
		g.writeError(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSpamBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		g.writeError(w, "text is required", http.StatusBadRequest)
		return
	}
	g.writeJSON(w, http.StatusOK, g.deps.Engine.CheckSpam(req.Text))
}
