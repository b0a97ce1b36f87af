// Package gateway is the HTTP surface: REST endpoints for messages,
// autonomy settings, actions, heartbeats and triggers, a WebSocket event
// stream, and the health probe. Everything except /healthz requires the
// bearer token when one is configured.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/warroom/internal/actions"
	"github.com/basket/warroom/internal/bus"
	"github.com/basket/warroom/internal/dispatch"
	"github.com/basket/warroom/internal/heartbeat"
	warotel "github.com/basket/warroom/internal/otel"
	"github.com/basket/warroom/internal/persistence"
	"github.com/basket/warroom/internal/trigger"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Store     *persistence.Store
	Dispatch  *dispatch.Bus
	EventBus  *bus.Bus
	Lifecycle *actions.Lifecycle
	Recorder  *heartbeat.Recorder
	Triggers  *trigger.Engine

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// Tracer, when set, opens a server span per API request.
	Tracer trace.Tracer

	// Version is reported by /healthz.
	Version string
}

type Server struct {
	cfg     Config
	started time.Time
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/messages/overdue", s.handleOverdue)
	mux.HandleFunc("/api/messages/", s.handleMessageByID)
	mux.HandleFunc("/api/autonomy", s.handleAutonomy)
	mux.HandleFunc("/api/actions", s.handleActions)
	mux.HandleFunc("/api/actions/", s.handleActionByID)
	mux.HandleFunc("/api/heartbeats", s.handleHeartbeats)
	mux.HandleFunc("/api/triggers", s.handleTriggers)
	mux.HandleFunc("/api/triggers/", s.handleTriggerByID)
	mux.HandleFunc("/api/events", s.handleEvents)

	if s.cfg.Tracer == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := warotel.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize checks the bearer token. An empty configured token disables
// auth (local-only binds).
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// listResponse is the shared pagination envelope.
type listResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"version":        s.cfg.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}
