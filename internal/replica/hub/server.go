package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platelet-app/dispatchsync/internal/identity"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// ProtocolVersion is the hub wire protocol version. Clients require the
// same major version.
const ProtocolVersion = "v1.1.0"

// HeaderAsOf carries the hub time a listing was taken at.
const HeaderAsOf = "X-Hub-As-Of"

// Frame types sent on a subscription.
const (
	FrameReady  = "ready"
	FrameChange = "change"
)

// Frame is one websocket message on a subscription. The hub sends a ready
// frame once the subscription is registered; every change committed after
// that point follows as a change frame.
type Frame struct {
	Type     string              `json:"type"`
	Protocol string              `json:"protocol,omitempty"`
	Event    *schema.ChangeEvent `json:"event,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status   string `json:"status"`
	Protocol string `json:"protocol"`
	Clients  int    `json:"clients"`
	Stats    Stats  `json:"stats"`
}

// Server exposes a Ledger over HTTP and websocket.
type Server struct {
	ledger   *Ledger
	addr     string
	secret   string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// JWTSecret enables bearer token authentication when set.
	JWTSecret string

	// Logger for server activity (default: slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		Logger: slog.Default(),
	}
}

// NewServer creates a hub server for ledger.
func NewServer(ledger *Ledger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ledger:  ledger,
		addr:    config.Addr,
		secret:  config.JWTSecret,
		clients: make(map[*websocket.Conn]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the hub's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.secret != "" {
		r.Use(identity.Middleware(s.secret, "/health", "/metrics"))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/mutations", s.handleSubmit)
		r.Get("/entities/{type}", s.handleList)
		r.Get("/subscribe", s.handleSubscribe)
	})
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("hub listening", "addr", ln.Addr().String(), "protocol", ProtocolVersion)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop closes every subscription and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping hub")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("hub stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var sub schema.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&sub); err != nil {
		writeRejection(w, syncerr.New(syncerr.ErrValidationRejected, schema.Key{}, "malformed submission: "+err.Error()))
		submissionsTotal.WithLabelValues("unknown", syncerr.CodeValidation).Inc()
		return
	}

	if actor, ok := identity.FromContext(r.Context()); ok && sub.Op == schema.OpCreate {
		if sub.Fields == nil {
			sub.Fields = schema.Fields{}
		}
		if !sub.Fields.IsSet(schema.FieldCreatedBy) {
			sub.Fields[schema.FieldCreatedBy] = actor.ID
		}
		if actor.TenantID != "" && !sub.Fields.IsSet(schema.FieldTenantID) {
			sub.Fields[schema.FieldTenantID] = actor.TenantID
		}
	}

	ack, err := s.ledger.Submit(sub)
	submitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		submissionsTotal.WithLabelValues(string(sub.Op), syncerr.Code(err)).Inc()
		writeRejection(w, err)
		return
	}
	submissionsTotal.WithLabelValues(string(sub.Op), "ok").Inc()
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t, err := schema.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entities, asOf := s.ledger.Listing(t)
	if entities == nil {
		entities = []schema.Entity{}
	}
	if !asOf.IsZero() {
		w.Header().Set(HeaderAsOf, schema.Timestamp(asOf))
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var types []schema.EntityType
	for _, name := range r.URL.Query()["type"] {
		t, err := schema.ParseEntityType(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		http.Error(w, "at least one type parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	events, cancel := s.ledger.Subscribe(types...)
	defer cancel()

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	subscribersGauge.Inc()
	s.logger.Info("client connected", "types", types, "total", clientCount)
	defer s.removeClient(conn)

	// CloseRead discards client messages and cancels ctx on disconnect.
	ctx := conn.CloseRead(s.ctx)

	if err := s.writeFrame(ctx, conn, Frame{Type: FrameReady, Protocol: ProtocolVersion}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				return
			}
			if err := s.writeFrame(ctx, conn, Frame{Type: FrameChange, Event: &ev}); err != nil {
				s.logger.Warn("failed to send to client", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		subscribersGauge.Dec()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("client disconnected", "total", clientCount)
	} else {
		s.clientsMu.Unlock()
		subscribersGauge.Dec()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:   "ok",
		Protocol: ProtocolVersion,
		Clients:  s.ClientCount(),
		Stats:    s.ledger.Stats(),
	})
}

// StatusFor maps a submission error to its HTTP status.
func StatusFor(err error) int {
	switch syncerr.Code(err) {
	case syncerr.CodeValidation:
		return http.StatusUnprocessableEntity
	case syncerr.CodeConflict:
		return http.StatusConflict
	case syncerr.CodeDeleted:
		return http.StatusGone
	default:
		return http.StatusServiceUnavailable
	}
}

func writeRejection(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), syncerr.Rejection(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
