package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/omochice/huddle/internal/registry"
	"github.com/omochice/huddle/internal/store"
	"github.com/omochice/huddle/internal/transport/ws"
	"github.com/omochice/huddle/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	Address        string
	OutgoingBuffer int
	HistorySize    int
	MetricsPath    string
}

// Server accepts WebSocket connections on /ws/{user_id}, registers them and
// routes what they send. The same listener serves the API and metrics.
type Server struct {
	opts     Options
	listener net.Listener
	registry *registry.Registry
	router   *Router
	metrics  *Metrics
	api      *API
	server   *http.Server
	wg       sync.WaitGroup

	// mu orders accepting connections against Stop.
	mu   sync.Mutex
	quit chan struct{}
	log      *zap.Logger
}

// New creates a relay server backed by st.
func New(opts Options, st *store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.OutgoingBuffer <= 0 {
		opts.OutgoingBuffer = 64
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	reg := registry.New(log.Named("registry"))
	metrics := NewMetrics()
	router := NewRouter(reg, NewCallTable(), metrics, log.Named("router"))
	return &Server{
		opts:     opts,
		registry: reg,
		router:   router,
		metrics:  metrics,
		api:      NewAPI(st, router, opts.HistorySize, log.Named("api")),
		quit:     make(chan struct{}),
		log:      log,
	}
}

// Router returns the server's router, used to attach a cluster bridge.
func (s *Server) Router() *Router {
	return s.router
}

// Handler returns the HTTP handler of the relay.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{user_id}", s.handleWebSocket)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle(s.opts.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	s.api.Register(r)
	return r
}

// Listen binds the listening socket. Addr is valid once it returns.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("relay listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Serve serves on the socket bound by Listen until Stop is called.
func (s *Server) Serve() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds and serves. It blocks until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting, closes every connection and waits for their loops.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopping() {
		s.mu.Unlock()
		return
	}
	close(s.quit)
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}
	s.registry.Close()
	s.wg.Wait()
}

// stopping reports whether Stop was called. s.mu must be held.
func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of registered users.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	stopping := s.stopping()
	s.mu.Unlock()
	if stopping {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.Upgrade(w, r)
	if err != nil {
		s.log.Warn("failed to accept websocket connection", zap.String("user_id", userID), zap.Error(err))
		return
	}

	// Hijacked connections outlive http.Server.Shutdown, so Stop may have
	// begun during the handshake. Registering under mu means Stop either
	// closes this client or it is refused here.
	s.mu.Lock()
	if s.stopping() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	client := registry.NewClient(userID, conn, s.opts.OutgoingBuffer)
	if evicted := s.registry.Register(client); evicted != nil {
		s.metrics.evictions.Inc()
	}
	s.wg.Add(2)
	s.mu.Unlock()

	s.metrics.connections.Set(float64(s.registry.Count()))
	s.log.Info("user connected", zap.String("user_id", userID), zap.String("remote", conn.RemoteAddr()))

	go s.readLoop(client)
	go s.writeLoop(client)
}

func (s *Server) readLoop(client *registry.Client) {
	defer s.wg.Done()
	defer s.disconnect(client)

	ctx := context.Background()
	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			if !client.Closed() {
				s.log.Debug("read failed", zap.String("user_id", client.UserID), zap.Error(err))
			}
			return
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			s.log.Debug("dropping undecodable frame", zap.String("user_id", client.UserID), zap.Error(err))
			s.metrics.observeEnvelope(protocol.KindUnknown.String(), OutcomeDropped)
			continue
		}
		s.router.Route(client.UserID, env)
	}
}

func (s *Server) writeLoop(client *registry.Client) {
	defer s.wg.Done()
	if err := client.WriteLoop(context.Background()); err != nil {
		s.log.Debug("write failed", zap.String("user_id", client.UserID), zap.Error(err))
		// Unblocks the read loop.
		_ = client.Close()
	}
}

func (s *Server) disconnect(client *registry.Client) {
	_ = client.Close()
	if s.registry.Unregister(client) {
		s.log.Info("user disconnected", zap.String("user_id", client.UserID))
	}
	s.metrics.connections.Set(float64(s.registry.Count()))
}
