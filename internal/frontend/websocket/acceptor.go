package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/game/session"
)

const shutdownTimeout = 5 * time.Second

// EventSink receives connection lifecycle events. session.Loop implements it.
type EventSink interface {
	Connect(id session.ConnID) error
	Message(id session.ConnID, data []byte) error
	Close(id session.ConnID) error
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithMetricsHandler serves h at path alongside the WebSocket endpoint.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(a *Acceptor) {
		a.metricsPath = path
		a.metricsHandler = h
	}
}

// Acceptor serves the WebSocket endpoint and dispatches each connection's
// events to an EventSink.
type Acceptor struct {
	cfg    config.WebSocketConfig
	hub    *Hub
	sink   EventSink
	logger *zap.Logger

	upgrader       websocket.Upgrader
	metricsPath    string
	metricsHandler http.Handler

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an acceptor with the given configuration.
//
// Precondition: hub, sink, and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, hub *Hub, sink EventSink, logger *zap.Logger, opts ...Option) *Acceptor {
	a := &Acceptor{
		cfg:    cfg,
		hub:    hub,
		sink:   sink,
		logger: logger,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the HTTP routes: the upgrade endpoint, /healthz, and the
// metrics endpoint when configured.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.metricsHandler != nil {
		mux.Handle(a.metricsPath, a.metricsHandler)
	}
	mux.HandleFunc(a.cfg.Path, a.ServeWS)
	return mux
}

// ListenAndServe listens on the configured address and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// ServeWS upgrades the request and starts the client's pumps.
func (a *Acceptor) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	c := newClient(session.NewConnID(), conn, a.cfg, a.logger)
	a.hub.add(c)
	if err := a.sink.Connect(c.id); err != nil {
		a.logger.Warn("rejecting connection", zap.String("conn", string(c.id)), zap.Error(err))
		a.hub.remove(c.id)
		_ = conn.Close()
		return
	}

	a.logger.Info("client connected",
		zap.String("conn", string(c.id)),
		zap.String("remote_addr", r.RemoteAddr),
	)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		c.writePump()
	}()
	go func() {
		defer a.wg.Done()
		start := time.Now()
		c.readPump(a.sink)
		a.disconnect(c, time.Since(start))
	}()
}

// disconnect releases the client and reports the close exactly once.
func (a *Acceptor) disconnect(c *Client, lifetime time.Duration) {
	if !a.hub.remove(c.id) {
		return
	}
	c.outbox.Close()
	if err := a.sink.Close(c.id); err != nil {
		a.logger.Debug("close not delivered", zap.String("conn", string(c.id)), zap.Error(err))
	}
	a.logger.Info("client disconnected",
		zap.String("conn", string(c.id)),
		zap.Duration("duration", lifetime),
	)
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range a.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Stop shuts the HTTP server down, disconnects every client, and waits for
// their pumps to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.hub.closeAll()
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently serving.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
