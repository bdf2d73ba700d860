package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/BamaHodl/Fulcrum/config"
	"github.com/BamaHodl/Fulcrum/internal/headersync"
	"github.com/BamaHodl/Fulcrum/libs/log"
	"github.com/BamaHodl/Fulcrum/libs/service"
	"github.com/BamaHodl/Fulcrum/types"
)

// HeaderReader is the slice of the storage engine the server reads from.
type HeaderReader interface {
	NumHeaders() int64
	LoadHeader(height int64) (*types.Header, error)
}

// wsClientBuffer bounds the per-connection event queue. A client that cannot
// drain its queue misses events rather than stalling the controller.
const wsClientBuffer = 32

// Server is the client-facing HTTP and WebSocket surface. It stays down
// until the controller reports the index caught up with the node for the
// first time, then serves status, headers and a status event stream.
//
// Server implements headersync.StatusListener; its callbacks run on the
// controller goroutine and only enqueue, never block.
type Server struct {
	service.BaseService
	logger log.Logger

	cfg     *config.ServerConfig
	stats   func() headersync.Stats
	headers HeaderReader

	listener net.Listener
	srv      *http.Server

	upgrader websocket.Upgrader

	mtx     sync.Mutex
	clients map[*wsClient]struct{}
}

var _ headersync.ServingControl = (*Server)(nil)
var _ headersync.StatusListener = (*Server)(nil)

// New returns an unstarted server. stats is called on every /status request
// and must be safe for concurrent use.
func New(logger log.Logger, cfg *config.ServerConfig, stats func() headersync.Stats, headers HeaderReader) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		stats:   stats,
		headers: headers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
	s.BaseService = *service.NewBaseService(logger, "Server", s)
	return s
}

// StartServing brings the server up. The controller calls this exactly once,
// on the first catch-up; a repeated call is a no-op.
func (s *Server) StartServing(ctx context.Context) error {
	err := s.Start(ctx)
	if errors.Is(err, service.ErrAlreadyStarted) {
		return nil
	}
	return err
}

// ListenAddr returns the bound address, valid once the server is running.
// Useful when the configured address holds port 0.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) OnStart(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tip", s.handleTip)
	mux.HandleFunc("/headers/", s.handleHeader)
	mux.HandleFunc("/ws", s.handleWebsocket)

	var handler http.Handler = mux
	if s.cfg.IsCorsEnabled() {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: s.cfg.CORSAllowedMethods,
			AllowedHeaders: s.cfg.CORSAllowedHeaders,
		}).Handler(mux)
	}

	s.srv = &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		s.logger.Info("serving clients", "addr", listener.Addr().String())
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server terminated", "err", err)
		}
	}()

	return nil
}

func (s *Server) OnStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "err", err)
	}

	s.mtx.Lock()
	for c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[*wsClient]struct{})
	s.mtx.Unlock()
}

//-----------------------------------------------------------------------------
// HTTP handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	height := s.headers.NumHeaders() - 1
	if height < 0 {
		writeError(w, http.StatusNotFound, "index is empty")
		return
	}

	header, err := s.headers.LoadHeader(height)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func (s *Server) handleHeader(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/headers/")
	height, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || height < 0 {
		writeError(w, http.StatusBadRequest, "height must be a non-negative integer")
		return
	}

	header, err := s.headers.LoadHeader(height)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, header)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

//-----------------------------------------------------------------------------
// Status event stream

// StatusEvent is one entry in the /ws stream.
type StatusEvent struct {
	Event string    `json:"event"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// Synchronizing implements headersync.StatusListener.
func (s *Server) Synchronizing() {
	s.broadcast(StatusEvent{Event: "synchronizing", Time: time.Now()})
}

// UpToDate implements headersync.StatusListener.
func (s *Server) UpToDate() {
	s.broadcast(StatusEvent{Event: "up_to_date", Time: time.Now()})
}

// SyncFailure implements headersync.StatusListener.
func (s *Server) SyncFailure(err error) {
	s.broadcast(StatusEvent{Event: "sync_failure", Error: err.Error(), Time: time.Now()})
}

func (s *Server) broadcast(ev StatusEvent) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			// slow client; drop the event
		}
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan StatusEvent
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan StatusEvent, wsClientBuffer)}
	// greet the client so it knows its subscription is live
	c.send <- StatusEvent{Event: "connected", Time: time.Now()}

	s.mtx.Lock()
	s.clients[c] = struct{}{}
	s.mtx.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

// writePump delivers queued events to the client until the queue is closed
// or a write fails.
func (s *Server) writePump(c *wsClient) {
	defer c.conn.Close()

	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			s.dropClient(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards inbound frames; its only purpose is detecting the close.
func (s *Server) readPump(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.dropClient(c)
			return
		}
	}
}

func (s *Server) dropClient(c *wsClient) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}
