package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/observability/log"
)

var _ Source = (*WebSocket)(nil)

// WebSocket accepts websocket upgrades and routes every binary message as one
// frame. Text messages close the connection.
type WebSocket struct {
	router     *Router
	logger     log.Log
	addr       string
	path       string
	maxPayload int
	upgrader   websocket.Upgrader

	running  int32
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewWebSocket(router *Router, addr, path string, opts ...SourceOption) *WebSocket {
	o := buildOptions(opts)
	if path == "" {
		path = "/ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		router:     router,
		logger:     o.logger.With(log.String("protocol", "websocket")),
		addr:       addr,
		path:       path,
		maxPayload: o.maxPayload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (s *WebSocket) Name() string { return "websocket" }

func (s *WebSocket) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listen address and serves upgrades on path in the background.
func (s *WebSocket) Start(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return errors.New("websocket source is already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle(s.path, s)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server error", log.Error(err))
		}
	}()

	s.logger.Info("websocket source started", log.String("address", ln.Addr().String()), log.String("path", s.path))
	return nil
}

// Stop closes the listener and every open connection, then waits for readers to finish.
func (s *WebSocket) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.cancel()

	err := s.server.Shutdown(ctx)

	s.connsMu.Lock()
	s.stopped = true
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	s.logger.Info("websocket source stopped")
	if err != nil {
		return errors.Wrap(err, "shutdown websocket server")
	}
	return nil
}

// ServeHTTP upgrades the request and reads frames until the peer goes away.
// It can also be mounted on an existing mux without calling Start.
func (s *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	conn.SetReadLimit(int64(HeaderSize + s.maxPayload))

	s.connsMu.Lock()
	if s.stopped {
		s.connsMu.Unlock()
		s.closeWith(conn, websocket.CloseGoingAway, "shutting down")
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.connsMu.Unlock()

	s.logger.Debug("client connected", log.String("remote_addr", conn.RemoteAddr().String()))
	s.handleConn(conn)
}

func (s *WebSocket) handleConn(conn *websocket.Conn) {
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.Close()
		s.wg.Done()
		s.logger.Debug("client disconnected", log.String("remote_addr", conn.RemoteAddr().String()))
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", log.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			s.closeWith(conn, websocket.CloseUnsupportedData, "binary frames only")
			return
		}

		p, err := Decode(data, s.maxPayload)
		if err != nil {
			s.closeWith(conn, websocket.CloseInvalidFramePayloadData, err.Error())
			return
		}
		if err = s.router.Deliver(s.ctx, p); err != nil {
			s.logger.Debug("delivery failed", log.Stringer("payload", p), log.Error(err))
		}
	}
}

func (s *WebSocket) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
