package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ianic/xnet/internal/logging"
)

// AcceptFunc is called for each incoming connection before its handshake
// and returns the handler for that connection's events.
type AcceptFunc func(*Conn) Handler

func newServerConn(accept AcceptFunc, opts Options) *Conn {
	c := NewConn(RoleServer, nil, opts)
	if accept != nil {
		if h := accept(c); h != nil {
			c.handler = h
		}
	}
	return c
}

// Server accepts WebSocket connections, on a raw tcp listener with Serve or
// from net/http with ServeHTTP, and tracks open connections for Shutdown.
type Server struct {
	Accept  AcceptFunc
	Options Options

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewServer(accept AcceptFunc, opts Options) *Server {
	return &Server{Accept: accept, Options: opts, conns: make(map[string]*Conn)}
}

func (s *Server) logger() *slog.Logger {
	if s.Options.Logger != nil {
		return s.Options.Logger
	}
	return logging.Nop()
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	if s.conns == nil {
		s.conns = make(map[string]*Conn)
	}
	s.conns[c.ID()] = c
	s.mu.Unlock()
	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
	}()
}

// Len returns number of connections which are not yet closed.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve starts WebSocket server listening at `address`. Returns when ctx is
// done, open connections are left running, use Shutdown for them.
func (s *Server) Serve(ctx context.Context, address string) error {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, nl)
}

func (s *Server) ServeListener(ctx context.Context, nl net.Listener) error {
	go func() {
		<-ctx.Done()
		nl.Close()
	}()
	s.logger().Debug("listening", slog.String("address", nl.Addr().String()))
	for {
		nc, err := nl.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				return err
			}
			break
		}
		go func(nc net.Conn) {
			c := newServerConn(s.Accept, s.Options)
			if err := c.Accept(ctx, nc); err != nil {
				s.logger().Debug("accept failed",
					slog.String("remote", nc.RemoteAddr().String()),
					slog.String("error", err.Error()))
				return
			}
			s.track(c)
		}(nc)
	}
	return nil
}

// ServeHTTP upgrades http request to WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrade(w, r, s.Accept, s.Options, s.track)
	if err != nil {
		s.logger().Debug("upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.logger().Debug("upgraded", slog.String("conn", c.ID()), slog.String("uri", c.RequestURI()))
}

// Shutdown sends Close(GoingAway) to all open connections and waits for
// them to finish closing or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(StatusGoingAway, "server shutdown")
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Serve runs Server with accept and opts on address until ctx is done.
func Serve(ctx context.Context, address string, accept AcceptFunc, opts Options) error {
	return NewServer(accept, opts).Serve(ctx, address)
}

// Upgrade validates WebSocket upgrade request, hijacks the underlying
// connection from net/http and starts server side Conn. Invalid request is
// answered with http error status.
func Upgrade(w http.ResponseWriter, r *http.Request, accept AcceptFunc, opts Options) (*Conn, error) {
	return upgrade(w, r, accept, opts, nil)
}

func upgrade(w http.ResponseWriter, r *http.Request, accept AcceptFunc, opts Options, track func(*Conn)) (*Conn, error) {
	c := newServerConn(accept, opts)
	c.started.Store(true)

	hs, err := newHandshake(r, c.opts.Subprotocols)
	if err != nil {
		var herr *HandshakeError
		if errors.As(err, &herr) {
			if herr.Status == http.StatusUpgradeRequired {
				w.Header().Set("Sec-WebSocket-Version", wsVersion)
			}
			http.Error(w, herr.Reason, herr.Status)
		}
		return nil, c.failHandshake(err)
	}

	nc, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, "websocket: hijack not supported", http.StatusInternalServerError)
		return nil, c.failHandshake(&HandshakeError{Status: http.StatusInternalServerError, Reason: "hijack", Err: err})
	}
	c.tr = nc
	c.applyHandshake(hs)
	_ = nc.SetDeadline(time.Time{})
	_ = nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if _, err := io.WriteString(nc, hs.response()); err != nil {
		return nil, c.failHandshake(&HandshakeError{Status: http.StatusSwitchingProtocols, Reason: "write response", Err: err})
	}
	if track != nil {
		track(c)
	}
	c.start(brw.Reader)
	return c, nil
}

// Echo returns handler which sends every message received on c back to
// the peer, with the same type.
func Echo(c *Conn) Handler {
	return HandlerFuncs{
		OnMessage: func(payload []byte, text bool) {
			opcode := Binary
			if text {
				opcode = Text
			}
			if err := c.Send(payload, opcode); err != nil {
				c.log.Debug("echo send failed", slog.String("error", err.Error()))
			}
		},
	}
}
