package ws

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport is the byte stream under a connection. net.Conn satisfies it,
// if the transport also has SetWriteDeadline/SetDeadline those are used for
// write and handshake timeouts.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// WebSocket connection
//
// One Conn lives from a single Connect or Accept to Closed, it is never
// reused. After the handshake a read goroutine decodes frames and dispatches
// events to the Handler. Send, Ping and Close are safe to call from any
// goroutine, frame writes are serialized by the write lock.
type Conn struct {
	id      string
	role    Role
	handler Handler
	opts    Options
	log     *slog.Logger

	state   atomic.Int32
	started atomic.Bool

	tr Transport     // underlying byte stream
	br *bufio.Reader // buffered reader over tr, used for handshake and frames

	// set once during handshake
	header      http.Header
	requestURI  string
	subprotocol string

	wmu        sync.Mutex // write lock
	closeSent  bool       // guarded by wmu
	closeTimer *time.Timer

	abortMu  sync.Mutex
	abortErr error // reason the transport was closed from the write side

	finishOnce sync.Once
	done       chan struct{}

	// fragmented message state, owned by the read loop
	msgType OpCode // Continuation means no message in progress
	msgBuf  []byte
}

// NewConn creates connection in the connecting state. Nil handler ignores
// all events.
func NewConn(role Role, handler Handler, opts Options) *Conn {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Conn{
		id:      id,
		role:    role,
		handler: handler,
		opts:    opts,
		log:     opts.Logger.With(slog.String("conn", id), slog.String("role", role.String())),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Role() Role   { return c.role }
func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) IsOpen() bool { return c.State() == StateOpen }

// Header returns handshake header value. For a client those are response
// headers of the server, for a server request headers of the client.
func (c *Conn) Header(name string) string {
	return c.header.Get(name)
}

// Headers returns a copy of all handshake headers.
func (c *Conn) Headers() http.Header {
	return c.header.Clone()
}

// RequestURI is the request target of the client's upgrade request.
func (c *Conn) RequestURI() string { return c.requestURI }

// Subprotocol negotiated during handshake, empty if none.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// Done is closed after the Closed event has been delivered.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until the connection is closed. Must not be called from
// handler methods.
func (c *Conn) Wait() { <-c.done }

// Connect dials uri (ws or wss scheme), performs client handshake and starts
// the read loop. Canceling ctx aborts dial or handshake.
func (c *Conn) Connect(ctx context.Context, uri string) error {
	if c.role != RoleClient {
		return fmt.Errorf("connect on server connection: %w", ErrInvalidState)
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrInvalidState
	}

	u, err := url.Parse(uri)
	if err != nil {
		return c.failHandshake(&HandshakeError{Reason: "invalid uri", Err: err})
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return c.failHandshake(&HandshakeError{Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)})
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	nc, err := c.opts.Dialer.DialContext(ctx, "tcp", dialAddress(u))
	if err != nil {
		return c.failHandshake(&TransportError{Op: "dial", Err: err})
	}
	if u.Scheme == "wss" {
		cfg := &tls.Config{}
		if c.opts.TLSConfig != nil {
			cfg = c.opts.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return c.failHandshake(&TransportError{Op: "tls handshake", Err: err})
		}
		nc = tc
	}

	return c.establish(ctx, nc, func(br *bufio.Reader) error {
		header, subprotocol, err := performClientHandshake(nc, br, u, c.opts)
		if err != nil {
			return err
		}
		c.header = header
		c.subprotocol = subprotocol
		c.requestURI = u.RequestURI()
		return nil
	})
}

// Accept performs server handshake over tr and starts the read loop.
func (c *Conn) Accept(ctx context.Context, tr Transport) error {
	if c.role != RoleServer {
		return fmt.Errorf("accept on client connection: %w", ErrInvalidState)
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrInvalidState
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	return c.establish(ctx, tr, func(br *bufio.Reader) error {
		hs, err := performServerHandshake(tr, br, c.opts.Subprotocols)
		if err != nil {
			return err
		}
		c.applyHandshake(hs)
		return nil
	})
}

func (c *Conn) applyHandshake(hs *handshake) {
	c.header = hs.header
	c.requestURI = hs.uri
	c.subprotocol = hs.subprotocol
}

// establish runs handshake over tr. Handshake is aborted, by closing the
// transport, when ctx is done.
func (c *Conn) establish(ctx context.Context, tr Transport, perform func(*bufio.Reader) error) error {
	c.tr = tr
	br := bufio.NewReader(tr)

	stop := context.AfterFunc(ctx, func() { tr.Close() })
	d, hasDeadline := tr.(deadliner)
	if deadline, ok := ctx.Deadline(); ok && hasDeadline {
		_ = d.SetDeadline(deadline)
	}

	err := perform(br)
	if !stop() {
		// ctx fired, transport is closed
		err = &HandshakeError{Reason: "aborted", Err: ctx.Err()}
	}
	if err != nil {
		return c.failHandshake(err)
	}
	if hasDeadline {
		_ = d.SetDeadline(time.Time{})
	}
	c.start(br)
	return nil
}

func (c *Conn) start(br *bufio.Reader) {
	c.br = br
	c.state.Store(int32(StateOpen))
	c.log.Debug("connection open", slog.String("uri", c.requestURI), slog.String("subprotocol", c.subprotocol))
	c.handler.Opened()
	go c.readLoop()
	if c.opts.PingInterval > 0 {
		go c.keepalive()
	}
}

func (c *Conn) failHandshake(err error) error {
	c.log.Debug("handshake failed", slog.String("error", err.Error()))
	c.finish(err, StatusAbnormalClosure, "")
	return err
}

func (c *Conn) readLoop() {
	for {
		frame, err := readFrame(c.br, c.opts.ReadLimit)
		if err != nil {
			c.readFailed(err)
			return
		}
		closed, err := c.handleFrame(frame)
		if err != nil {
			c.readFailed(err)
			return
		}
		if closed {
			return
		}
	}
}

// handleFrame dispatches single frame. Returns true when the close
// handshake is finished.
func (c *Conn) handleFrame(frame Frame) (bool, error) {
	if c.role == RoleServer && !frame.masked {
		return false, protocolError(ErrMaskRequired)
	}

	switch frame.opcode {
	case Ping:
		return false, c.writeControl(Pong, frame.payload)
	case Pong:
		c.handler.Pong(frame.payload)
		return false, nil
	case Close:
		return true, c.handleClose(frame)
	case Text, Binary:
		if c.msgType != Continuation {
			return false, protocolError(ErrNestedFragmentation)
		}
		if frame.fin {
			return false, c.deliver(frame.opcode, frame.payload)
		}
		c.msgType = frame.opcode
		c.msgBuf = frame.payload
		return false, nil
	case Continuation:
		if c.msgType == Continuation {
			return false, protocolError(ErrOrphanContinuation)
		}
		if limit := c.opts.ReadLimit; limit > 0 && int64(len(c.msgBuf)+len(frame.payload)) > limit {
			return false, &ProtocolError{Code: StatusMessageTooBig, Err: ErrMessageTooBig}
		}
		c.msgBuf = append(c.msgBuf, frame.payload...)
		if !frame.fin {
			return false, nil
		}
		opcode, payload := c.msgType, c.msgBuf
		c.resetMessage()
		return false, c.deliver(opcode, payload)
	}
	panic("unreachable")
}

func (c *Conn) resetMessage() {
	c.msgType = Continuation
	c.msgBuf = nil
}

// verify that text message has valid utf8 payload and pass it to handler
func (c *Conn) deliver(opcode OpCode, payload []byte) error {
	if opcode == Text && !utf8.Valid(payload) {
		return &ProtocolError{Code: StatusInvalidPayload, Err: ErrInvalidUTF8}
	}
	c.handler.Message(payload, opcode == Text)
	return nil
}

func (c *Conn) handleClose(frame Frame) error {
	code, reason, err := frame.closeStatus()
	if err != nil {
		return err
	}
	if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		// peer initiated close, echo status code
		c.log.Debug("close received", slog.Int("code", int(code)), slog.String("reason", reason))
		if err := c.writeClose(code, ""); err != nil {
			c.finish(err, code, reason)
			return nil
		}
	}
	c.finish(nil, code, reason)
	return nil
}

func (c *Conn) readFailed(err error) {
	c.resetMessage()
	if aerr := c.abortError(); aerr != nil {
		err = aerr
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		reason := perr.Err.Error()
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		c.log.Warn("protocol error", slog.String("error", err.Error()))
		_ = c.writeClose(perr.Code, reason)
		c.finish(err, perr.Code, reason)
		return
	}

	var terr *TransportError
	if !errors.As(err, &terr) && !errors.Is(err, ErrCloseTimeout) {
		err = &TransportError{Op: "read", Err: err}
	}
	c.finish(err, StatusAbnormalClosure, "")
}

// finish moves connection to the closed state, releases transport and
// fires terminal events. Only the first call has effect.
func (c *Conn) finish(err error, code StatusCode, reason string) {
	c.finishOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.wmu.Lock()
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.wmu.Unlock()
		if c.tr != nil {
			_ = c.tr.Close()
		}

		c.log.Debug("connection closed", slog.Int("code", int(code)), slog.String("reason", reason))
		if err != nil {
			c.handler.Error(err)
		}
		c.handler.Closed(code, reason)
		close(c.done)
	})
}

// abort tears down the transport from the write side. The read loop then
// fails and reports err.
func (c *Conn) abort(err error) {
	c.abortMu.Lock()
	if c.abortErr == nil {
		c.abortErr = err
	}
	c.abortMu.Unlock()
	_ = c.tr.Close()
}

func (c *Conn) abortError() error {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	return c.abortErr
}

func (c *Conn) newFrame(opcode OpCode, payload []byte, fin bool) Frame {
	return Frame{fin: fin, opcode: opcode, masked: c.role == RoleClient, payload: payload}
}

// writeFrames writes frames to the transport under the write lock. Nothing
// is written after the Close frame, ErrInvalidState is returned then.
func (c *Conn) writeFrames(frames ...Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeSent {
		return ErrInvalidState
	}
	if wd, ok := c.tr.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	for _, frame := range frames {
		if frame.opcode == Close {
			c.closeSent = true
		}
		buffers := frame.Buffers()
		if _, err := buffers.WriteTo(c.tr); err != nil {
			err = &TransportError{Op: "write", Err: err}
			c.abort(err)
			return err
		}
	}
	return nil
}

// writeControl writes control frame, after Close frame is sent that is a
// silent no-op.
func (c *Conn) writeControl(opcode OpCode, payload []byte) error {
	err := c.writeFrames(c.newFrame(opcode, payload, true))
	if errors.Is(err, ErrInvalidState) {
		return nil
	}
	return err
}

func (c *Conn) writeClose(code StatusCode, reason string) error {
	return c.writeControl(Close, closePayload(code, reason))
}

// Send writes payload as a single Text or Binary message.
func (c *Conn) Send(payload []byte, opcode OpCode) error {
	if opcode != Text && opcode != Binary {
		return fmt.Errorf("websocket: invalid message type %s", opcode)
	}
	if c.State() != StateOpen {
		return ErrInvalidState
	}
	return c.writeFrames(c.newFrame(opcode, payload, true))
}

func (c *Conn) SendText(payload []byte) error {
	return c.Send(payload, Text)
}

func (c *Conn) SendBinary(payload []byte) error {
	return c.Send(payload, Binary)
}

// SendFragmented writes payload as one message split into frames of at
// most size bytes. Frames of one message are never interleaved with other
// Send calls.
func (c *Conn) SendFragmented(payload []byte, opcode OpCode, size int) error {
	if opcode != Text && opcode != Binary {
		return fmt.Errorf("websocket: invalid message type %s", opcode)
	}
	if size <= 0 || len(payload) <= size {
		return c.Send(payload, opcode)
	}
	if c.State() != StateOpen {
		return ErrInvalidState
	}
	frames := make([]Frame, 0, len(payload)/size+1)
	for len(payload) > 0 {
		n := min(size, len(payload))
		frames = append(frames, c.newFrame(opcode, payload[:n], n == len(payload)))
		payload = payload[n:]
		opcode = Continuation
	}
	return c.writeFrames(frames...)
}

// Ping sends Ping frame, peer's Pong is reported to Handler.Pong.
func (c *Conn) Ping(payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlFrameTooBig
	}
	if c.State() != StateOpen {
		return ErrInvalidState
	}
	return c.writeFrames(c.newFrame(Ping, payload, true))
}

// Close starts the closing handshake: sends Close frame and waits up to
// CloseTimeout for the peer's Close before tearing down the transport.
// Calling Close on connection which is not open is a no-op.
func (c *Conn) Close(code StatusCode, reason string) error {
	if len(reason) > maxCloseReason {
		return ErrCloseReasonTooLong
	}
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	c.log.Debug("closing", slog.Int("code", int(code)), slog.String("reason", reason))
	err := c.writeClose(code, reason)

	c.wmu.Lock()
	if c.State() != StateClosed {
		c.closeTimer = time.AfterFunc(c.opts.CloseTimeout, func() {
			c.abort(ErrCloseTimeout)
		})
	}
	c.wmu.Unlock()
	return err
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(nil); err != nil {
				if !errors.Is(err, ErrInvalidState) {
					c.log.Debug("keepalive ping failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func dialAddress(u *url.URL) string {
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
