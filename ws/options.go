package ws

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ianic/xnet/internal/logging"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultCloseTimeout     = 5 * time.Second
)

// Dialer opens the transport stream. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configure a Conn. The zero value is usable.
type Options struct {
	// Extra request headers sent by the client, e.g. bearer token
	// Authorization. Headers which are part of the handshake itself are
	// ignored.
	Header http.Header
	// Origin header value; defaults to http(s)://host of the target uri.
	Origin string
	// Client: subprotocols offered in preference order.
	// Server: subprotocols supported, first one offered by the client wins.
	Subprotocols []string

	Dialer    Dialer
	TLSConfig *tls.Config

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// How long to wait for the peer's Close frame after sending ours,
	// before the transport is torn down.
	CloseTimeout time.Duration
	// When positive a Ping frame is sent every PingInterval while open.
	PingInterval time.Duration
	// Maximum size of a single message in bytes, zero means no limit.
	ReadLimit int64

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}
