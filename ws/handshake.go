package ws

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

const (
	wsMagicKey = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	wsVersion  = "13"
	crlf       = "\r\n"
)

// Generate random sec key.
// Used on client to send Sec-WebSocket-Key header
func secKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Generate Sec-WebSocket-Accept key header value on server from clients key.
func secAccept(key string) string {
	h := sha1.New()
	io.WriteString(h, key)
	io.WriteString(h, wsMagicKey)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headers the client writes itself, caller supplied values are ignored
var reservedRequestHeaders = []string{
	"Host",
	"Origin",
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Extensions",
}

type clientHandshake struct {
	url       *url.URL
	key       string
	origin    string
	header    http.Header
	protocols []string
}

func newClientHandshake(u *url.URL, opts Options) (*clientHandshake, error) {
	key, err := secKey()
	if err != nil {
		return nil, &HandshakeError{Reason: "generate key", Err: err}
	}
	origin := opts.Origin
	if origin == "" {
		scheme := "http"
		if u.Scheme == "wss" {
			scheme = "https"
		}
		origin = scheme + "://" + u.Host
	}
	return &clientHandshake{
		url:       u,
		key:       key,
		origin:    origin,
		header:    opts.Header,
		protocols: opts.Subprotocols,
	}, nil
}

func (hs *clientHandshake) request() string {
	path := hs.url.EscapedPath()
	if path == "" {
		path = "/"
	}
	if hs.url.RawQuery != "" {
		path += "?" + hs.url.RawQuery
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1"+crlf, path)
	fmt.Fprintf(&b, "Host: %s"+crlf, hostHeader(hs.url))
	fmt.Fprintf(&b, "Origin: %s"+crlf, hs.origin)
	b.WriteString("Upgrade: websocket" + crlf)
	b.WriteString("Connection: Upgrade" + crlf)
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s"+crlf, hs.key)
	b.WriteString("Sec-WebSocket-Version: " + wsVersion + crlf)
	if len(hs.protocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s"+crlf, strings.Join(hs.protocols, ", "))
	}

	names := make([]string, 0, len(hs.header))
	for name := range hs.header {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if slices.Contains(reservedRequestHeaders, http.CanonicalHeaderKey(name)) {
			continue
		}
		for _, v := range hs.header[name] {
			fmt.Fprintf(&b, "%s: %s"+crlf, name, v)
		}
	}
	b.WriteString(crlf)
	return b.String()
}

// readResponse reads upgrade response from server and verifies it. Returns
// response headers and negotiated subprotocol.
func (hs *clientHandshake) readResponse(br *bufio.Reader) (http.Header, string, error) {
	rsp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, "", &HandshakeError{Reason: "read response", Err: err}
	}
	if rsp.StatusCode != http.StatusSwitchingProtocols {
		return nil, "", &HandshakeError{
			Status: rsp.StatusCode,
			Reason: fmt.Sprintf("unexpected status %q", rsp.Status),
		}
	}
	fail := func(reason string) (http.Header, string, error) {
		return nil, "", &HandshakeError{Status: rsp.StatusCode, Reason: reason}
	}
	if !headerContainsToken(rsp.Header, "Upgrade", "websocket") {
		return fail("missing Upgrade: websocket header")
	}
	if !headerContainsToken(rsp.Header, "Connection", "upgrade") {
		return fail("missing Connection: Upgrade header")
	}
	if rsp.Header.Get("Sec-WebSocket-Accept") != secAccept(hs.key) {
		return fail("wrong accept key")
	}
	if rsp.Header.Get("Sec-WebSocket-Extensions") != "" {
		return fail("server negotiated extension which was not offered")
	}
	protocol := rsp.Header.Get("Sec-WebSocket-Protocol")
	if protocol != "" && !slices.Contains(hs.protocols, protocol) {
		return fail(fmt.Sprintf("server selected subprotocol %q which was not offered", protocol))
	}
	return rsp.Header.Clone(), protocol, nil
}

// performClientHandshake performs client side of the opening handshake over w and
// br, br must be the reader which is later used for frames.
func performClientHandshake(w io.Writer, br *bufio.Reader, u *url.URL, opts Options) (http.Header, string, error) {
	hs, err := newClientHandshake(u, opts)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(w, hs.request()); err != nil {
		return nil, "", &HandshakeError{Reason: "write request", Err: err}
	}
	return hs.readResponse(br)
}

// Host header value, default port for the scheme is omitted.
func hostHeader(u *url.URL) string {
	host, port := u.Hostname(), u.Port()
	if port == "" ||
		(u.Scheme == "ws" && port == "80") ||
		(u.Scheme == "wss" && port == "443") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

// Server side handshake state, built from client's upgrade request.
type handshake struct {
	key         string
	version     string
	host        string
	uri         string
	subprotocol string
	header      http.Header
}

func newHandshake(req *http.Request, protocols []string) (*handshake, error) {
	reject := func(status int, reason string) (*handshake, error) {
		return nil, &HandshakeError{Status: status, Reason: reason}
	}
	if req.Method != http.MethodGet {
		return reject(http.StatusMethodNotAllowed, "method must be GET")
	}
	if !req.ProtoAtLeast(1, 1) {
		return reject(http.StatusBadRequest, "HTTP/1.1 or newer required")
	}
	if req.Host == "" {
		return reject(http.StatusBadRequest, "missing Host header")
	}
	if !headerContainsToken(req.Header, "Upgrade", "websocket") {
		return reject(http.StatusBadRequest, "missing Upgrade: websocket header")
	}
	if !headerContainsToken(req.Header, "Connection", "upgrade") {
		return reject(http.StatusBadRequest, "missing Connection: Upgrade header")
	}
	version := req.Header.Get("Sec-WebSocket-Version")
	if version != wsVersion {
		return reject(http.StatusUpgradeRequired, fmt.Sprintf("unsupported version %q", version))
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return reject(http.StatusBadRequest, "missing Sec-WebSocket-Key header")
	}
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		return reject(http.StatusBadRequest, "invalid Sec-WebSocket-Key header")
	}

	return &handshake{
		key:         key,
		version:     version,
		host:        req.Host,
		uri:         req.RequestURI,
		subprotocol: selectSubprotocol(req.Header, protocols),
		header:      req.Header.Clone(),
	}, nil
}

func (hs *handshake) response() string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols" + crlf)
	b.WriteString("Upgrade: websocket" + crlf)
	b.WriteString("Connection: Upgrade" + crlf)
	b.WriteString("Sec-WebSocket-Accept: " + secAccept(hs.key) + crlf)
	if hs.subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + hs.subprotocol + crlf)
	}
	b.WriteString(crlf)
	return b.String()
}

func rejectResponse(status int) string {
	if status == 0 {
		status = http.StatusBadRequest
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s"+crlf, status, http.StatusText(status))
	if status == http.StatusUpgradeRequired {
		b.WriteString("Sec-WebSocket-Version: " + wsVersion + crlf)
	}
	b.WriteString("Connection: close" + crlf)
	b.WriteString("Content-Length: 0" + crlf + crlf)
	return b.String()
}

// performServerHandshake reads client upgrade request from br and writes
// response to w. Invalid request is answered with 4xx response.
func performServerHandshake(w io.Writer, br *bufio.Reader, protocols []string) (*handshake, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, &HandshakeError{Reason: "read request", Err: err}
	}
	hs, err := newHandshake(req, protocols)
	if err != nil {
		if herr, ok := err.(*HandshakeError); ok {
			_, _ = io.WriteString(w, rejectResponse(herr.Status))
		}
		return nil, err
	}
	if _, err := io.WriteString(w, hs.response()); err != nil {
		return nil, &HandshakeError{Status: http.StatusSwitchingProtocols, Reason: "write response", Err: err}
	}
	return hs, nil
}

// selectSubprotocol returns first protocol offered by the client which the
// server supports.
func selectSubprotocol(h http.Header, supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	for _, offered := range headerTokens(h, "Sec-WebSocket-Protocol") {
		if slices.Contains(supported, offered) {
			return offered
		}
	}
	return ""
}

func headerTokens(h http.Header, name string) []string {
	var tokens []string
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if t := strings.TrimSpace(part); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

// headerContainsToken checks if header contains the given token
// (case-insensitive).
func headerContainsToken(h http.Header, name, token string) bool {
	for _, t := range headerTokens(h, name) {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}
