// WebSocket Protocol Frame
// reference: https://www.rfc-editor.org/rfc/rfc6455#section-5
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//	:                     Payload Data continued ...                :
//	+ - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
//	|                     Payload Data continued ...                |
//	+---------------------------------------------------------------+
package ws

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"unicode/utf8"
)

type OpCode byte

const (
	Continuation OpCode = 0
	Text         OpCode = 1
	Binary       OpCode = 2
	Close        OpCode = 8
	Ping         OpCode = 9
	Pong         OpCode = 0xa
)

func (o OpCode) String() string {
	switch o {
	case Continuation:
		return "continuation"
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	}
	return "reserved"
}

func (o OpCode) verify() error {
	if o <= Binary || (o >= Close && o <= Pong) {
		return nil
	}
	return ErrReservedOpcode
}

func (o OpCode) isControl() bool {
	return o == Close || o == Ping || o == Pong
}

const (
	finMask    byte = 0b1000_0000
	rsvMask    byte = 0b0111_0000
	opcodeMask byte = 0b0000_1111
	maskMask   byte = 0b1000_0000
	lenMask    byte = 0b0111_1111

	maxControlPayload = 125
	maxCloseReason    = maxControlPayload - 2

	// payloads above this size are read in chunks, so a frame header
	// announcing a huge length can't force a huge allocation up front
	chunkedPayloadSize = 64 << 10
)

// Frame is a single decoded or to-be-encoded WebSocket frame.
type Frame struct {
	fin     bool
	opcode  OpCode
	masked  bool
	payload []byte
}

func NewFrame(opcode OpCode, payload []byte, fin, masked bool) Frame {
	return Frame{fin: fin, opcode: opcode, masked: masked, payload: payload}
}

func (f Frame) Fin() bool       { return f.fin }
func (f Frame) OpCode() OpCode  { return f.opcode }
func (f Frame) Masked() bool    { return f.masked }
func (f Frame) Payload() []byte { return f.payload }

func (f Frame) isControl() bool { return f.opcode.isControl() }

// ReadFrame decodes one frame from r.
//
// Blocks until the whole frame is available; partial reads of the
// underlying reader are fine.
//
// Returns:
//   - io.EOF - when r is exhausted exactly on a frame boundary, clean exit
//   - io.ErrUnexpectedEOF - when EOF happens in the middle of a frame
//   - *ProtocolError - malformed frame
//   - (any other underlying reader error)
func ReadFrame(r io.Reader) (Frame, error) {
	return readFrame(r, 0)
}

// readFrame is ReadFrame with an upper bound on the declared payload
// length, zero means no bound.
func readFrame(r io.Reader, limit int64) (Frame, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Frame{}, err
	}
	first := buf[0]
	if first&rsvMask != 0 {
		return Frame{}, protocolError(ErrReservedBits)
	}
	opcode := OpCode(first & opcodeMask)
	if err := opcode.verify(); err != nil {
		return Frame{}, protocolError(err)
	}
	fin := first&finMask != 0

	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Frame{}, noEOF(err)
	}
	second := buf[0]
	masked := second&maskMask != 0
	length := uint64(second & lenMask)

	// decode payload len, read more bytes if needed
	switch length {
	case 126:
		if _, err := io.ReadFull(r, buf[:2]); err != nil {
			return Frame{}, noEOF(err)
		}
		length = uint64(binary.BigEndian.Uint16(buf[:2]))
	case 127:
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return Frame{}, noEOF(err)
		}
		length = binary.BigEndian.Uint64(buf[:8])
		if length > math.MaxInt64 {
			return Frame{}, protocolError(ErrPayloadTooLarge)
		}
	}

	if opcode.isControl() {
		if length > maxControlPayload {
			return Frame{}, protocolError(ErrControlFrameTooBig)
		}
		if !fin {
			return Frame{}, protocolError(ErrFragmentedControlFrame)
		}
	}
	if limit > 0 && length > uint64(limit) {
		return Frame{}, &ProtocolError{Code: StatusMessageTooBig, Err: ErrMessageTooBig}
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return Frame{}, noEOF(err)
		}
	}

	payload, err := readPayload(r, int64(length))
	if err != nil {
		return Frame{}, err
	}
	if masked {
		maskBytes(key, payload)
	}

	return Frame{fin: fin, opcode: opcode, masked: masked, payload: payload}, nil
}

func readPayload(r io.Reader, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n <= chunkedPayloadSize {
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, noEOF(err)
		}
		return payload, nil
	}
	var buf bytes.Buffer
	buf.Grow(chunkedPayloadSize)
	if _, err := io.CopyN(&buf, r, n); err != nil {
		return nil, noEOF(err)
	}
	return buf.Bytes(), nil
}

// noEOF converts EOF inside of a frame into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// maskBytes XORs buf with the key in place. Applying it twice with the same
// key restores the original bytes.
func maskBytes(key [4]byte, buf []byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

func newMaskKey() [4]byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], rand.Uint32())
	return key
}

func (f Frame) payloadLenBytes() int {
	l := len(f.payload)
	if l < 126 {
		return 0
	}
	if l < 65536 {
		return 2
	}
	return 8
}

func (f Frame) header(key *[4]byte) []byte {
	pbl := f.payloadLenBytes()
	size := 2 + pbl
	if key != nil {
		size += 4
	}
	header := make([]byte, size)

	header[0] = byte(f.opcode)
	if f.fin {
		header[0] |= finMask
	}
	switch pbl {
	case 0:
		header[1] = byte(len(f.payload))
	case 2:
		header[1] = byte(126)
		binary.BigEndian.PutUint16(header[2:4], uint16(len(f.payload)))
	case 8:
		header[1] = byte(127)
		binary.BigEndian.PutUint64(header[2:10], uint64(len(f.payload)))
	}
	if key != nil {
		header[1] |= maskMask
		copy(header[2+pbl:], key[:])
	}
	return header
}

// Buffers encodes the frame as header and payload buffers. A masked frame
// gets a fresh mask key and a masked copy of the payload, the frame's own
// payload is never modified.
func (f Frame) Buffers() net.Buffers {
	if !f.masked {
		return net.Buffers{f.header(nil), f.payload}
	}
	key := newMaskKey()
	payload := make([]byte, len(f.payload))
	copy(payload, f.payload)
	maskBytes(key, payload)
	return net.Buffers{f.header(&key), payload}
}

// Encode returns the frame wire bytes as a single slice.
func (f Frame) Encode() []byte {
	bufs := f.Buffers()
	out := make([]byte, 0, len(bufs[0])+len(bufs[1]))
	return append(append(out, bufs[0]...), bufs[1]...)
}

func (f Frame) WriteTo(w io.Writer) (int64, error) {
	buffers := f.Buffers()
	return buffers.WriteTo(w)
}

// closePayload builds Close frame payload: 2 byte big endian status code
// followed by the utf8 reason.
func closePayload(code StatusCode, reason string) []byte {
	if code == 0 || code == StatusNoStatusReceived || code == StatusAbnormalClosure {
		return nil
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}

// closeStatus decodes Close frame payload. Empty payload means that the
// peer sent no status.
func (f Frame) closeStatus() (StatusCode, string, error) {
	switch len(f.payload) {
	case 0:
		return StatusNoStatusReceived, "", nil
	case 1:
		return 0, "", protocolError(ErrInvalidClosePayload)
	}
	code := StatusCode(binary.BigEndian.Uint16(f.payload[0:2]))
	reason := f.payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", &ProtocolError{Code: StatusInvalidPayload, Err: ErrInvalidUTF8}
	}
	return code, string(reason), nil
}
