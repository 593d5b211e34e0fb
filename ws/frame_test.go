package ws

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	helloFrame       = []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}
	maskedHelloFrame = []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	pingFrame        = []byte{0x89, 0x00}
	pongFrame        = []byte{0x8a, 0x00}
	closeFrame       = []byte{0x88, 0x02, 0x03, 0xe9} // status 1001

	fragment1 = []byte{0x01, 0x1, 0x48}             // first text frame
	fragment2 = []byte{0x00, 0x3, 0x65, 0x6c, 0x6c} // continuation frame
	fragment3 = []byte{0x80, 0x2, 0x6f, 0x21}       // last continuation frame
)

func concat(bufs ...[]byte) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func TestReadFrame(t *testing.T) {
	cases := []struct {
		data     []byte
		expected Frame
	}{
		{helloFrame, Frame{fin: true, opcode: Text, payload: []byte("Hello")}},
		{maskedHelloFrame, Frame{fin: true, opcode: Text, masked: true, payload: []byte("Hello")}},
		{pingFrame, Frame{fin: true, opcode: Ping}},
		{pongFrame, Frame{fin: true, opcode: Pong}},
		{closeFrame, Frame{fin: true, opcode: Close, payload: []byte{0x03, 0xe9}}},
		{fragment1, Frame{fin: false, opcode: Text, payload: []byte("H")}},
		{fragment3, Frame{fin: true, opcode: Continuation, payload: []byte("o!")}},
	}
	for i, c := range cases {
		frame, err := ReadFrame(bytes.NewReader(c.data))
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, c.expected.fin, frame.Fin(), "case %d", i)
		assert.Equal(t, c.expected.opcode, frame.OpCode(), "case %d", i)
		assert.Equal(t, c.expected.masked, frame.Masked(), "case %d", i)
		assert.Equal(t, string(c.expected.payload), string(frame.Payload()), "case %d", i)
	}

	code, reason, err := mustReadFrame(t, closeFrame).closeStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusGoingAway, code)
	assert.Empty(t, reason)
}

func mustReadFrame(t *testing.T, data []byte) Frame {
	t.Helper()
	frame, err := ReadFrame(bytes.NewReader(data))
	require.NoError(t, err)
	return frame
}

func TestReadFragmentedMessage(t *testing.T) {
	r := bytes.NewReader(concat(fragment1, pingFrame, fragment2, pongFrame, fragment3))
	expected := []struct {
		opcode OpCode
		fin    bool
	}{
		{Text, false},
		{Ping, true},
		{Continuation, false},
		{Pong, true},
		{Continuation, true},
	}

	var payload []byte
	for i, e := range expected {
		frame, err := ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, e.opcode, frame.opcode, "frame %d", i)
		assert.Equal(t, e.fin, frame.fin, "frame %d", i)
		if !frame.isControl() {
			payload = append(payload, frame.payload...)
		}
	}
	assert.Equal(t, "Hello!", string(payload))

	_, err := ReadFrame(r)
	assert.Equal(t, io.EOF, err)
}

func TestReadFramePartialReads(t *testing.T) {
	data := concat(maskedHelloFrame, NewFrame(Binary, bytes.Repeat([]byte{0xab}, 70000), true, true).Encode())
	r := iotest.OneByteReader(bytes.NewReader(data))

	frame, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(frame.payload))

	frame, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 70000), frame.payload)
}

func TestFrameRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 125, 126, 127, 65535, 65536}
	opcodes := []OpCode{Text, Binary, Continuation, Close, Ping, Pong}

	for _, opcode := range opcodes {
		for _, length := range lengths {
			if opcode.isControl() && length > maxControlPayload {
				continue
			}
			for _, masked := range []bool{false, true} {
				name := fmt.Sprintf("%s/%d/masked=%v", opcode, length, masked)
				t.Run(name, func(t *testing.T) {
					payload := make([]byte, length)
					for i := range payload {
						payload[i] = byte(i)
					}
					original := append([]byte(nil), payload...)
					fin := opcode.isControl() || length%2 == 0

					data := NewFrame(opcode, payload, fin, masked).Encode()
					frame, err := ReadFrame(bytes.NewReader(data))
					require.NoError(t, err)

					assert.Equal(t, opcode, frame.opcode)
					assert.Equal(t, fin, frame.fin)
					assert.Equal(t, masked, frame.masked)
					assert.Equal(t, len(original), len(frame.payload))
					assert.True(t, bytes.Equal(original, frame.payload))
					// caller buffer is never masked in place
					assert.True(t, bytes.Equal(original, payload))
				})
			}
		}
	}
}

func TestEncodeLengthBoundaries(t *testing.T) {
	cases := []struct {
		length     int
		headerSize int
		lenByte    byte
	}{
		{0, 2, 0},
		{125, 2, 125},
		{126, 4, 126},
		{65535, 4, 126},
		{65536, 10, 127},
	}
	for _, c := range cases {
		frame := NewFrame(Binary, make([]byte, c.length), true, false)
		header := frame.header(nil)
		assert.Len(t, header, c.headerSize, "length %d", c.length)
		assert.Equal(t, c.lenByte, header[1], "length %d", c.length)

		masked := NewFrame(Binary, make([]byte, c.length), true, true).Buffers()
		assert.Len(t, masked[0], c.headerSize+4, "length %d", c.length)
		assert.Equal(t, c.lenByte|maskMask, masked[0][1], "length %d", c.length)
	}
}

func TestMaskIsSelfInverse(t *testing.T) {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("Hello")
	maskBytes(key, payload)
	// masked bytes from the RFC example
	assert.Equal(t, maskedHelloFrame[6:], payload)
	maskBytes(key, payload)
	assert.Equal(t, "Hello", string(payload))

	for range 10 {
		key := newMaskKey()
		data := bytes.Repeat([]byte("0123456789"), 13)
		buf := append([]byte(nil), data...)
		maskBytes(key, buf)
		maskBytes(key, buf)
		assert.Equal(t, data, buf)
	}
}

func TestReadFrameProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		err  error
	}{
		{"rsv1", []byte{0xc1, 0x00}, ErrReservedBits},
		{"rsv2", []byte{0xa1, 0x00}, ErrReservedBits},
		{"rsv3", []byte{0x91, 0x00}, ErrReservedBits},
		{"opcode 3", []byte{0x83, 0x00}, ErrReservedOpcode},
		{"opcode 7", []byte{0x87, 0x00}, ErrReservedOpcode},
		{"opcode 11", []byte{0x8b, 0x00}, ErrReservedOpcode},
		{"opcode 15", []byte{0x8f, 0x00}, ErrReservedOpcode},
		{"fragmented ping", []byte{0x09, 0x00}, ErrFragmentedControlFrame},
		{"fragmented close", []byte{0x08, 0x00}, ErrFragmentedControlFrame},
		{"ping 126", []byte{0x89, 0x7e, 0x00, 0x7e}, ErrControlFrameTooBig},
		{"64 bit length top bit", []byte{0x82, 0x7f, 0x80, 0, 0, 0, 0, 0, 0, 0}, ErrPayloadTooLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(c.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, c.err)

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, StatusProtocolError, perr.Code)
		})
	}
}

func TestReservedBitsCheckedBeforeSecondByte(t *testing.T) {
	r := bytes.NewReader([]byte{0xc1})
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrReservedBits)
}

func TestOversizedControlFrameRejectedBeforePayload(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, 200)
	header := []byte{0x89, 0x80 | 126, 0, 0}
	binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	data := concat(header, []byte{1, 2, 3, 4}, payload)

	r := bytes.NewReader(data)
	_, err := ReadFrame(r)
	require.ErrorIs(t, err, ErrControlFrameTooBig)
	// mask key and payload are left unread
	assert.Equal(t, 4+len(payload), r.Len())
}

func TestReadFrameUnexpectedEOF(t *testing.T) {
	cases := [][]byte{
		helloFrame[:1],
		helloFrame[:4],
		maskedHelloFrame[:4],
		maskedHelloFrame[:8],
		{0x82, 0x7e, 0x01},
		{0x82, 0x7f, 0, 0, 0, 0},
	}
	for i, data := range cases {
		_, err := ReadFrame(bytes.NewReader(data))
		assert.Equal(t, io.ErrUnexpectedEOF, err, "case %d", i)
	}

	_, err := ReadFrame(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameLimit(t *testing.T) {
	data := NewFrame(Binary, make([]byte, 1024), true, false).Encode()

	_, err := readFrame(bytes.NewReader(data), 1024)
	require.NoError(t, err)

	r := bytes.NewReader(data)
	_, err = readFrame(r, 1023)
	require.ErrorIs(t, err, ErrMessageTooBig)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StatusMessageTooBig, perr.Code)
	assert.Equal(t, 1024, r.Len())
}

func TestHugeDeclaredLengthDoesNotAllocateUpfront(t *testing.T) {
	header := []byte{0x82, 0x7f, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint64(header[2:], 1<<40)
	data := concat(header, []byte("short"))

	_, err := ReadFrame(bytes.NewReader(data))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestClosePayload(t *testing.T) {
	payload := closePayload(StatusNormalClosure, "bye")
	assert.Equal(t, []byte{0x03, 0xe8, 'b', 'y', 'e'}, payload)

	assert.Nil(t, closePayload(StatusNoStatusReceived, "ignored"))
	assert.Nil(t, closePayload(StatusAbnormalClosure, ""))

	frame := mustReadFrame(t, NewFrame(Close, payload, true, true).Encode())
	code, reason, err := frame.closeStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusNormalClosure, code)
	assert.Equal(t, "bye", reason)
}

func TestCloseStatus(t *testing.T) {
	code, reason, err := Frame{opcode: Close}.closeStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusNoStatusReceived, code)
	assert.Empty(t, reason)

	_, _, err = Frame{opcode: Close, payload: []byte{0x03}}.closeStatus()
	assert.ErrorIs(t, err, ErrInvalidClosePayload)

	_, _, err = Frame{opcode: Close, payload: []byte{0x03, 0xe8, 0xff, 0xfe}}.closeStatus()
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StatusInvalidPayload, perr.Code)

	// codes are decoded as they are, not validated
	code, _, err = Frame{opcode: Close, payload: []byte{0x0b, 0xb8}}.closeStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusCode(3000), code)
}

func TestFrameWriteTo(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewFrame(Text, []byte("Hello"), true, false).WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(helloFrame)), n)
	assert.Equal(t, helloFrame, buf.Bytes())
}
