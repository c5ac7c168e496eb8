package peerprotocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFixedFrames(t *testing.T) {
	cases := []struct {
		msg      Message
		expected []byte
	}{
		{KeepAliveMessage{}, []byte{0, 0, 0, 0}},
		{ChokeMessage{}, []byte{0, 0, 0, 1, 0}},
		{UnchokeMessage{}, []byte{0, 0, 0, 1, 1}},
		{InterestedMessage{}, []byte{0, 0, 0, 1, 2}},
		{NotInterestedMessage{}, []byte{0, 0, 0, 1, 3}},
		{HaveMessage{Index: 0x01020304}, []byte{0, 0, 0, 5, 4, 1, 2, 3, 4}},
		{BitfieldMessage{Data: []byte{0x96, 0x80}}, []byte{0, 0, 0, 3, 5, 0x96, 0x80}},
		{RequestMessage{Index: 1, Begin: 2, Length: 3}, []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}},
		{PieceMessage{Index: 1, Begin: 16384, Data: []byte("ab")}, []byte{0, 0, 0, 11, 7, 0, 0, 0, 1, 0, 0, 0x40, 0, 'a', 'b'}},
		{CancelMessage{Index: 1, Begin: 2, Length: 3}, []byte{0, 0, 0, 13, 8, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}},
		{PortMessage{Port: 6881}, []byte{0, 0, 0, 3, 9, 0x1a, 0xe1}},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, Encode(c.msg), "%T", c.msg)
	}
}

func TestHandshake(t *testing.T) {
	msg := HandshakeMessage{
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{'-', 'F', 'U'},
	}
	b := Encode(msg)
	require.Len(t, b, 68)
	assert.Equal(t, byte(19), b[0])
	assert.Equal(t, "BitTorrent protocol", string(b[1:20]))
	assert.Equal(t, make([]byte, 8), b[20:28])

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	read, err := ReadHandshake(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, msg, read)

	_, err = Decode(b[:40])
	assert.Equal(t, ErrDisconnected, err)
}

func TestDecodeRoundTrip(t *testing.T) {
	msgs := []Message{
		KeepAliveMessage{},
		ChokeMessage{},
		UnchokeMessage{},
		InterestedMessage{},
		NotInterestedMessage{},
		HaveMessage{Index: 42},
		BitfieldMessage{Data: []byte{0xff, 0x00, 0x80}},
		RequestMessage{Index: 7, Begin: 16384, Length: 16384},
		PieceMessage{Index: 7, Begin: 0, Data: bytes.Repeat([]byte{'x'}, 100)},
		CancelMessage{Index: 7, Begin: 0, Length: 10},
		PortMessage{Port: 1234},
	}
	for _, m := range msgs {
		decoded, err := Decode(Encode(m))
		require.NoError(t, err, "%T", m)
		assert.Equal(t, m, decoded)
	}
}

func TestDecodeDisconnected(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{},
		{0, 0},
		{0, 0, 0, 5, 4, 0},
		{0, 0, 0, 13, 6},
	} {
		_, err := Decode(b)
		assert.Equal(t, ErrDisconnected, err, "%v", b)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, b := range [][]byte{
		{0, 0, 0, 1, 10},                        // unknown tag
		{0, 0, 0, 1, 20},                        // extension protocol is not supported
		{0, 0, 0, 2, 0, 0},                      // choke with payload
		{0, 0, 0, 4, 4, 0, 0, 1},                // short have
		{0, 0, 0, 5, 7, 0, 0, 0, 1},             // piece without begin
		{0, 0, 0, 1, 1, 99},                     // trailing bytes
		{0, 0, 0, 2, 9, 1},                      // short port
		{0, 0, 0, 9, 6, 0, 0, 0, 1, 0, 0, 0, 2}, // short request
	} {
		_, err := Decode(b)
		assert.True(t, errors.Is(err, ErrMalformedMessage), "%v: %v", b, err)
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(HaveMessage{Index: 3}))
	buf.Write(Encode(KeepAliveMessage{}))
	buf.Write([]byte{0, 0, 0, 100})

	b, err := ReadFrame(&buf, 1<<10, nil)
	require.NoError(t, err)
	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, HaveMessage{Index: 3}, msg)

	b, err = ReadFrame(&buf, 1<<10, nil)
	require.NoError(t, err)
	msg, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KeepAliveMessage{}, msg)

	_, err = ReadFrame(&buf, 1<<10, nil)
	assert.Equal(t, ErrDisconnected, err)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 1, 0, 0}), 1<<10, nil)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestReadFrameBeforePayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(KeepAliveMessage{}))
	buf.Write(Encode(PieceMessage{Index: 1, Begin: 2, Data: []byte("data")}))
	buf.Write(Encode(HaveMessage{Index: 3}))

	type call struct {
		id     MessageID
		length uint32
	}
	var calls []call
	before := func(id MessageID, length uint32) error {
		calls = append(calls, call{id, length})
		if id == Have {
			return errors.New("stop")
		}
		return nil
	}

	_, err := ReadFrame(&buf, 1<<10, before)
	require.NoError(t, err)
	b, err := ReadFrame(&buf, 1<<10, before)
	require.NoError(t, err)
	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, PieceMessage{Index: 1, Begin: 2, Data: []byte("data")}, msg)
	_, err = ReadFrame(&buf, 1<<10, before)
	assert.EqualError(t, err, "stop")

	// not called for keep-alive
	assert.Equal(t, []call{{Piece, 13}, {Have, 5}}, calls)
}

func TestReadHandshakeInvalidProtocol(t *testing.T) {
	b := Encode(HandshakeMessage{})
	b[5] = 'X'
	_, err := ReadHandshake(bytes.NewReader(b))
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestMessageIDString(t *testing.T) {
	assert.Equal(t, "not interested", NotInterested.String())
	assert.Equal(t, "42", MessageID(42).String())
}
