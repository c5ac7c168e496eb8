package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadHandshake reads and decodes a handshake from r.
func ReadHandshake(r io.Reader) (HandshakeMessage, error) {
	b := make([]byte, HandshakeLength)
	_, err := io.ReadFull(r, b)
	if err != nil {
		return HandshakeMessage{}, readError(err)
	}
	if !isHandshake(b) {
		return HandshakeMessage{}, fmt.Errorf("%w: invalid protocol string", ErrMalformedMessage)
	}
	msg, err := decodeHandshake(b)
	if err != nil {
		return HandshakeMessage{}, err
	}
	return msg.(HandshakeMessage), nil
}

// BeforePayload is called by ReadFrame with the message id and the declared frame length,
// after the id is read and before the payload is read. A non-nil error aborts the read.
type BeforePayload func(id MessageID, length uint32) error

// ReadFrame reads one length prefixed frame from r, including the length prefix.
// Frames declaring more than maxLength bytes are rejected without reading the payload.
// before may be nil.
func ReadFrame(r io.Reader, maxLength uint32, before BeforePayload) ([]byte, error) {
	var header [5]byte
	_, err := io.ReadFull(r, header[:4])
	if err != nil {
		return nil, readError(err)
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return header[:4], nil
	}
	if length > maxLength {
		return nil, fmt.Errorf("%w: frame too long (%d > %d)", ErrMalformedMessage, length, maxLength)
	}
	_, err = io.ReadFull(r, header[4:])
	if err != nil {
		return nil, readError(err)
	}
	if before != nil {
		if err = before(MessageID(header[4]), length); err != nil {
			return nil, err
		}
	}
	b := make([]byte, 4+length)
	copy(b, header[:])
	_, err = io.ReadFull(r, b[5:])
	if err != nil {
		return nil, readError(err)
	}
	return b, nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrDisconnected
	}
	return err
}
