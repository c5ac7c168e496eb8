// Package peerprotocol encodes and decodes BitTorrent peer wire messages.
package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Pstr is the protocol name sent in the handshake.
const Pstr = "BitTorrent protocol"

// HandshakeLength is the size of an encoded handshake in bytes.
const HandshakeLength = 1 + len(Pstr) + 8 + 20 + 20

var (
	// ErrMalformedMessage is returned when a frame has an unknown tag or a payload size that
	// does not match the declared length or the message type.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrDisconnected is returned for empty or truncated input. It means the peer has gone away.
	ErrDisconnected = errors.New("peer disconnected")
)

// Encode returns the wire representation of msg.
func Encode(msg Message) []byte {
	switch m := msg.(type) {
	case HandshakeMessage:
		b := make([]byte, 0, HandshakeLength)
		b = append(b, byte(len(Pstr)))
		b = append(b, Pstr...)
		b = append(b, m.Reserved[:]...)
		b = append(b, m.InfoHash[:]...)
		b = append(b, m.PeerID[:]...)
		return b
	case KeepAliveMessage:
		return make([]byte, 4)
	case ChokeMessage:
		return frame(m.ID(), 0)
	case UnchokeMessage:
		return frame(m.ID(), 0)
	case InterestedMessage:
		return frame(m.ID(), 0)
	case NotInterestedMessage:
		return frame(m.ID(), 0)
	case HaveMessage:
		b := frame(m.ID(), 4)
		binary.BigEndian.PutUint32(b[5:9], m.Index)
		return b
	case BitfieldMessage:
		b := frame(m.ID(), len(m.Data))
		copy(b[5:], m.Data)
		return b
	case RequestMessage:
		return encodeRequest(m.ID(), m.Index, m.Begin, m.Length)
	case CancelMessage:
		return encodeRequest(m.ID(), m.Index, m.Begin, m.Length)
	case PieceMessage:
		b := frame(m.ID(), 8+len(m.Data))
		binary.BigEndian.PutUint32(b[5:9], m.Index)
		binary.BigEndian.PutUint32(b[9:13], m.Begin)
		copy(b[13:], m.Data)
		return b
	case PortMessage:
		b := frame(m.ID(), 2)
		binary.BigEndian.PutUint16(b[5:7], m.Port)
		return b
	default:
		panic(fmt.Sprintf("unknown message type: %T", msg))
	}
}

// frame allocates a length prefixed frame with the tag set and room for n payload bytes.
func frame(id MessageID, n int) []byte {
	b := make([]byte, 5+n)
	binary.BigEndian.PutUint32(b[0:4], uint32(1+n))
	b[4] = byte(id)
	return b
}

func encodeRequest(id MessageID, index, begin, length uint32) []byte {
	b := frame(id, 12)
	binary.BigEndian.PutUint32(b[5:9], index)
	binary.BigEndian.PutUint32(b[9:13], begin)
	binary.BigEndian.PutUint32(b[13:17], length)
	return b
}

// Decode parses one complete message.
// b is either a 68 byte handshake or a length prefixed frame.
// Empty or truncated input returns ErrDisconnected.
// The returned message does not share memory with b.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrDisconnected
	}
	if isHandshake(b) {
		return decodeHandshake(b)
	}
	if len(b) < 4 {
		return nil, ErrDisconnected
	}
	length := binary.BigEndian.Uint32(b[0:4])
	payload := b[4:]
	if uint32(len(payload)) < length {
		return nil, ErrDisconnected
	}
	if uint32(len(payload)) > length {
		return nil, fmt.Errorf("%w: %d trailing bytes after frame", ErrMalformedMessage, uint32(len(payload))-length)
	}
	if length == 0 {
		return KeepAliveMessage{}, nil
	}
	id := MessageID(payload[0])
	body := payload[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if err := checkLength(id, body, 0); err != nil {
			return nil, err
		}
		switch id {
		case Choke:
			return ChokeMessage{}, nil
		case Unchoke:
			return UnchokeMessage{}, nil
		case Interested:
			return InterestedMessage{}, nil
		default:
			return NotInterestedMessage{}, nil
		}
	case Have:
		if err := checkLength(id, body, 4); err != nil {
			return nil, err
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(body)}, nil
	case Bitfield:
		return BitfieldMessage{Data: append([]byte(nil), body...)}, nil
	case Request, Cancel:
		if err := checkLength(id, body, 12); err != nil {
			return nil, err
		}
		index := binary.BigEndian.Uint32(body[0:4])
		begin := binary.BigEndian.Uint32(body[4:8])
		blockLength := binary.BigEndian.Uint32(body[8:12])
		if id == Request {
			return RequestMessage{Index: index, Begin: begin, Length: blockLength}, nil
		}
		return CancelMessage{Index: index, Begin: begin, Length: blockLength}, nil
	case Piece:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: piece message too short (%d bytes)", ErrMalformedMessage, len(body))
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Data:  append([]byte(nil), body[8:]...),
		}, nil
	case Port:
		if err := checkLength(id, body, 2); err != nil {
			return nil, err
		}
		return PortMessage{Port: binary.BigEndian.Uint16(body)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message id: %d", ErrMalformedMessage, id)
	}
}

func checkLength(id MessageID, body []byte, expected int) error {
	if len(body) != expected {
		return fmt.Errorf("%w: %s payload must be %d bytes, got %d", ErrMalformedMessage, id, expected, len(body))
	}
	return nil
}

// isHandshake reports whether b starts with the handshake prefix.
// A length prefixed frame cannot start with these bytes unless it declares a length over 300 MB.
func isHandshake(b []byte) bool {
	if b[0] != byte(len(Pstr)) {
		return false
	}
	n := len(b) - 1
	if n > len(Pstr) {
		n = len(Pstr)
	}
	return n >= 3 && string(b[1:1+n]) == Pstr[:n]
}

func decodeHandshake(b []byte) (Message, error) {
	if len(b) < HandshakeLength {
		return nil, ErrDisconnected
	}
	if len(b) > HandshakeLength {
		return nil, fmt.Errorf("%w: handshake is %d bytes", ErrMalformedMessage, len(b))
	}
	var m HandshakeMessage
	off := 1 + len(Pstr)
	off += copy(m.Reserved[:], b[off:])
	off += copy(m.InfoHash[:], b[off:])
	copy(m.PeerID[:], b[off:])
	return m, nil
}
