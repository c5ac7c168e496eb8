package peerprotocol

import "strconv"

// MessageID is the tag byte of a length prefixed peer message.
type MessageID uint8

// Peer message types
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

var messageIDStrings = [...]string{
	"choke",
	"unchoke",
	"interested",
	"not interested",
	"have",
	"bitfield",
	"request",
	"piece",
	"cancel",
	"port",
}

func (m MessageID) String() string {
	if int(m) < len(messageIDStrings) {
		return messageIDStrings[m]
	}
	return strconv.FormatInt(int64(m), 10)
}
