package peerprotocol

// Message is a peer message of BitTorrent protocol.
// The set of implementations is closed; all of them are defined in this package.
type Message interface {
	peerMessage()
}

// HandshakeMessage is the first message sent in each direction of a connection.
type HandshakeMessage struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// KeepAliveMessage is sent to keep an idle connection open.
type KeepAliveMessage struct{}

// ChokeMessage is sent to peer that it should not request pieces.
type ChokeMessage struct{}

// UnchokeMessage is sent to peer that it can request pieces.
type UnchokeMessage struct{}

// InterestedMessage is sent to peer that we want to request pieces if it unchokes us.
type InterestedMessage struct{}

// NotInterestedMessage is sent to peer that we don't want any piece from it.
type NotInterestedMessage struct{}

// HaveMessage indicates a peer has the piece with index.
type HaveMessage struct {
	Index uint32
}

// BitfieldMessage is sent after the handshake to exchange piece availability.
type BitfieldMessage struct {
	Data []byte
}

// RequestMessage is sent when a peer needs a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// PieceMessage carries the data of a requested block.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

// CancelMessage is sent to peer to cancel a previously sent request.
type CancelMessage struct {
	Index, Begin, Length uint32
}

// PortMessage is sent to announce the UDP port number of DHT node run by the peer.
type PortMessage struct {
	Port uint16
}

func (HandshakeMessage) peerMessage()     {}
func (KeepAliveMessage) peerMessage()     {}
func (ChokeMessage) peerMessage()         {}
func (UnchokeMessage) peerMessage()       {}
func (InterestedMessage) peerMessage()    {}
func (NotInterestedMessage) peerMessage() {}
func (HaveMessage) peerMessage()          {}
func (BitfieldMessage) peerMessage()      {}
func (RequestMessage) peerMessage()       {}
func (PieceMessage) peerMessage()         {}
func (CancelMessage) peerMessage()        {}
func (PortMessage) peerMessage()          {}

// ID returns the peer protocol message type.
func (ChokeMessage) ID() MessageID { return Choke }

// ID returns the peer protocol message type.
func (UnchokeMessage) ID() MessageID { return Unchoke }

// ID returns the peer protocol message type.
func (InterestedMessage) ID() MessageID { return Interested }

// ID returns the peer protocol message type.
func (NotInterestedMessage) ID() MessageID { return NotInterested }

// ID returns the peer protocol message type.
func (HaveMessage) ID() MessageID { return Have }

// ID returns the peer protocol message type.
func (BitfieldMessage) ID() MessageID { return Bitfield }

// ID returns the peer protocol message type.
func (RequestMessage) ID() MessageID { return Request }

// ID returns the peer protocol message type.
func (PieceMessage) ID() MessageID { return Piece }

// ID returns the peer protocol message type.
func (CancelMessage) ID() MessageID { return Cancel }

// ID returns the peer protocol message type.
func (PortMessage) ID() MessageID { return Port }
