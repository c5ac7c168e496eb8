package coordinator

import "github.com/fiume/fiume/internal/bitfield"

// Message is received by the coordinator from connections. Implemented only by the types in this file.
type Message interface {
	coordinatorMessage()
}

// RegisterPeer adds a connection. Inbox receives Control messages for it.
// Have is the local bitfield the connection started with; pieces verified after it was
// copied are sent to the connection as NewHave.
type RegisterPeer struct {
	Addr  string
	Inbox Sender
	Have  *bitfield.Bitfield
}

// PeerHas announces pieces of the peer at Sender and asks for up to N assignments.
// N <= 0 only records the pieces.
type PeerHas struct {
	Pieces []uint32
	Sender string
	N      int
}

// PieceComplete reports a downloaded piece and asks for up to N new assignments.
type PieceComplete struct {
	Index  uint32
	Data   []byte
	Sender string
	N      int
}

// PeerDisconnected removes the connection and redistributes its assignments.
type PeerDisconnected struct {
	Sender string
}

// PeerRequestsPiece asks for the data of a verified piece to serve a request of the remote peer.
type PeerRequestsPiece struct {
	Index  uint32
	Sender string
}

// Kill stops the coordinator.
type Kill struct{}

func (RegisterPeer) coordinatorMessage()      {}
func (PeerHas) coordinatorMessage()           {}
func (PieceComplete) coordinatorMessage()     {}
func (PeerDisconnected) coordinatorMessage()  {}
func (PeerRequestsPiece) coordinatorMessage() {}
func (Kill) coordinatorMessage()              {}

// Sender delivers Control messages to a connection. It returns false if the connection is gone.
type Sender interface {
	Send(Control) bool
}

// Control is sent by the coordinator to a connection. Implemented only by the types in this file.
type Control interface {
	coordinatorControl()
}

// Schedule assigns pieces to the connection. It may be empty.
type Schedule struct {
	Pieces []uint32
}

// NewHave tells that the piece at Index is verified and written.
type NewHave struct {
	Index uint32
}

// PieceData answers PeerRequestsPiece.
type PieceData struct {
	Index uint32
	Data  []byte
}

// RequestRejected answers PeerRequestsPiece when the piece cannot be served.
type RequestRejected struct {
	Index uint32
	Err   error
}

func (Schedule) coordinatorControl()        {}
func (NewHave) coordinatorControl()         {}
func (PieceData) coordinatorControl()       {}
func (RequestRejected) coordinatorControl() {}

// Event is reported to the owner of the coordinator. Implemented only by the types in this file.
type Event interface {
	coordinatorEvent()
}

// Completed is reported once when all pieces are verified.
type Completed struct{}

// Failed is reported when the download cannot continue.
type Failed struct {
	Err error
}

// Verified is reported after a piece is written and marked in the bitmap.
type Verified struct {
	Index  uint32
	Length uint32
}

func (Completed) coordinatorEvent() {}
func (Failed) coordinatorEvent()    {}
func (Verified) coordinatorEvent()  {}
