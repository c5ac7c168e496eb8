package peerconn

import (
	"github.com/fiume/fiume/internal/coordinator"
	"github.com/fiume/fiume/internal/peerprotocol"
)

// event is delivered to the connection's inbox. Implemented by the types in this file.
type event interface {
	connEvent()
}

// wireMessage is a message decoded by the reader.
type wireMessage struct {
	Msg peerprotocol.Message
}

// readerDone is the last event sent by the reader.
type readerDone struct {
	Err error
}

// control is a message from the coordinator.
type control struct {
	Msg coordinator.Control
}

func (wireMessage) connEvent() {}
func (readerDone) connEvent()  {}
func (control) connEvent()     {}
