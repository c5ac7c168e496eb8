// Package acceptor runs the accept loop of the listening socket of a torrent.
package acceptor

import (
	"net"

	"github.com/fiume/fiume/internal/logger"
)

// Acceptor hands accepted connections to the owner of the listener over a channel.
// Limiting the number of incoming connections is the receiver's job.
type Acceptor struct {
	listener net.Listener
	newConns chan<- net.Conn
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns an Acceptor. The listener is closed by Close.
func New(lis net.Listener, newConns chan<- net.Conn, l logger.Logger) *Acceptor {
	return &Acceptor{
		listener: lis,
		newConns: newConns,
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Close stops accepting connections and waits for Run to return.
func (a *Acceptor) Close() {
	close(a.closeC)
	_ = a.listener.Close()
	<-a.doneC
}

// Run accepts connections until the listener fails or Close is called.
func (a *Acceptor) Run() {
	defer close(a.doneC)
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
			default:
				a.log.Error(err)
			}
			return
		}
		select {
		case a.newConns <- conn:
		case <-a.closeC:
			_ = conn.Close()
			return
		}
	}
}
