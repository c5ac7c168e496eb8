package torrent

import (
	"errors"
	"fmt"
	"net"
)

// ErrPeerUnavailable is returned in dial results when a TCP connection cannot be opened to the peer.
var ErrPeerUnavailable = errors.New("peer is unavailable")

type dialResult struct {
	addr string
	conn net.Conn
	err  error
}

func (t *Torrent) dial(addr string) {
	t.dialing[addr] = struct{}{}
	t.outgoing++
	t.log.Debugln("connecting to peer", addr)
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		d := net.Dialer{Timeout: t.config.PeerConnectTimeout}
		conn, err := d.DialContext(t.ctx, "tcp4", addr)
		if err != nil {
			err = fmt.Errorf("%w: %s", ErrPeerUnavailable, err)
		}
		select {
		case t.dialResultC <- dialResult{addr: addr, conn: conn, err: err}:
		case <-t.stoppedC:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}
