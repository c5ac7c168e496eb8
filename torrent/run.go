package torrent

import (
	"errors"
	"net"
	"time"

	"github.com/fiume/fiume/internal/backofftable"
	"github.com/fiume/fiume/internal/coordinator"
	"github.com/fiume/fiume/internal/peerconn"
)

type connDone struct {
	conn *peerconn.Conn
	err  error
}

// Torrent event loop
func (t *Torrent) run() {
	defer close(t.doneC)
	defer t.stop()
	for {
		select {
		case <-t.closeC:
			return
		case <-t.startCommandC:
			t.start()
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		case addrs := <-t.addrsC:
			for _, addr := range addrs {
				t.addPeerAddr(addr)
			}
		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)
		case res := <-t.dialResultC:
			t.handleDialResult(res)
		case cd := <-t.connDoneC:
			t.handleConnDone(cd)
		case ev := <-t.coordinatorEvents:
			t.handleCoordinatorEvent(ev)
		case <-t.pollTicker.C:
			t.retryFromBackoff()
		case <-t.statsTicker.C:
			t.logStats()
		}
	}
}

func (t *Torrent) start() {
	if t.running || t.stopped {
		return
	}
	t.running = true
	t.log.Infof("starting torrent, listening on port %d", t.port)
	t.coordinatorEvents = t.coordinator.Events()
	t.pollTicker = time.NewTicker(t.config.BackoffPollInterval)
	t.statsTicker = time.NewTicker(t.config.StatsLogInterval)
	go t.coordinator.Run()
	go t.acceptor.Run()
	t.workers.Add(1)
	go t.announce()
	for _, addr := range t.config.SuggestedPeers {
		t.addPeerAddr(addr)
	}
}

// announce forwards peer addresses from trackers to the run loop.
func (t *Torrent) announce() {
	defer t.workers.Done()
	initial, newPeers := t.trackerManager.NotifyStart(t.ctx)
	send := func(addrs []*net.TCPAddr) bool {
		if len(addrs) == 0 {
			return true
		}
		ss := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ss = append(ss, a.String())
		}
		select {
		case t.addrsC <- ss:
			return true
		case <-t.stoppedC:
			return false
		}
	}
	if !send(initial) {
		return
	}
	for {
		select {
		case addrs := <-newPeers:
			if !send(addrs) {
				return
			}
		case <-t.stoppedC:
			return
		}
	}
}

// stop closes all connections. The torrent cannot be started again after stop.
func (t *Torrent) stop() {
	if !t.running {
		if !t.stopped {
			t.stopped = true
			// Coordinator must run to be closed.
			go t.coordinator.Run()
			t.coordinator.Close()
			_ = t.listener.Close()
			t.cancel()
		}
		return
	}
	t.running = false
	t.stopped = true
	t.log.Info("stopping torrent")
	close(t.stoppedC)
	t.cancel()
	t.acceptor.Close()
	for _, cr := range t.conns {
		cr.conn.Close()
	}
	t.workers.Wait()
	t.conns = make(map[string]*connRecord)
	t.dialing = make(map[string]struct{})
	t.outgoing, t.incoming = 0, 0
	t.coordinator.Close()
	t.coordinatorEvents = nil
	t.pollTicker.Stop()
	t.statsTicker.Stop()
	t.pollTicker, t.statsTicker = stoppedTicker(), stoppedTicker()
}

func stoppedTicker() *time.Ticker {
	return &time.Ticker{}
}

func (t *Torrent) fail(err error) {
	t.log.Errorln("torrent failed:", err)
	t.lastError = err
	select {
	case t.errC <- err:
	default:
	}
	t.stop()
}

func (t *Torrent) handleCoordinatorEvent(ev coordinator.Event) {
	switch ev := ev.(type) {
	case coordinator.Verified:
		t.bitfield.Set(ev.Index)
		t.bytesCompleted.Add(int64(ev.Length))
	case coordinator.Completed:
		if t.completed {
			return
		}
		t.completed = true
		t.log.Info("download completed")
		close(t.completeC)
		t.trackerManager.NotifyCompletion()
	case coordinator.Failed:
		t.fail(ev.Err)
	default:
		t.log.Errorf("unhandled coordinator event: %T", ev)
	}
}

// addPeerAddr connects to addr if the budget allows, otherwise puts it into the backoff table to try later.
func (t *Torrent) addPeerAddr(addr string) {
	if !t.running || t.completed {
		return
	}
	if _, ok := t.selfAddrs[addr]; ok {
		return
	}
	if _, ok := t.conns[addr]; ok {
		return
	}
	if _, ok := t.dialing[addr]; ok {
		return
	}
	if t.outgoing >= t.config.MaxPeerConnections {
		t.addToBackoff(addr)
		return
	}
	t.dial(addr)
}

func (t *Torrent) addToBackoff(addr string) {
	d, err := t.backoff.Add(addr)
	if errors.Is(err, backofftable.ErrAlreadyPresent) {
		return
	}
	if err != nil {
		t.log.Errorln("cannot add address to backoff table:", err)
		return
	}
	t.log.Debugf("will retry %s in %s", addr, d)
}

func (t *Torrent) retryFromBackoff() {
	if t.completed {
		return
	}
	for t.outgoing < t.config.MaxPeerConnections && t.backoff.AnyReady() {
		addrs, err := t.backoff.Extract(t.ctx, 1, 0, true)
		if err != nil || len(addrs) == 0 {
			return
		}
		t.addPeerAddr(addrs[0])
	}
}

func (t *Torrent) handleIncomingConn(conn net.Conn) {
	if !t.running {
		_ = conn.Close()
		return
	}
	addr := conn.RemoteAddr().String()
	if t.incoming >= t.config.MaxPeerAccept {
		t.log.Debugln("peer limit reached, rejecting peer", addr)
		_ = conn.Close()
		return
	}
	if _, ok := t.conns[addr]; ok {
		t.log.Debugln("duplicate connection from", addr)
		_ = conn.Close()
		return
	}
	t.incoming++
	t.startConn(conn, peerconn.Other)
}

func (t *Torrent) handleDialResult(res dialResult) {
	delete(t.dialing, res.addr)
	if res.err != nil {
		t.outgoing--
		t.log.Debugln(res.err)
		if !t.completed {
			t.addToBackoff(res.addr)
		}
		return
	}
	t.startConn(res.conn, peerconn.Self)
}

func (t *Torrent) startConn(conn net.Conn, initiator peerconn.Initiator) {
	pc := peerconn.New(conn, initiator, t.bitfield.Copy(), t.coordinator.Inbox(), peerconn.Config{
		Info:                t.info,
		InfoHash:            t.info.Hash,
		PeerID:              t.peerID,
		MaxConcurrentPieces: t.config.MaxConcurrentPieces,
		HandshakeTimeout:    t.config.PeerHandshakeTimeout,
		ReadTimeout:         t.config.PeerReadTimeout,
		KeepAlivePeriod:     t.config.KeepAlivePeriod,
		PieceCacheSize:      t.config.PieceCacheSize,
		PieceCacheTTL:       t.config.PieceCacheTTL,
		Bucket:              t.bucket,
		Downloaded:          t.downloaded,
		Uploaded:            t.uploaded,
	})
	t.conns[pc.Addr()] = &connRecord{conn: pc, initiator: initiator}
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		err := pc.Run()
		select {
		case t.connDoneC <- connDone{conn: pc, err: err}:
		case <-t.stoppedC:
		}
	}()
}

func (t *Torrent) handleConnDone(cd connDone) {
	addr := cd.conn.Addr()
	cr, ok := t.conns[addr]
	if !ok || cr.conn != cd.conn {
		return
	}
	delete(t.conns, addr)
	if cr.initiator == peerconn.Other {
		t.incoming--
		return
	}
	t.outgoing--
	switch {
	case errors.Is(cd.err, peerconn.ErrOwnConnection):
		t.selfAddrs[addr] = struct{}{}
	case !t.completed:
		t.addToBackoff(addr)
	}
}
