// Package peerconn runs the peer wire protocol on a single connection.
//
// A Conn owns its socket, its copy of the local bitfield, the remote bitfield and the
// pieces it is downloading. It never writes the target file: completed pieces are handed
// to the coordinator, which verifies and writes them.
package peerconn

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"

	"github.com/fiume/fiume/internal/bitfield"
	"github.com/fiume/fiume/internal/coordinator"
	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/mailbox"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/peerprotocol"
	"github.com/fiume/fiume/internal/piececache"
)

var (
	// ErrProtocolMismatch is returned when the remote peer handshakes for another torrent.
	ErrProtocolMismatch = errors.New("info hash mismatch in handshake")
	// ErrOwnConnection is returned when the remote peer id is our own.
	ErrOwnConnection = errors.New("dropped own connection")
	// ErrHashMismatch is returned when a downloaded piece fails verification.
	ErrHashMismatch = coordinator.ErrHashMismatch

	errUnexpectedHandshake  = errors.New("unexpected handshake")
	errHandshakeNotReceived = errors.New("message received before handshake")
	errUnexpectedBitfield   = errors.New("bitfield can only be sent after handshake")
	errInvalidBitfield      = errors.New("invalid bitfield length")
	errInvalidPieceIndex    = errors.New("invalid piece index")
)

// Initiator tells which side opened the connection.
type Initiator int

const (
	// Self means the connection is outgoing and we send the handshake first.
	Self Initiator = iota
	// Other means the connection is incoming and we wait for the handshake of the peer.
	Other
)

// State of the handshake.
type State int

// Values of State.
const (
	AwaitingHandshake State = iota
	HandshakeExchanged
	Steady
)

// Config of a connection.
type Config struct {
	Info     *metainfo.Info
	InfoHash [20]byte
	PeerID   [20]byte

	MaxConcurrentPieces int
	HandshakeTimeout    time.Duration
	ReadTimeout         time.Duration
	KeepAlivePeriod     time.Duration
	PieceCacheSize      int64
	PieceCacheTTL       time.Duration

	// Download rate limit shared by all connections. Optional.
	Bucket *ratelimit.Bucket
	// Byte counters shared by all connections. Optional.
	Downloaded metrics.Counter
	Uploaded   metrics.Counter
	// Source of randomness for choosing pieces. Optional.
	Rand *rand.Rand
}

type blockProgress struct {
	data   []byte
	length uint32
}

// Conn is the protocol state machine of one peer connection.
type Conn struct {
	conn        net.Conn
	addr        string
	initiator   Initiator
	config      Config
	coordinator *mailbox.Mailbox[coordinator.Message]
	inbox       *mailbox.Mailbox[event]
	reader      *reader
	writer      *writer
	cache       *piececache.Cache
	rand        *rand.Rand
	log         logger.Logger

	state             State
	handshakeSent     bool
	handshakeReceived bool
	bitfieldSent      bool
	remotePeerID      [20]byte

	peerChoking      bool
	amChoking        bool
	peerInterested   bool
	amInterested     bool
	interestDeclared bool

	local  *bitfield.Bitfield
	remote *bitfield.Bitfield
	// pieces that the peer has and we don't
	interestedIn map[uint32]struct{}
	// pieces assigned to this connection by the coordinator
	assigned map[uint32]struct{}
	inFlight map[uint32]*blockProgress
	deferred map[uint32][]peerprotocol.RequestMessage

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

// New returns a connection for a connected socket. local is a copy of the verified pieces that
// the connection owns from now on. Messages for the coordinator are sent to coord.
func New(conn net.Conn, initiator Initiator, local *bitfield.Bitfield, coord *mailbox.Mailbox[coordinator.Message], cfg Config) *Conn {
	addr := conn.RemoteAddr().String()
	var l logger.Logger
	if initiator == Self {
		l = logger.New("peer -> " + addr)
	} else {
		l = logger.New("peer <- " + addr)
	}
	if cfg.Downloaded == nil {
		cfg.Downloaded = metrics.NilCounter{}
	}
	if cfg.Uploaded == nil {
		cfg.Uploaded = metrics.NilCounter{}
	}
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano())) // nolint: gosec
	}
	inbox := mailbox.New[event]()
	return &Conn{
		conn:         conn,
		addr:         addr,
		initiator:    initiator,
		config:       cfg,
		coordinator:  coord,
		inbox:        inbox,
		reader:       newReader(conn, inbox, cfg.Info.NumPieces, cfg.HandshakeTimeout, cfg.ReadTimeout, cfg.Bucket),
		writer:       newWriter(conn, cfg.KeepAlivePeriod, cfg.Uploaded, l),
		cache:        piececache.New(cfg.PieceCacheSize, cfg.PieceCacheTTL),
		rand:         r,
		log:          l,
		peerChoking:  true,
		amChoking:    true,
		local:        local,
		remote:       bitfield.New(cfg.Info.NumPieces),
		interestedIn: make(map[uint32]struct{}),
		assigned:     make(map[uint32]struct{}),
		inFlight:     make(map[uint32]*blockProgress),
		deferred:     make(map[uint32][]peerprotocol.RequestMessage),
		closeC:       make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

// Addr returns the remote address that the connection is registered with at the coordinator.
func (c *Conn) Addr() string {
	return c.addr
}

// PeerID returns the id sent by the remote peer in handshake.
func (c *Conn) PeerID() [20]byte {
	return c.remotePeerID
}

// Close shuts down the connection and waits for Run to return.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closeC) })
	<-c.doneC
}

// Done is closed after Run returns.
func (c *Conn) Done() <-chan struct{} {
	return c.doneC
}

// Send implements coordinator.Sender.
func (c *Conn) Send(msg coordinator.Control) bool {
	return c.inbox.Send(control{Msg: msg})
}

// Run registers the connection at the coordinator and processes messages until the
// connection fails or Close is called. The returned error is nil when closed locally
// and peerprotocol.ErrDisconnected when the peer went away.
func (c *Conn) Run() error {
	defer close(c.doneC)

	c.coordinator.Send(coordinator.RegisterPeer{Addr: c.addr, Inbox: c, Have: c.local.Copy()})
	go c.reader.Run()
	go c.writer.Run()
	if c.initiator == Self {
		c.sendHandshake()
	}

	err := c.loop()
	if err != nil && !errors.Is(err, peerprotocol.ErrDisconnected) {
		c.log.Debugln("closing connection:", err)
	}

	c.coordinator.Send(coordinator.PeerDisconnected{Sender: c.addr})
	_ = c.conn.Close()
	c.reader.Stop()
	c.writer.Stop()
	<-c.reader.Done()
	<-c.writer.Done()
	c.inbox.Close()
	c.cache.Close()
	return err
}

func (c *Conn) loop() error {
	for {
		select {
		case ev := <-c.inbox.C():
			var err error
			switch ev := ev.(type) {
			case wireMessage:
				err = c.handleMessage(ev.Msg)
			case control:
				c.handleControl(ev.Msg)
			case readerDone:
				if ev.Err == nil {
					return peerprotocol.ErrDisconnected
				}
				return ev.Err
			}
			if err != nil {
				return err
			}
		case <-c.writer.Done():
			return peerprotocol.ErrDisconnected
		case <-c.closeC:
			return nil
		}
	}
}

func (c *Conn) send(msg peerprotocol.Message) {
	c.writer.SendMessage(msg)
}

func (c *Conn) sendHandshake() {
	c.send(peerprotocol.HandshakeMessage{InfoHash: c.config.InfoHash, PeerID: c.config.PeerID})
	c.handshakeSent = true
	c.maybeSendBitfield()
}

// maybeSendBitfield sends the bitfield once, after the handshake is both sent and received.
func (c *Conn) maybeSendBitfield() {
	if !c.handshakeSent || !c.handshakeReceived || c.bitfieldSent {
		return
	}
	c.send(peerprotocol.BitfieldMessage{Data: c.local.Copy().Bytes()})
	c.bitfieldSent = true
}

func (c *Conn) handleMessage(msg peerprotocol.Message) error {
	if hs, ok := msg.(peerprotocol.HandshakeMessage); ok {
		return c.handleHandshake(hs)
	}
	if !c.handshakeReceived {
		return errHandshakeNotReceived
	}
	first := c.state == HandshakeExchanged
	c.state = Steady
	switch msg := msg.(type) {
	case peerprotocol.KeepAliveMessage:
		// The reader has refreshed the deadline already. Keep-alives are not answered.
	case peerprotocol.ChokeMessage:
		c.peerChoking = true
	case peerprotocol.UnchokeMessage:
		c.peerChoking = false
		if c.amInterested {
			c.resumeOrRequest()
		}
	case peerprotocol.InterestedMessage:
		c.peerInterested = true
		if c.amChoking {
			c.amChoking = false
			c.send(peerprotocol.UnchokeMessage{})
		}
	case peerprotocol.NotInterestedMessage:
		c.peerInterested = false
	case peerprotocol.HaveMessage:
		return c.handleHave(msg)
	case peerprotocol.BitfieldMessage:
		if !first {
			return errUnexpectedBitfield
		}
		return c.handleBitfield(msg)
	case peerprotocol.RequestMessage:
		c.handleRequest(msg)
	case peerprotocol.PieceMessage:
		return c.handlePiece(msg)
	case peerprotocol.CancelMessage:
		c.log.Debugf("cancel is not supported: %+v", msg)
	case peerprotocol.PortMessage:
		c.log.Debugf("port is not supported: %d", msg.Port)
	default:
		c.log.Errorf("unhandled message: %T", msg)
	}
	return nil
}

func (c *Conn) handleHandshake(hs peerprotocol.HandshakeMessage) error {
	if c.handshakeReceived {
		return errUnexpectedHandshake
	}
	if hs.InfoHash != c.config.InfoHash {
		return ErrProtocolMismatch
	}
	if hs.PeerID == c.config.PeerID {
		return ErrOwnConnection
	}
	c.remotePeerID = hs.PeerID
	c.handshakeReceived = true
	c.state = HandshakeExchanged
	c.log.Debugf("handshake received, client=%q", hs.PeerID[:8])
	if !c.handshakeSent {
		c.sendHandshake()
	} else {
		c.maybeSendBitfield()
	}
	return nil
}

func (c *Conn) handleHave(msg peerprotocol.HaveMessage) error {
	if msg.Index >= c.config.Info.NumPieces {
		return errInvalidPieceIndex
	}
	if c.remote.Test(msg.Index) {
		return nil
	}
	c.remote.Set(msg.Index)
	if c.local.Test(msg.Index) {
		return nil
	}
	c.interestedIn[msg.Index] = struct{}{}
	c.coordinator.Send(coordinator.PeerHas{Pieces: []uint32{msg.Index}, Sender: c.addr, N: 1})
	c.updateInterest()
	return nil
}

func (c *Conn) handleBitfield(msg peerprotocol.BitfieldMessage) error {
	bf, ok := bitfield.NewBytes(msg.Data, c.config.Info.NumPieces)
	if !ok {
		return errInvalidBitfield
	}
	c.remote = bf
	missing := c.local.Missing(bf)
	for _, i := range missing {
		c.interestedIn[i] = struct{}{}
	}
	c.log.Debugf("peer has %d pieces, %d of them are missing here", bf.Count(), len(missing))
	c.coordinator.Send(coordinator.PeerHas{Pieces: missing, Sender: c.addr, N: c.config.MaxConcurrentPieces + 1})
	c.updateInterest()
	return nil
}

// updateInterest sends Interested or NotInterested when it changes.
func (c *Conn) updateInterest() {
	want := len(c.interestedIn) > 0
	if c.interestDeclared && want == c.amInterested {
		return
	}
	c.amInterested = want
	c.interestDeclared = true
	if want {
		c.send(peerprotocol.InterestedMessage{})
	} else {
		c.send(peerprotocol.NotInterestedMessage{})
	}
}

func (c *Conn) handleRequest(msg peerprotocol.RequestMessage) {
	if c.amChoking {
		c.log.Warningf("request received while choking the peer: %+v", msg)
		return
	}
	if msg.Index >= c.config.Info.NumPieces || !c.local.Test(msg.Index) {
		c.log.Warningf("peer requested a piece that we don't have: %+v", msg)
		return
	}
	pieceSize := c.config.Info.PieceSize(msg.Index)
	if msg.Length == 0 || msg.Length > metainfo.BlockSize || uint64(msg.Begin)+uint64(msg.Length) > uint64(pieceSize) {
		c.log.Warningf("invalid request: %+v", msg)
		return
	}
	if data, ok := c.cache.Get(msg.Index); ok {
		c.sendBlock(msg, data)
		return
	}
	_, waiting := c.deferred[msg.Index]
	c.deferred[msg.Index] = append(c.deferred[msg.Index], msg)
	if !waiting {
		c.coordinator.Send(coordinator.PeerRequestsPiece{Index: msg.Index, Sender: c.addr})
	}
}

func (c *Conn) sendBlock(req peerprotocol.RequestMessage, data []byte) {
	c.send(peerprotocol.PieceMessage{
		Index: req.Index,
		Begin: req.Begin,
		Data:  data[req.Begin : req.Begin+req.Length],
	})
}

func (c *Conn) handlePiece(msg peerprotocol.PieceMessage) error {
	if msg.Index >= c.config.Info.NumPieces {
		return errInvalidPieceIndex
	}
	if c.local.Test(msg.Index) {
		c.checkDuplicate(msg)
		return nil
	}
	bp, ok := c.inFlight[msg.Index]
	if !ok {
		c.log.Debugf("discarding stale block: index=%d begin=%d", msg.Index, msg.Begin)
		return nil
	}
	if msg.Begin != uint32(len(bp.data)) {
		c.log.Debugf("discarding out of order block: index=%d begin=%d expected=%d", msg.Index, msg.Begin, len(bp.data))
		return nil
	}
	if len(msg.Data) == 0 || len(msg.Data) > metainfo.BlockSize || uint32(len(bp.data)+len(msg.Data)) > bp.length {
		c.log.Debugf("discarding block with invalid length: index=%d begin=%d length=%d", msg.Index, msg.Begin, len(msg.Data))
		return nil
	}
	bp.data = append(bp.data, msg.Data...)
	c.config.Downloaded.Inc(int64(len(msg.Data)))
	if uint32(len(bp.data)) < bp.length {
		c.requestNextBlock(msg.Index)
		return nil
	}

	delete(c.inFlight, msg.Index)
	delete(c.assigned, msg.Index)
	if !c.config.Info.Verify(msg.Index, bp.data) {
		// The coordinator verifies again and fails the download.
		c.coordinator.Send(coordinator.PieceComplete{Index: msg.Index, Data: bp.data, Sender: c.addr})
		return ErrHashMismatch
	}
	c.local.Set(msg.Index)
	delete(c.interestedIn, msg.Index)
	c.cache.Put(msg.Index, bp.data)
	c.send(peerprotocol.HaveMessage{Index: msg.Index})
	c.coordinator.Send(coordinator.PieceComplete{Index: msg.Index, Data: bp.data, Sender: c.addr, N: 1})
	c.log.Debugf("piece #%d downloaded", msg.Index)
	c.updateInterest()
	c.requestNewPieces()
	return nil
}

func (c *Conn) checkDuplicate(msg peerprotocol.PieceMessage) {
	data, ok := c.cache.Get(msg.Index)
	if !ok {
		c.log.Debugf("discarding block of a piece we have: index=%d begin=%d", msg.Index, msg.Begin)
		return
	}
	end := uint64(msg.Begin) + uint64(len(msg.Data))
	if end > uint64(len(data)) || !bytes.Equal(data[msg.Begin:end], msg.Data) {
		c.log.Warningf("duplicate block does not match the verified piece: index=%d begin=%d", msg.Index, msg.Begin)
	}
}

func (c *Conn) handleControl(msg coordinator.Control) {
	switch msg := msg.(type) {
	case coordinator.Schedule:
		for _, i := range msg.Pieces {
			if !c.local.Test(i) {
				c.assigned[i] = struct{}{}
			}
		}
		c.requestNewPieces()
	case coordinator.NewHave:
		c.handleNewHave(msg.Index)
	case coordinator.PieceData:
		c.cache.Put(msg.Index, msg.Data)
		reqs := c.deferred[msg.Index]
		delete(c.deferred, msg.Index)
		if c.amChoking {
			return
		}
		for _, req := range reqs {
			c.sendBlock(req, msg.Data)
		}
	case coordinator.RequestRejected:
		c.log.Warningf("cannot serve %d requests for piece #%d: %s", len(c.deferred[msg.Index]), msg.Index, msg.Err)
		delete(c.deferred, msg.Index)
	default:
		c.log.Errorf("unhandled control message: %T", msg)
	}
}

func (c *Conn) handleNewHave(index uint32) {
	if index >= c.config.Info.NumPieces || c.local.Test(index) {
		return
	}
	c.local.Set(index)
	delete(c.interestedIn, index)
	delete(c.assigned, index)
	delete(c.inFlight, index)
	if c.bitfieldSent {
		c.send(peerprotocol.HaveMessage{Index: index})
	}
	if c.interestDeclared {
		c.updateInterest()
	}
	c.requestNewPieces()
}

// requestNewPieces starts downloading random assigned pieces until the concurrency limit is reached.
func (c *Conn) requestNewPieces() {
	if c.peerChoking {
		return
	}
	var candidates []uint32
	for i := range c.assigned {
		if _, ok := c.inFlight[i]; ok {
			continue
		}
		if _, ok := c.interestedIn[i]; !ok {
			continue
		}
		candidates = append(candidates, i)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for len(c.inFlight) < c.config.MaxConcurrentPieces && len(candidates) > 0 {
		k := c.rand.Intn(len(candidates))
		i := candidates[k]
		candidates[k] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
		length := c.config.Info.PieceSize(i)
		c.inFlight[i] = &blockProgress{data: make([]byte, 0, length), length: length}
		c.requestNextBlock(i)
	}
}

// resumeOrRequest continues the pieces in flight after an unchoke, since the peer drops
// pending requests when it chokes.
func (c *Conn) resumeOrRequest() {
	indexes := make([]uint32, 0, len(c.inFlight))
	for i := range c.inFlight {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, i := range indexes {
		c.requestNextBlock(i)
	}
	c.requestNewPieces()
}

func (c *Conn) requestNextBlock(index uint32) {
	if c.peerChoking {
		return
	}
	bp := c.inFlight[index]
	begin := uint32(len(bp.data))
	length := bp.length - begin
	if length > metainfo.BlockSize {
		length = metainfo.BlockSize
	}
	c.send(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
}
