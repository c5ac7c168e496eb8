// Package coordinator decides which connection downloads which piece.
//
// The Coordinator is the only owner of the global completion bitmap and of the
// per-peer scheduling state. Connections talk to it through its inbox and receive
// answers on their own Sender, so every decision is made by a single goroutine and
// no two connections are ever assigned the same piece.
package coordinator

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/fiume/fiume/internal/bitfield"
	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/mailbox"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/resumer"
	"github.com/fiume/fiume/internal/storage"
)

var (
	// ErrUnsatisfiableRequest is sent in RequestRejected when the requested piece is not verified yet.
	ErrUnsatisfiableRequest = errors.New("requested piece is not available")
	// ErrHashMismatch is reported when a completed piece does not match its SHA-1 digest.
	ErrHashMismatch = errors.New("piece hash mismatch")
)

type peerRecord struct {
	addr      string
	inbox     Sender
	has       *bitfield.Bitfield
	scheduled map[uint32]struct{}
}

// Options for creating a Coordinator.
type Options struct {
	// Source of randomness for piece selection. A time seeded source is used if nil.
	Rand *rand.Rand
	// Counters are registered here if not nil.
	Registry metrics.Registry
	Logger   logger.Logger
}

// Coordinator assigns pieces to connections and writes verified pieces.
type Coordinator struct {
	info     *metainfo.Info
	storage  storage.Storage
	resumer  resumer.Resumer
	bitfield *bitfield.Bitfield
	peers    map[string]*peerRecord
	// piece index -> address of the peer it is assigned to
	assigned map[uint32]string
	rand     *rand.Rand
	log      logger.Logger

	inbox  *mailbox.Mailbox[Message]
	events *mailbox.Mailbox[Event]

	completed bool
	failed    bool

	piecesVerified metrics.Counter
	bytesWritten   metrics.Counter
	piecesServed   metrics.Counter
	duplicates     metrics.Counter

	doneC chan struct{}
}

// New returns a Coordinator for a torrent. bf is the bitmap loaded at start; it is owned by the Coordinator after this call.
// Run must be called to start processing messages.
func New(info *metainfo.Info, sto storage.Storage, res resumer.Resumer, bf *bitfield.Bitfield, opt Options) *Coordinator {
	if bf == nil {
		bf = bitfield.New(info.NumPieces)
	}
	r := opt.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano())) // nolint: gosec
	}
	l := opt.Logger
	if l == nil {
		l = logger.New("coordinator")
	}
	reg := opt.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Coordinator{
		info:           info,
		storage:        sto,
		resumer:        res,
		bitfield:       bf,
		peers:          make(map[string]*peerRecord),
		assigned:       make(map[uint32]string),
		rand:           r,
		log:            l,
		inbox:          mailbox.New[Message](),
		events:         mailbox.New[Event](),
		piecesVerified: metrics.NewRegisteredCounter("pieces_verified", reg),
		bytesWritten:   metrics.NewRegisteredCounter("bytes_written", reg),
		piecesServed:   metrics.NewRegisteredCounter("pieces_served", reg),
		duplicates:     metrics.NewRegisteredCounter("duplicate_pieces", reg),
		doneC:          make(chan struct{}),
	}
}

// Inbox returns the channel that connections send their messages to.
func (c *Coordinator) Inbox() *mailbox.Mailbox[Message] {
	return c.inbox
}

// Events returns the channel that Completed, Failed and Verified events are delivered on.
func (c *Coordinator) Events() <-chan Event {
	return c.events.C()
}

// Done is closed after Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneC
}

// Close sends Kill and waits for Run to return. Run must have been called.
func (c *Coordinator) Close() {
	c.inbox.Send(Kill{})
	<-c.doneC
	c.inbox.Close()
	c.events.Close()
}

// Run processes messages one at a time until Kill is received.
func (c *Coordinator) Run() {
	defer close(c.doneC)
	if c.bitfield.All() {
		c.completed = true
		c.events.Send(Completed{})
	}
	for msg := range c.inbox.C() {
		if c.handle(msg) {
			return
		}
	}
}

// handle returns true when the loop must stop.
func (c *Coordinator) handle(msg Message) bool {
	switch msg := msg.(type) {
	case RegisterPeer:
		c.handleRegisterPeer(msg)
	case PeerHas:
		c.handlePeerHas(msg)
	case PieceComplete:
		c.handlePieceComplete(msg)
	case PeerDisconnected:
		c.handlePeerDisconnected(msg)
	case PeerRequestsPiece:
		c.handlePeerRequestsPiece(msg)
	case Kill:
		return true
	default:
		panic(fmt.Sprintf("unhandled coordinator message: %T", msg))
	}
	return false
}

func (c *Coordinator) handleRegisterPeer(msg RegisterPeer) {
	if _, ok := c.peers[msg.Addr]; ok {
		c.log.Warningln("peer is already registered:", msg.Addr)
		return
	}
	c.peers[msg.Addr] = &peerRecord{
		addr:      msg.Addr,
		inbox:     msg.Inbox,
		has:       bitfield.New(c.info.NumPieces),
		scheduled: make(map[uint32]struct{}),
	}
	if msg.Have != nil && msg.Have.Len() == c.info.NumPieces {
		for _, i := range msg.Have.Missing(c.bitfield) {
			msg.Inbox.Send(NewHave{Index: i})
		}
	}
	c.log.Debugln("registered peer", msg.Addr, "total:", len(c.peers))
}

func (c *Coordinator) handlePeerHas(msg PeerHas) {
	pr, ok := c.peers[msg.Sender]
	if !ok {
		c.log.Debugln("possession from unregistered peer:", msg.Sender)
		return
	}
	for _, i := range msg.Pieces {
		if i >= c.info.NumPieces {
			c.log.Debugf("peer %s has invalid piece index: %d", msg.Sender, i)
			continue
		}
		pr.has.Set(i)
	}
	if msg.N <= 0 {
		return
	}
	c.schedule(pr, msg.N)
}

func (c *Coordinator) handlePieceComplete(msg PieceComplete) {
	pr := c.peers[msg.Sender]
	if pr != nil {
		delete(pr.scheduled, msg.Index)
	}
	if owner, ok := c.assigned[msg.Index]; ok && owner == msg.Sender {
		delete(c.assigned, msg.Index)
	}
	switch {
	case c.failed:
		return
	case msg.Index >= c.info.NumPieces:
		c.log.Errorf("peer %s completed invalid piece index: %d", msg.Sender, msg.Index)
	case c.bitfield.Test(msg.Index):
		c.duplicates.Inc(1)
		c.log.Debugf("piece #%d is already written, discarding copy from %s", msg.Index, msg.Sender)
	default:
		if !c.writePiece(msg.Index, msg.Data) {
			return
		}
		c.broadcastHave(msg.Index, msg.Sender)
		c.checkCompletion()
	}
	if pr != nil && msg.N > 0 {
		c.schedule(pr, msg.N)
	}
}

// writePiece verifies, writes and persists the piece. It returns false if the download has failed.
func (c *Coordinator) writePiece(index uint32, data []byte) bool {
	if !c.info.Verify(index, data) {
		c.fail(fmt.Errorf("piece #%d: %w", index, ErrHashMismatch))
		return false
	}
	err := c.storage.WritePiece(index, data)
	if err != nil {
		c.fail(fmt.Errorf("cannot write piece #%d: %w", index, err))
		return false
	}
	c.bitfield.Set(index)
	err = c.resumer.WriteBitfield(c.bitfield)
	if err != nil {
		c.fail(fmt.Errorf("cannot persist bitmap: %w", err))
		return false
	}
	c.piecesVerified.Inc(1)
	c.bytesWritten.Inc(int64(len(data)))
	c.events.Send(Verified{Index: index, Length: uint32(len(data))})
	c.log.Debugf("piece #%d is written, have %d/%d", index, c.bitfield.Count(), c.bitfield.Len())
	return true
}

func (c *Coordinator) broadcastHave(index uint32, except string) {
	for addr, pr := range c.peers {
		if addr == except {
			continue
		}
		pr.inbox.Send(NewHave{Index: index})
	}
}

func (c *Coordinator) checkCompletion() {
	if c.completed || !c.bitfield.All() {
		return
	}
	c.completed = true
	c.log.Info("all pieces are downloaded")
	c.events.Send(Completed{})
}

func (c *Coordinator) fail(err error) {
	c.failed = true
	c.log.Errorln(err)
	c.events.Send(Failed{Err: err})
}

func (c *Coordinator) handlePeerDisconnected(msg PeerDisconnected) {
	pr, ok := c.peers[msg.Sender]
	if !ok {
		return
	}
	delete(c.peers, msg.Sender)
	orphans := sortedIndices(pr.scheduled)
	for _, i := range orphans {
		delete(c.assigned, i)
	}
	// Candidates are visited in address order so that a seeded Rand gives the same result every time.
	others := c.sortedPeers()
	reassigned := make(map[*peerRecord][]uint32)
	var dropped int
	for _, i := range orphans {
		if c.bitfield.Test(i) {
			continue
		}
		var candidates []*peerRecord
		for _, other := range others {
			if other.has.Test(i) {
				candidates = append(candidates, other)
			}
		}
		if len(candidates) == 0 {
			dropped++
			continue
		}
		chosen := candidates[c.rand.Intn(len(candidates))]
		chosen.scheduled[i] = struct{}{}
		c.assigned[i] = chosen.addr
		reassigned[chosen] = append(reassigned[chosen], i)
	}
	for pr, pieces := range reassigned {
		pr.inbox.Send(Schedule{Pieces: pieces})
	}
	c.log.Debugf("peer %s disconnected, reassigned %d pieces to %d peers, dropped %d", msg.Sender, len(orphans)-dropped, len(reassigned), dropped)
}

func (c *Coordinator) handlePeerRequestsPiece(msg PeerRequestsPiece) {
	pr, ok := c.peers[msg.Sender]
	if !ok {
		return
	}
	if msg.Index >= c.info.NumPieces || !c.bitfield.Test(msg.Index) {
		pr.inbox.Send(RequestRejected{Index: msg.Index, Err: ErrUnsatisfiableRequest})
		return
	}
	data, err := c.storage.ReadPiece(msg.Index)
	if err != nil {
		c.log.Errorf("cannot read piece #%d: %s", msg.Index, err)
		pr.inbox.Send(RequestRejected{Index: msg.Index, Err: err})
		return
	}
	c.piecesServed.Inc(1)
	pr.inbox.Send(PieceData{Index: msg.Index, Data: data})
}

// schedule picks up to n pieces uniformly at random among the pieces the peer has
// that are neither verified nor assigned to any peer, and sends them to the peer.
func (c *Coordinator) schedule(pr *peerRecord, n int) {
	var candidates []uint32
	for _, i := range pr.has.Indices() {
		if c.bitfield.Test(i) {
			continue
		}
		if _, ok := c.assigned[i]; ok {
			continue
		}
		candidates = append(candidates, i)
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	// Partial Fisher-Yates shuffle.
	for k := 0; k < n; k++ {
		j := k + c.rand.Intn(len(candidates)-k)
		candidates[k], candidates[j] = candidates[j], candidates[k]
	}
	pieces := candidates[:n:n]
	for _, i := range pieces {
		pr.scheduled[i] = struct{}{}
		c.assigned[i] = pr.addr
	}
	pr.inbox.Send(Schedule{Pieces: pieces})
}

func (c *Coordinator) sortedPeers() []*peerRecord {
	ret := make([]*peerRecord, 0, len(c.peers))
	for _, pr := range c.peers {
		ret = append(ret, pr)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].addr < ret[j].addr })
	return ret
}

func sortedIndices(m map[uint32]struct{}) []uint32 {
	ret := make([]uint32, 0, len(m))
	for i := range m {
		ret = append(ret, i)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}
