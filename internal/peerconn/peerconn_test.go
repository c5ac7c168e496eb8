package peerconn

import (
	"crypto/rand"
	mrand "math/rand"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiume/fiume/internal/bitfield"
	"github.com/fiume/fiume/internal/coordinator"
	"github.com/fiume/fiume/internal/mailbox"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/peerprotocol"
)

const (
	testPieceLength = 2 * metainfo.BlockSize
	timeout         = 2 * time.Second
)

var (
	localID  = [20]byte{'-', 'F', 'U', '0', '0', '1', '0', '-', 'l', 'o', 'c', 'a', 'l'}
	remoteID = [20]byte{'-', 'F', 'U', '0', '0', '1', '0', '-', 'r', 'e', 'm', 'o', 't', 'e'}
)

type fixture struct {
	t      *testing.T
	info   *metainfo.Info
	data   []byte
	local  *bitfield.Bitfield
	coord  *mailbox.Mailbox[coordinator.Message]
	conn   *Conn
	remote *remote
	errC   chan error
}

// newFixture starts a connection over an in-memory pipe. The torrent has two pieces;
// the last one is shorter than a block.
func newFixture(t *testing.T, initiator Initiator, seed bool) *fixture {
	return newFixtureWithConfig(t, initiator, seed, nil)
}

func newFixtureWithConfig(t *testing.T, initiator Initiator, seed bool, configure func(*Config)) *fixture {
	data := make([]byte, testPieceLength+100)
	_, err := rand.Read(data)
	require.NoError(t, err)
	b, err := metainfo.NewInfoBytes("file.bin", data, testPieceLength)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)

	local := bitfield.New(info.NumPieces)
	if seed {
		local.Set(0)
		local.Set(1)
	}
	c1, c2 := net.Pipe()
	f := &fixture{
		t:      t,
		info:   info,
		data:   data,
		local:  local,
		coord:  mailbox.New[coordinator.Message](),
		remote: newRemote(c2),
		errC:   make(chan error, 1),
	}
	cfg := Config{
		Info:                info,
		InfoHash:            info.Hash,
		PeerID:              localID,
		MaxConcurrentPieces: 1,
		HandshakeTimeout:    timeout,
		ReadTimeout:         timeout,
		KeepAlivePeriod:     time.Minute,
		PieceCacheSize:      1 << 20,
		PieceCacheTTL:       time.Minute,
		Rand:                mrand.New(mrand.NewSource(1)),
	}
	if configure != nil {
		configure(&cfg)
	}
	f.conn = New(c1, initiator, local, f.coord, cfg)
	go func() { f.errC <- f.conn.Run() }()
	return f
}

func (f *fixture) close() {
	f.conn.Close()
	f.remote.conn.Close()
	f.coord.Close()
}

func (f *fixture) piece(i uint32) []byte {
	begin := int64(i) * testPieceLength
	return f.data[begin : begin+int64(f.info.PieceSize(i))]
}

func (f *fixture) nextCoordinatorMessage() coordinator.Message {
	select {
	case msg := <-f.coord.C():
		return msg
	case <-time.After(timeout):
		f.t.Fatal("timeout waiting for coordinator message")
		return nil
	}
}

func (f *fixture) noCoordinatorMessage() {
	select {
	case msg := <-f.coord.C():
		f.t.Fatalf("unexpected coordinator message: %#v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) runError() error {
	select {
	case err := <-f.errC:
		return err
	case <-time.After(timeout):
		f.t.Fatal("connection did not stop")
		return nil
	}
}

// handshake completes the handshake from the remote side and returns the bitfield sent by the connection.
func (f *fixture) handshake(initiator Initiator) *bitfield.Bitfield {
	hs := peerprotocol.HandshakeMessage{InfoHash: f.info.Hash, PeerID: remoteID}
	if initiator == Other {
		f.remote.send(f.t, hs)
	}
	msg := f.remote.next(f.t)
	received, ok := msg.(peerprotocol.HandshakeMessage)
	require.True(f.t, ok, "expected handshake, got %T", msg)
	assert.Equal(f.t, f.info.Hash, received.InfoHash)
	assert.Equal(f.t, localID, received.PeerID)
	if initiator == Self {
		f.remote.send(f.t, hs)
	}
	msg = f.remote.next(f.t)
	bm, ok := msg.(peerprotocol.BitfieldMessage)
	require.True(f.t, ok, "expected bitfield, got %T", msg)
	bf, ok := bitfield.NewBytes(bm.Data, f.info.NumPieces)
	require.True(f.t, ok)

	reg, ok := f.nextCoordinatorMessage().(coordinator.RegisterPeer)
	require.True(f.t, ok)
	assert.Equal(f.t, f.conn.Addr(), reg.Addr)
	return bf
}

// remote is the other end of the pipe.
type remote struct {
	conn net.Conn
	msgC chan peerprotocol.Message
}

func newRemote(conn net.Conn) *remote {
	r := &remote{conn: conn, msgC: make(chan peerprotocol.Message, 100)}
	go r.read()
	return r
}

func (r *remote) read() {
	defer close(r.msgC)
	hs, err := peerprotocol.ReadHandshake(r.conn)
	if err != nil {
		return
	}
	r.msgC <- hs
	for {
		b, err := peerprotocol.ReadFrame(r.conn, 1<<20, nil)
		if err != nil {
			return
		}
		msg, err := peerprotocol.Decode(b)
		if err != nil {
			return
		}
		r.msgC <- msg
	}
}

func (r *remote) send(t *testing.T, msg peerprotocol.Message) {
	_, err := r.conn.Write(peerprotocol.Encode(msg))
	require.NoError(t, err)
}

func (r *remote) next(t *testing.T) peerprotocol.Message {
	select {
	case msg, ok := <-r.msgC:
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(timeout):
		t.Fatal("timeout waiting for peer message")
		return nil
	}
}

func (r *remote) nothing(t *testing.T) {
	select {
	case msg, ok := <-r.msgC:
		if ok {
			t.Fatalf("unexpected message: %#v", msg)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandshakeBeforeBitfield(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, true)
	defer f.close()

	// Nothing is sent before the peer handshakes on an incoming connection.
	f.remote.nothing(t)

	bf := f.handshake(Other)
	assert.True(t, bf.All())
	assert.Equal(t, remoteID, f.conn.PeerID())
}

func TestProtocolMismatch(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, false)
	defer f.close()

	f.remote.send(t, peerprotocol.HandshakeMessage{InfoHash: [20]byte{1}, PeerID: remoteID})
	assert.Equal(t, ErrProtocolMismatch, f.runError())
	_, ok := f.nextCoordinatorMessage().(coordinator.RegisterPeer)
	assert.True(t, ok)
	_, ok = f.nextCoordinatorMessage().(coordinator.PeerDisconnected)
	assert.True(t, ok)
}

func TestOwnConnection(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, false)
	defer f.close()

	f.remote.send(t, peerprotocol.HandshakeMessage{InfoHash: f.info.Hash, PeerID: localID})
	assert.Equal(t, ErrOwnConnection, f.runError())
}

func TestDownload(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Self, false)
	defer f.close()

	bf := f.handshake(Self)
	assert.Equal(t, uint32(0), bf.Count())

	f.remote.send(t, peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	has, ok := f.nextCoordinatorMessage().(coordinator.PeerHas)
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 1}, has.Pieces)
	assert.Equal(t, 2, has.N)
	assert.Equal(t, peerprotocol.InterestedMessage{}, f.remote.next(t))

	f.conn.Send(coordinator.Schedule{Pieces: []uint32{0, 1}})
	f.remote.send(t, peerprotocol.UnchokeMessage{})

	var requests []peerprotocol.RequestMessage
	var haves []uint32
	for len(haves) < 2 {
		switch msg := f.remote.next(t).(type) {
		case peerprotocol.RequestMessage:
			requests = append(requests, msg)
			data := f.piece(msg.Index)[msg.Begin : msg.Begin+msg.Length]
			f.remote.send(t, peerprotocol.PieceMessage{Index: msg.Index, Begin: msg.Begin, Data: data})
		case peerprotocol.HaveMessage:
			haves = append(haves, msg.Index)
		default:
			t.Fatalf("unexpected message: %#v", msg)
		}
	}
	assert.Equal(t, peerprotocol.NotInterestedMessage{}, f.remote.next(t))

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].Index != requests[j].Index {
			return requests[i].Index < requests[j].Index
		}
		return requests[i].Begin < requests[j].Begin
	})
	assert.Equal(t, []peerprotocol.RequestMessage{
		{Index: 0, Begin: 0, Length: metainfo.BlockSize},
		{Index: 0, Begin: metainfo.BlockSize, Length: metainfo.BlockSize},
		{Index: 1, Begin: 0, Length: 100},
	}, requests)

	completed := make(map[uint32][]byte)
	for len(completed) < 2 {
		pc, ok := f.nextCoordinatorMessage().(coordinator.PieceComplete)
		require.True(t, ok)
		assert.Equal(t, 1, pc.N)
		completed[pc.Index] = pc.Data
	}
	assert.Equal(t, f.piece(0), completed[0])
	assert.Equal(t, f.piece(1), completed[1])

	f.conn.Close()
	assert.NoError(t, f.runError())
	assert.True(t, f.local.All())
	_, ok = f.nextCoordinatorMessage().(coordinator.PeerDisconnected)
	assert.True(t, ok)
}

func TestHashMismatch(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Self, false)
	defer f.close()

	f.handshake(Self)
	f.remote.send(t, peerprotocol.HaveMessage{Index: 1})
	has, ok := f.nextCoordinatorMessage().(coordinator.PeerHas)
	require.True(t, ok)
	assert.Equal(t, []uint32{1}, has.Pieces)
	assert.Equal(t, 1, has.N)
	assert.Equal(t, peerprotocol.InterestedMessage{}, f.remote.next(t))

	f.conn.Send(coordinator.Schedule{Pieces: []uint32{1}})
	f.remote.send(t, peerprotocol.UnchokeMessage{})
	req, ok := f.remote.next(t).(peerprotocol.RequestMessage)
	require.True(t, ok)
	assert.Equal(t, peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 100}, req)
	f.remote.send(t, peerprotocol.PieceMessage{Index: 1, Begin: 0, Data: make([]byte, 100)})

	assert.Equal(t, ErrHashMismatch, f.runError())
	pc, ok := f.nextCoordinatorMessage().(coordinator.PieceComplete)
	require.True(t, ok)
	assert.Equal(t, uint32(1), pc.Index)
	assert.Equal(t, 0, pc.N)
	assert.False(t, f.local.Test(1))
}

func TestUpload(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, true)
	defer f.close()

	f.handshake(Other)

	// Requests are ignored while the peer is choked.
	f.remote.send(t, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 10})
	// Keep-alive messages are not answered.
	f.remote.send(t, peerprotocol.KeepAliveMessage{})
	f.remote.send(t, peerprotocol.InterestedMessage{})
	assert.Equal(t, peerprotocol.UnchokeMessage{}, f.remote.next(t))
	f.noCoordinatorMessage()

	f.remote.send(t, peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 100})
	f.remote.send(t, peerprotocol.RequestMessage{Index: 1, Begin: 50, Length: 50})
	req, ok := f.nextCoordinatorMessage().(coordinator.PeerRequestsPiece)
	require.True(t, ok)
	assert.Equal(t, uint32(1), req.Index)
	assert.Equal(t, f.conn.Addr(), req.Sender)
	// Second request for the same piece waits for the same answer.
	f.noCoordinatorMessage()

	f.conn.Send(coordinator.PieceData{Index: 1, Data: f.piece(1)})
	assert.Equal(t, peerprotocol.PieceMessage{Index: 1, Begin: 0, Data: f.piece(1)}, f.remote.next(t))
	assert.Equal(t, peerprotocol.PieceMessage{Index: 1, Begin: 50, Data: f.piece(1)[50:]}, f.remote.next(t))

	// Served from the cache now.
	f.remote.send(t, peerprotocol.RequestMessage{Index: 1, Begin: 10, Length: 10})
	assert.Equal(t, peerprotocol.PieceMessage{Index: 1, Begin: 10, Data: f.piece(1)[10:20]}, f.remote.next(t))
	f.noCoordinatorMessage()
}

func TestNewHaveIsForwarded(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, false)
	defer f.close()

	f.handshake(Other)
	f.conn.Send(coordinator.NewHave{Index: 0})
	assert.Equal(t, peerprotocol.HaveMessage{Index: 0}, f.remote.next(t))
}

func TestUnexpectedBitfield(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, false)
	defer f.close()

	f.handshake(Other)
	f.remote.send(t, peerprotocol.InterestedMessage{})
	f.remote.send(t, peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	assert.Equal(t, errUnexpectedBitfield, f.runError())
}

// startDownload announces both pieces from the remote, schedules piece 0 and unchokes.
// It returns the first request of piece 0.
func (f *fixture) startDownload() peerprotocol.RequestMessage {
	f.handshake(Self)
	f.remote.send(f.t, peerprotocol.BitfieldMessage{Data: []byte{0xc0}})
	_, ok := f.nextCoordinatorMessage().(coordinator.PeerHas)
	require.True(f.t, ok)
	assert.Equal(f.t, peerprotocol.InterestedMessage{}, f.remote.next(f.t))
	f.conn.Send(coordinator.Schedule{Pieces: []uint32{0}})
	f.remote.send(f.t, peerprotocol.UnchokeMessage{})
	req, ok := f.remote.next(f.t).(peerprotocol.RequestMessage)
	require.True(f.t, ok)
	assert.Equal(f.t, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: metainfo.BlockSize}, req)
	return req
}

func (f *fixture) sendBlock(req peerprotocol.RequestMessage) {
	data := f.piece(req.Index)[req.Begin : req.Begin+req.Length]
	f.remote.send(f.t, peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin, Data: data})
}

func TestChokeInTheMiddleOfPiece(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Self, false)
	defer f.close()

	f.sendBlock(f.startDownload())
	second := peerprotocol.RequestMessage{Index: 0, Begin: metainfo.BlockSize, Length: metainfo.BlockSize}
	assert.Equal(t, second, f.remote.next(t))

	// The peer drops the pending request when it chokes.
	f.remote.send(t, peerprotocol.ChokeMessage{})
	f.remote.nothing(t)
	f.remote.send(t, peerprotocol.UnchokeMessage{})
	assert.Equal(t, second, f.remote.next(t))
	f.remote.nothing(t)

	f.sendBlock(second)
	assert.Equal(t, peerprotocol.HaveMessage{Index: 0}, f.remote.next(t))
	pc, ok := f.nextCoordinatorMessage().(coordinator.PieceComplete)
	require.True(t, ok)
	assert.Equal(t, f.piece(0), pc.Data)
}

func TestOutOfOrderBlockIsDiscarded(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Self, false)
	defer f.close()

	first := f.startDownload()
	second := peerprotocol.RequestMessage{Index: 0, Begin: metainfo.BlockSize, Length: metainfo.BlockSize}
	f.sendBlock(second)
	f.remote.nothing(t)
	f.noCoordinatorMessage()

	// Blocks of pieces that are not in flight are discarded too.
	f.sendBlock(peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 100})
	f.remote.nothing(t)

	f.sendBlock(first)
	assert.Equal(t, second, f.remote.next(t))
	f.sendBlock(second)
	assert.Equal(t, peerprotocol.HaveMessage{Index: 0}, f.remote.next(t))
	pc, ok := f.nextCoordinatorMessage().(coordinator.PieceComplete)
	require.True(t, ok)
	assert.Equal(t, f.piece(0), pc.Data)
}

func TestBlockOfOwnedPieceIsDiscarded(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, true)
	defer f.close()

	f.handshake(Other)
	f.sendBlock(peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 100})
	f.remote.send(t, peerprotocol.PieceMessage{Index: 0, Begin: 0, Data: make([]byte, 10)})
	f.noCoordinatorMessage()
	f.remote.nothing(t)

	// The connection is still alive.
	f.remote.send(t, peerprotocol.InterestedMessage{})
	assert.Equal(t, peerprotocol.UnchokeMessage{}, f.remote.next(t))
	assert.True(t, f.local.All())
}

func TestRequestForMissingPieceIsIgnored(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, false)
	defer f.close()

	f.handshake(Other)
	f.remote.send(t, peerprotocol.InterestedMessage{})
	assert.Equal(t, peerprotocol.UnchokeMessage{}, f.remote.next(t))

	f.remote.send(t, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 10})
	f.noCoordinatorMessage()
	f.remote.nothing(t)
}

func TestRequestRejectedDropsDeferredRequests(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, true)
	defer f.close()

	f.handshake(Other)
	f.remote.send(t, peerprotocol.InterestedMessage{})
	assert.Equal(t, peerprotocol.UnchokeMessage{}, f.remote.next(t))

	f.remote.send(t, peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 100})
	_, ok := f.nextCoordinatorMessage().(coordinator.PeerRequestsPiece)
	require.True(t, ok)
	f.conn.Send(coordinator.RequestRejected{Index: 1, Err: coordinator.ErrUnsatisfiableRequest})

	// Data arriving later is cached but the dropped request is not answered.
	f.conn.Send(coordinator.PieceData{Index: 1, Data: f.piece(1)})
	f.remote.nothing(t)

	f.remote.send(t, peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 10})
	assert.Equal(t, peerprotocol.PieceMessage{Index: 1, Begin: 0, Data: f.piece(1)[:10]}, f.remote.next(t))
	f.noCoordinatorMessage()
}

func TestInvalidBitfieldLength(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixture(t, Other, false)
	defer f.close()

	f.handshake(Other)
	f.remote.send(t, peerprotocol.BitfieldMessage{Data: []byte{0xc0, 0}})
	assert.Equal(t, errInvalidBitfield, f.runError())
}

func TestNoKeepAliveBeforeHandshake(t *testing.T) {
	defer leaktest.Check(t)()
	f := newFixtureWithConfig(t, Other, true, func(cfg *Config) {
		cfg.KeepAlivePeriod = 20 * time.Millisecond
	})
	defer f.close()

	f.remote.nothing(t)
	f.handshake(Other)
	assert.Equal(t, peerprotocol.KeepAliveMessage{}, f.remote.next(t))
}

func TestMessageBeforeHandshake(t *testing.T) {
	defer leaktest.Check(t)()
	data := make([]byte, 100)
	b, err := metainfo.NewInfoBytes("file.bin", data, testPieceLength)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	c1, c2 := net.Pipe()
	defer c2.Close()
	coord := mailbox.New[coordinator.Message]()
	defer coord.Close()

	c := New(c1, Other, bitfield.New(info.NumPieces), coord, Config{Info: info, InfoHash: info.Hash, PeerID: localID})
	defer c.cache.Close()
	defer c.inbox.Close()
	defer c1.Close()
	assert.Equal(t, errHandshakeNotReceived, c.handleMessage(peerprotocol.InterestedMessage{}))
}
