package peerconn

import (
	"errors"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/fiume/fiume/internal/mailbox"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/peerprotocol"
)

var errStoppedWhileWaitingBucket = errors.New("peer reader stopped while waiting for bucket")

// reader decodes messages from the socket and puts them into the connection's inbox.
type reader struct {
	conn             net.Conn
	inbox            *mailbox.Mailbox[event]
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	maxLength        uint32
	bucket           *ratelimit.Bucket
	stopC            chan struct{}
	doneC            chan struct{}
}

func newReader(conn net.Conn, inbox *mailbox.Mailbox[event], numPieces uint32, handshakeTimeout, readTimeout time.Duration, b *ratelimit.Bucket) *reader {
	maxLength := uint32(1 + 8 + metainfo.BlockSize)
	if bitfieldLength := 1 + (numPieces+7)/8; bitfieldLength > maxLength {
		maxLength = bitfieldLength
	}
	return &reader{
		conn:             conn,
		inbox:            inbox,
		handshakeTimeout: handshakeTimeout,
		readTimeout:      readTimeout,
		maxLength:        maxLength,
		bucket:           b,
		stopC:            make(chan struct{}),
		doneC:            make(chan struct{}),
	}
}

func (r *reader) Stop() {
	close(r.stopC)
}

func (r *reader) Done() <-chan struct{} {
	return r.doneC
}

// Run reads until an error occurs. The error is sent to the inbox as readerDone.
func (r *reader) Run() {
	defer close(r.doneC)
	err := r.run()
	var nerr net.Error
	if errors.As(err, &nerr) && !nerr.Timeout() {
		// socket closed locally or reset by peer
		err = peerprotocol.ErrDisconnected
	}
	r.inbox.Send(readerDone{Err: err})
}

func (r *reader) run() error {
	err := r.conn.SetReadDeadline(time.Now().Add(r.handshakeTimeout))
	if err != nil {
		return err
	}
	hs, err := peerprotocol.ReadHandshake(r.conn)
	if err != nil {
		return err
	}
	if !r.inbox.Send(wireMessage{Msg: hs}) {
		return nil
	}
	for {
		err = r.conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		if err != nil {
			return err
		}
		b, err := peerprotocol.ReadFrame(r.conn, r.maxLength, r.waitBucket)
		if err != nil {
			return err
		}
		msg, err := peerprotocol.Decode(b)
		if err != nil {
			return err
		}
		if !r.inbox.Send(wireMessage{Msg: msg}) {
			return nil
		}
	}
}

// waitBucket makes piece payloads wait for the download bucket before they are read.
func (r *reader) waitBucket(id peerprotocol.MessageID, length uint32) error {
	if id != peerprotocol.Piece || r.bucket == nil {
		return nil
	}
	d := r.bucket.Take(int64(length))
	select {
	case <-time.After(d):
		return nil
	case <-r.stopC:
		return errStoppedWhileWaitingBucket
	}
}
