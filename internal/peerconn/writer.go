package peerconn

import (
	"net"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/rcrowley/go-metrics"

	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/peerprotocol"
)

// writer queues outgoing messages without blocking the connection loop and writes them in order.
type writer struct {
	conn            net.Conn
	queueC          chan peerprotocol.Message
	writeQueue      *list.List[peerprotocol.Message]
	writeC          chan peerprotocol.Message
	keepAlivePeriod time.Duration
	uploaded        metrics.Counter
	log             logger.Logger
	stopC           chan struct{}
	doneC           chan struct{}
}

func newWriter(conn net.Conn, keepAlivePeriod time.Duration, uploaded metrics.Counter, l logger.Logger) *writer {
	return &writer{
		conn:            conn,
		queueC:          make(chan peerprotocol.Message),
		writeQueue:      list.New[peerprotocol.Message](),
		writeC:          make(chan peerprotocol.Message),
		keepAlivePeriod: keepAlivePeriod,
		uploaded:        uploaded,
		log:             l,
		stopC:           make(chan struct{}),
		doneC:           make(chan struct{}),
	}
}

func (w *writer) SendMessage(msg peerprotocol.Message) {
	select {
	case w.queueC <- msg:
	case <-w.doneC:
	}
}

func (w *writer) Stop() {
	close(w.stopC)
}

func (w *writer) Done() <-chan struct{} {
	return w.doneC
}

func (w *writer) Run() {
	defer close(w.doneC)

	writerDone := make(chan struct{})
	go w.messageWriter(writerDone)

	for {
		var (
			e      *list.Element[peerprotocol.Message]
			msg    peerprotocol.Message
			writeC chan peerprotocol.Message
		)
		if w.writeQueue.Len() > 0 {
			e = w.writeQueue.Front()
			msg = e.Value
			writeC = w.writeC
		}
		select {
		case msg = <-w.queueC:
			w.queueMessage(msg)
		case writeC <- msg:
			w.writeQueue.Remove(e)
		case <-writerDone:
			return
		case <-w.stopC:
			<-writerDone
			return
		}
	}
}

func (w *writer) queueMessage(msg peerprotocol.Message) {
	if _, ok := msg.(peerprotocol.ChokeMessage); ok {
		w.cancelQueuedPieceMessages()
	}
	w.writeQueue.PushBack(msg)
}

// cancelQueuedPieceMessages drops pieces that are not sent yet because the peer is choked now.
func (w *writer) cancelQueuedPieceMessages() {
	var next *list.Element[peerprotocol.Message]
	for e := w.writeQueue.Front(); e != nil; e = next {
		next = e.Next()
		if _, ok := e.Value.(peerprotocol.PieceMessage); ok {
			w.writeQueue.Remove(e)
		}
	}
}

func (w *writer) messageWriter(doneC chan struct{}) {
	defer close(doneC)

	// Keep-alives are sent only after the handshake.
	keepAliveTimer := time.NewTimer(w.keepAlivePeriod)
	keepAliveTimer.Stop()
	defer keepAliveTimer.Stop()
	var keepAliveC <-chan time.Time

	for {
		var msg peerprotocol.Message
		select {
		case msg = <-w.writeC:
		case <-keepAliveC:
			msg = peerprotocol.KeepAliveMessage{}
		case <-w.stopC:
			return
		}
		err := w.write(msg)
		if err != nil {
			return
		}
		if _, ok := msg.(peerprotocol.HandshakeMessage); ok {
			keepAliveC = keepAliveTimer.C
		}
		if keepAliveC == nil {
			continue
		}
		if !keepAliveTimer.Stop() {
			select {
			case <-keepAliveTimer.C:
			default:
			}
		}
		keepAliveTimer.Reset(w.keepAlivePeriod)
	}
}

func (w *writer) write(msg peerprotocol.Message) error {
	_, err := w.conn.Write(peerprotocol.Encode(msg))
	if _, ok := err.(*net.OpError); ok {
		w.log.Debugf("cannot write message [%T]: %s", msg, err.Error())
		return err
	}
	if err != nil {
		w.log.Errorf("cannot write message [%T]: %s", msg, err.Error())
		return err
	}
	if pm, ok := msg.(peerprotocol.PieceMessage); ok {
		w.uploaded.Inc(int64(len(pm.Data)))
	}
	return nil
}
