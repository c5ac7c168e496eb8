// Package mailbox provides an unbounded FIFO channel between goroutines.
package mailbox

import (
	"sync"

	list "github.com/bahlo/generic-list-go"
)

// Mailbox buffers values sent with Send until the receiver reads them from C.
// Send never waits for the receiver. Order of values is preserved.
type Mailbox[T any] struct {
	queueC chan T
	outC   chan T
	lenC   chan chan int
	queue  *list.List[T]
	closeC chan struct{}
	doneC  chan struct{}
	once   sync.Once
}

// New returns a running Mailbox. It must be closed with Close when not needed anymore.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		queueC: make(chan T),
		outC:   make(chan T),
		lenC:   make(chan chan int),
		queue:  list.New[T](),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	go m.run()
	return m
}

// Send puts v at the end of the queue.
// It returns false if the mailbox is closed, in which case v is dropped.
func (m *Mailbox[T]) Send(v T) bool {
	select {
	case m.queueC <- v:
		return true
	case <-m.doneC:
		return false
	}
}

// C returns the channel that values are delivered on. It is never closed.
func (m *Mailbox[T]) C() <-chan T {
	return m.outC
}

// Done returns a channel that is closed after the mailbox is closed.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.doneC
}

// Len returns the number of values waiting to be received.
func (m *Mailbox[T]) Len() int {
	resp := make(chan int, 1)
	select {
	case m.lenC <- resp:
		return <-resp
	case <-m.doneC:
		return 0
	}
}

// Close stops the mailbox and discards pending values. It is safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.closeC) })
	<-m.doneC
}

func (m *Mailbox[T]) run() {
	defer close(m.doneC)
	for {
		var (
			e    *list.Element[T]
			next T
			outC chan T
		)
		if m.queue.Len() > 0 {
			e = m.queue.Front()
			next = e.Value
			outC = m.outC
		}
		select {
		case v := <-m.queueC:
			m.queue.PushBack(v)
		case outC <- next:
			m.queue.Remove(e)
		case resp := <-m.lenC:
			resp <- m.queue.Len()
		case <-m.closeC:
			return
		}
	}
}
