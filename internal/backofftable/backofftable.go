// Package backofftable keeps peer addresses that recently failed in cool-down
// and releases them for another attempt after an exponentially growing delay.
package backofftable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/btree"
)

var (
	// ErrAlreadyPresent is returned from Add if the address is cooling down or waiting to be extracted.
	ErrAlreadyPresent = errors.New("address is already in backoff table")
	// ErrTimeout is returned from Extract when not enough addresses became ready in time.
	ErrTimeout = errors.New("timeout waiting for ready addresses")
)

type state int

const (
	cooling state = iota
	ready
	// popped by an Extract call that has not returned yet
	held
	released
)

type entry struct {
	addr     string
	state    state
	deadline time.Time
	seq      uint64
	ttl      time.Duration
	backoff  *backoff.ExponentialBackOff
}

// Table is safe for concurrent use.
type Table struct {
	initialTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time

	m       sync.Mutex
	entries map[string]*entry
	// cooling and released entries ordered by deadline
	timeline *btree.BTreeG[*entry]
	// addresses that passed cool-down, in release order
	ready  []*entry
	seq    uint64
	notify chan struct{}
}

// New returns an empty table. The first cool-down of an address lasts initialTTL;
// every re-add inside the release window doubles it, up to maxTTL.
func New(initialTTL, maxTTL time.Duration) *Table {
	if maxTTL < initialTTL {
		maxTTL = initialTTL
	}
	return &Table{
		initialTTL: initialTTL,
		maxTTL:     maxTTL,
		now:        time.Now,
		entries:    make(map[string]*entry),
		timeline:   btree.NewG(2, lessDeadline),
		notify:     make(chan struct{}),
	}
}

func lessDeadline(a, b *entry) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

// Add puts addr in cool-down and returns the length of it.
// If addr was extracted recently the previous TTL is doubled, otherwise the initial TTL is used.
func (t *Table) Add(addr string) (time.Duration, error) {
	t.m.Lock()
	defer t.m.Unlock()
	now := t.now()
	t.advance(now)

	e, ok := t.entries[addr]
	if ok && e.state != released {
		return 0, ErrAlreadyPresent
	}
	if ok {
		t.timeline.Delete(e)
	} else {
		e = &entry{
			addr: addr,
			backoff: &backoff.ExponentialBackOff{
				InitialInterval:     t.initialTTL,
				RandomizationFactor: 0,
				Multiplier:          2,
				MaxInterval:         t.maxTTL,
				MaxElapsedTime:      0, // never stop
				Clock:               backoff.SystemClock,
			},
		}
		e.backoff.Reset()
		t.entries[addr] = e
	}
	e.ttl = e.backoff.NextBackOff()
	t.schedule(e, cooling, now.Add(e.ttl))
	t.wakeWaiters()
	return e.ttl, nil
}

// AnyReady returns true if at least one address passed its cool-down and can be extracted.
func (t *Table) AnyReady() bool {
	t.m.Lock()
	defer t.m.Unlock()
	t.advance(t.now())
	return len(t.ready) > 0
}

// Len returns the number of addresses in cool-down or waiting to be extracted.
func (t *Table) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	t.advance(t.now())
	n := 0
	for _, e := range t.entries {
		if e.state != released {
			n++
		}
	}
	return n
}

// Extract pops up to n ready addresses, waiting up to timeout for them to become ready.
// A zero timeout does not wait and a negative timeout waits until ctx is done.
// When time is up with fewer than n addresses, the ones found are returned if bestEffort
// is true; otherwise they are put back and ErrTimeout is returned.
func (t *Table) Extract(ctx context.Context, n int, timeout time.Duration, bestEffort bool) ([]string, error) {
	var deadlineC <-chan time.Time
	if timeout > 0 {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		deadlineC = deadline.C
	}
	var wake *time.Timer
	defer func() {
		if wake != nil {
			wake.Stop()
		}
	}()

	t.m.Lock()
	out := make([]*entry, 0, n)
	var expired bool
	for {
		now := t.now()
		t.advance(now)
		for len(out) < n && len(t.ready) > 0 {
			e := t.ready[0]
			t.ready = t.ready[1:]
			e.state = held
			out = append(out, e)
		}
		if len(out) == n || timeout == 0 || expired {
			break
		}
		var wakeC <-chan time.Time
		if next, ok := t.nextCoolingDeadline(); ok {
			d := next.Sub(now)
			if wake == nil {
				wake = time.NewTimer(d)
			} else {
				wake.Reset(d)
			}
			wakeC = wake.C
		}
		notify := t.notify
		t.m.Unlock()
		select {
		case <-notify:
		case <-wakeC:
			wakeC = nil
		case <-deadlineC:
			expired = true
		case <-ctx.Done():
			expired = true
		}
		if wakeC != nil && !wake.Stop() {
			<-wake.C
		}
		t.m.Lock()
	}
	defer t.m.Unlock()
	if len(out) < n && !bestEffort {
		t.putBack(out)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTimeout
	}
	now := t.now()
	addrs := make([]string, len(out))
	for i, e := range out {
		// Remember the address for one more TTL so that re-adding it doubles the backoff.
		t.schedule(e, released, now.Add(e.ttl))
		addrs[i] = e.addr
	}
	return addrs, nil
}

// Remove forgets addr completely.
func (t *Table) Remove(addr string) {
	t.m.Lock()
	defer t.m.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return
	}
	delete(t.entries, addr)
	switch e.state {
	case ready:
		for i, r := range t.ready {
			if r == e {
				t.ready = append(t.ready[:i], t.ready[i+1:]...)
				break
			}
		}
	case held:
	default:
		t.timeline.Delete(e)
	}
}

// advance moves expired cool-downs to the ready queue and forgets expired release windows.
func (t *Table) advance(now time.Time) {
	for {
		e, ok := t.timeline.Min()
		if !ok || e.deadline.After(now) {
			return
		}
		t.timeline.DeleteMin()
		switch e.state {
		case cooling:
			e.state = ready
			t.ready = append(t.ready, e)
		case released:
			delete(t.entries, e.addr)
		}
	}
}

func (t *Table) schedule(e *entry, s state, deadline time.Time) {
	t.seq++
	e.state = s
	e.deadline = deadline
	e.seq = t.seq
	t.timeline.ReplaceOrInsert(e)
}

func (t *Table) nextCoolingDeadline() (time.Time, bool) {
	var next time.Time
	var found bool
	t.timeline.Ascend(func(e *entry) bool {
		if e.state == cooling {
			next = e.deadline
			found = true
			return false
		}
		return true
	})
	return next, found
}

// putBack returns held entries to the front of the ready queue in the same order.
// Entries removed while they were held are dropped.
func (t *Table) putBack(es []*entry) {
	entries := make([]*entry, 0, len(es)+len(t.ready))
	for _, e := range es {
		if t.entries[e.addr] != e {
			continue
		}
		e.state = ready
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return
	}
	t.ready = append(entries, t.ready...)
	t.wakeWaiters()
}

// wakeWaiters must be called with the lock held.
func (t *Table) wakeWaiters() {
	close(t.notify)
	t.notify = make(chan struct{})
}
