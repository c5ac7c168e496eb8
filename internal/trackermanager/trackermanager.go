// Package trackermanager announces a torrent to all of its trackers and merges the peers they return.
package trackermanager

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fiume/fiume/internal/announcer"
	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/tracker"
	"github.com/fiume/fiume/internal/tracker/httptracker"
)

// Config for TrackerManager.
type Config struct {
	// Number of peers asked from each tracker.
	NumWant int
	// Timeout of a single HTTP request.
	HTTPTimeout time.Duration
	// Lower bound of the announce interval.
	MinAnnounceInterval time.Duration
	// How long to wait for trackers to acknowledge the stopped event.
	StoppedEventTimeout time.Duration
}

// TrackerManager owns one PeriodicalAnnouncer per tracker.
type TrackerManager struct {
	config     Config
	trackers   []tracker.Tracker
	transport  *http.Transport
	announcers []*announcer.PeriodicalAnnouncer
	getTorrent func() tracker.Torrent
	peersC     chan []*net.TCPAddr
	firstC     chan struct{}
	completedC chan struct{}
	log        logger.Logger

	running      atomic.Bool
	startOnce    sync.Once
	completeOnce sync.Once
	stopOnce     sync.Once
}

// New returns a TrackerManager for the announce URLs.
// URLs that cannot be used are skipped and reported in the returned error;
// the returned TrackerManager is valid even if err is not nil.
func New(urls []string, cfg Config, getTorrent func() tracker.Torrent, l logger.Logger) (*TrackerManager, error) {
	m := &TrackerManager{
		config:     cfg,
		getTorrent: getTorrent,
		peersC:     make(chan []*net.TCPAddr),
		completedC: make(chan struct{}),
		log:        l,
	}
	m.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: cfg.HTTPTimeout,
		MaxIdleConnsPerHost: 1,
	}
	var result error
	for _, s := range urls {
		trk, err := get(s, cfg.HTTPTimeout, m.transport)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		m.trackers = append(m.trackers, trk)
	}
	m.firstC = make(chan struct{}, len(m.trackers))
	for _, trk := range m.trackers {
		a := announcer.NewPeriodicalAnnouncer(
			trk,
			cfg.NumWant,
			cfg.MinAnnounceInterval,
			getTorrent,
			m.completedC,
			m.peersC,
			m.firstC,
			logger.New("tracker "+trk.URL()),
		)
		m.announcers = append(m.announcers, a)
	}
	return m, result
}

func get(s string, timeout time.Duration, t http.RoundTripper) (tracker.Tracker, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return httptracker.New(s, u, timeout, t), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %s", u.Scheme)
	}
}

// NotifyStart starts announcing and waits until every tracker answered once or ctx is done.
// It returns the peers received so far and the channel that later peers are sent to.
func (m *TrackerManager) NotifyStart(ctx context.Context) (initial []*net.TCPAddr, newPeers <-chan []*net.TCPAddr) {
	started := false
	m.startOnce.Do(func() {
		started = true
		m.running.Store(true)
		for _, a := range m.announcers {
			go a.Run()
		}
	})
	if !started {
		return nil, m.peersC
	}
	pending := len(m.announcers)
	for pending > 0 {
		select {
		case addrs := <-m.peersC:
			initial = append(initial, addrs...)
		case <-m.firstC:
			pending--
		case <-ctx.Done():
			return initial, m.peersC
		}
	}
	m.log.Debugf("received %d peers from %d trackers", len(initial), len(m.announcers))
	return initial, m.peersC
}

// NotifyCompletion sends the "completed" event to all trackers. Only the first call has effect.
func (m *TrackerManager) NotifyCompletion() {
	m.completeOnce.Do(func() { close(m.completedC) })
}

// NotifyStop stops periodical announces and sends the "stopped" event to all trackers.
// It blocks until the trackers answer or the configured timeout passes.
func (m *TrackerManager) NotifyStop() error {
	var err error
	m.stopOnce.Do(func() {
		defer m.transport.CloseIdleConnections()
		started := true
		m.startOnce.Do(func() { started = false })
		if !started {
			return
		}
		m.closeAnnouncers()
		if len(m.trackers) == 0 {
			return
		}
		resultC := make(chan error, 1)
		sa := announcer.NewStopAnnouncer(m.trackers, m.getTorrent(), m.config.StoppedEventTimeout, resultC, m.log)
		go sa.Run()
		err = <-resultC
		sa.Close()
	})
	return err
}

func (m *TrackerManager) closeAnnouncers() {
	var wg sync.WaitGroup
	for _, a := range m.announcers {
		wg.Add(1)
		go func(a *announcer.PeriodicalAnnouncer) {
			defer wg.Done()
			a.Close()
		}(a)
	}
	wg.Wait()
}

// Stats returns the state of every tracker keyed by URL.
func (m *TrackerManager) Stats() map[string]announcer.Stats {
	ret := make(map[string]announcer.Stats, len(m.announcers))
	if !m.running.Load() {
		return ret
	}
	for _, a := range m.announcers {
		ret[a.Tracker.URL()] = a.Stats()
	}
	return ret
}

// Len returns the number of usable trackers.
func (m *TrackerManager) Len() int {
	return len(m.trackers)
}
