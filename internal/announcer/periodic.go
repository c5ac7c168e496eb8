package announcer

import (
	"context"
	"errors"
	"math"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/tracker"
	"github.com/fiume/fiume/internal/tracker/httptracker"
)

// Status of the last contact with a tracker.
type Status int

// Values of Status.
const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

var statusNames = [...]string{
	"not contacted yet",
	"contacting",
	"working",
	"not working",
}

func (s Status) String() string {
	return statusNames[s]
}

// PeriodicalAnnouncer announces a torrent to one tracker at the interval the tracker asks for.
// Peers from every response are sent to the newPeers channel.
type PeriodicalAnnouncer struct {
	Tracker       tracker.Tracker
	status        Status
	statsCommandC chan statsRequest
	numWant       int
	interval      time.Duration
	minInterval   time.Duration
	seeders       int
	leechers      int
	lastError     *AnnounceError
	log           logger.Logger
	completedC    chan struct{}
	newPeers      chan []*net.TCPAddr
	firstC        chan struct{}
	backoff       backoff.BackOff
	getTorrent    func() tracker.Torrent
	lastAnnounce  time.Time
	resultC       chan announceResult
	closeC        chan struct{}
	doneC         chan struct{}
}

// NewPeriodicalAnnouncer returns a new announcer for trk.
// A value is sent to firstC when the first announce finishes, successfully or not.
// firstC must have enough buffer for it. Closing completedC sends the "completed" event.
func NewPeriodicalAnnouncer(
	trk tracker.Tracker,
	numWant int,
	minInterval time.Duration,
	getTorrent func() tracker.Torrent,
	completedC chan struct{},
	newPeers chan []*net.TCPAddr,
	firstC chan struct{},
	l logger.Logger,
) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:       trk,
		status:        NotContactedYet,
		statsCommandC: make(chan statsRequest),
		numWant:       numWant,
		minInterval:   minInterval,
		log:           l,
		completedC:    completedC,
		newPeers:      newPeers,
		firstC:        firstC,
		getTorrent:    getTorrent,
		resultC:       make(chan announceResult),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     5 * time.Second,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         30 * time.Minute,
			MaxElapsedTime:      0, // never stop
			Clock:               backoff.SystemClock,
		},
	}
}

// Close stops the announcer. Run must have been called.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

type statsRequest struct {
	Response chan Stats
}

// Stats returns the state of the announcer.
func (a *PeriodicalAnnouncer) Stats() Stats {
	var stats Stats
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case a.statsCommandC <- req:
	case <-a.doneC:
		return stats
	}
	select {
	case stats = <-req.Response:
	case <-a.doneC:
	}
	return stats
}

// Run announces until Close is called.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.doneC)
	a.backoff.Reset()

	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	// BEP 0003: No completed is sent if the file was complete when started.
	select {
	case <-a.completedC:
		a.completedC = nil
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	go a.announce(ctx, tracker.EventStarted, a.numWant)
	a.status = Contacting
	for {
		select {
		case <-timer.C:
			if a.status == Contacting {
				break
			}
			go a.announce(ctx, tracker.EventNone, a.numWant)
			a.status = Contacting
		case res := <-a.resultC:
			a.lastAnnounce = time.Now()
			if res.Err != nil {
				a.handleError(res.Event, res.Err)
				a.notifyFirst()
				timer.Reset(a.retryDelay())
				break
			}
			a.handleResponse(res.Response)
			if len(res.Response.Peers) > 0 {
				select {
				case a.newPeers <- res.Response.Peers:
				case <-a.closeC:
					cancel()
					return
				}
			}
			a.notifyFirst()
			timer.Reset(a.interval)
		case <-a.completedC:
			if a.status == Contacting {
				cancel()
				ctx, cancel = context.WithCancel(context.Background())
			}
			go a.announce(ctx, tracker.EventCompleted, 0)
			a.status = Contacting
			a.completedC = nil // do not send more than one "completed" event
		case req := <-a.statsCommandC:
			req.Response <- a.stats()
		case <-a.closeC:
			cancel()
			return
		}
	}
}

func (a *PeriodicalAnnouncer) notifyFirst() {
	if a.firstC == nil {
		return
	}
	a.firstC <- struct{}{}
	a.firstC = nil
}

func (a *PeriodicalAnnouncer) announce(ctx context.Context, event tracker.Event, numWant int) {
	announce(ctx, a.Tracker, tracker.AnnounceRequest{
		Torrent: a.getTorrent(),
		Event:   event,
		NumWant: numWant,
	}, a.resultC)
}

func (a *PeriodicalAnnouncer) handleResponse(resp *tracker.AnnounceResponse) {
	a.status = Working
	a.seeders = int(resp.Seeders)
	a.leechers = int(resp.Leechers)
	a.interval = resp.Interval
	if resp.MinInterval > 0 {
		a.minInterval = resp.MinInterval
	}
	if a.interval < a.minInterval {
		a.interval = a.minInterval
	}
	a.lastError = nil
	a.backoff.Reset()
	a.log.Debugf("announce ok, %d peers, next in %s", len(resp.Peers), a.interval)
}

func (a *PeriodicalAnnouncer) handleError(event tracker.Event, err error) {
	a.status = NotWorking
	a.lastError = newAnnounceError(err)
	if a.lastError.Unknown {
		a.log.Errorf("announce error (event=%s): %s", event, a.lastError.ErrorWithType())
	} else {
		a.log.Debugf("announce error (event=%s): %s", event, a.lastError.Err)
	}
}

// retryDelay uses the retry time sent by the tracker if there is one.
func (a *PeriodicalAnnouncer) retryDelay() time.Duration {
	var terr *tracker.Error
	if errors.As(a.lastError.Err, &terr) && terr.RetryIn > 0 {
		return terr.RetryIn
	}
	return a.backoff.NextBackOff()
}

// Stats about the tracker.
type Stats struct {
	Status   Status
	Error    *AnnounceError
	Seeders  int
	Leechers int
}

func (a *PeriodicalAnnouncer) stats() Stats {
	return Stats{
		Status:   a.status,
		Error:    a.lastError,
		Seeders:  a.seeders,
		Leechers: a.leechers,
	}
}

// AnnounceError wraps the last error of a tracker with a message that can be shown to the user.
type AnnounceError struct {
	Err     error
	Message string
	Unknown bool
}

func newAnnounceError(err error) (e *AnnounceError) {
	e = &AnnounceError{Err: err}
	switch err := err.(type) {
	case *net.DNSError:
		s := err.Error()
		if strings.HasSuffix(s, "no such host") {
			e.Message = "host not found: " + err.Name
			return
		}
	case *url.Error:
		s := err.Error()
		if strings.HasSuffix(s, "connection refused") {
			e.Message = "tracker refused the connection"
			return
		}
		if err.Timeout() {
			e.Message = "timeout contacting tracker"
			return
		}
	case *httptracker.StatusError:
		if err.Code == 403 || err.Code == 404 {
			e.Message = "tracker returned http status: " + strconv.Itoa(err.Code)
			return
		}
	case *tracker.Error:
		e.Message = "announce error: " + err.FailureReason
		return
	}
	if err == tracker.ErrDecode {
		e.Message = "invalid response from tracker"
		return
	}
	e.Message = "unknown error in announce"
	e.Unknown = true
	return
}

// ErrorWithType returns the error string prefixed with the type of the error.
func (e *AnnounceError) ErrorWithType() string {
	return reflect.TypeOf(e.Err).String() + ": " + e.Err.Error()
}
