package announcer

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/tracker"
)

// StopAnnouncer is used to send a stop event to the Tracker.
type StopAnnouncer struct {
	log      logger.Logger
	timeout  time.Duration
	trackers []tracker.Tracker
	torrent  tracker.Torrent
	resultC  chan error
	closeC   chan struct{}
	doneC    chan struct{}
}

// NewStopAnnouncer returns a new StopAnnouncer.
// The merged error of all announces is sent to resultC when they are finished.
func NewStopAnnouncer(trackers []tracker.Tracker, tra tracker.Torrent, timeout time.Duration, resultC chan error, l logger.Logger) *StopAnnouncer {
	return &StopAnnouncer{
		log:      l,
		timeout:  timeout,
		trackers: trackers,
		torrent:  tra,
		resultC:  resultC,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Close the announcer.
func (a *StopAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

// Run the announcer.
func (a *StopAnnouncer) Run() {
	defer close(a.doneC)

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-a.closeC:
			cancel()
		}
	}()

	errC := make(chan error)
	for _, trk := range a.trackers {
		go func(trk tracker.Tracker) {
			req := tracker.AnnounceRequest{
				Torrent: a.torrent,
				Event:   tracker.EventStopped,
			}
			_, err := trk.Announce(ctx, req)
			if err != nil {
				a.log.Debugln("cannot send stopped event to", trk.URL(), ":", err)
			}
			errC <- err
		}(trk)
	}
	var result error
	for range a.trackers {
		if err := <-errC; err != nil {
			result = multierror.Append(result, err)
		}
	}
	select {
	case a.resultC <- result:
	case <-a.closeC:
	}
}
