// Package announcer contains the loops that announce a torrent to its trackers.
package announcer

import (
	"context"
	"errors"

	"github.com/fiume/fiume/internal/tracker"
)

// announceResult is the outcome of a single announce request.
type announceResult struct {
	Event    tracker.Event
	Response *tracker.AnnounceResponse
	Err      error
}

// announce sends req to trk and delivers the result on resultC unless ctx is canceled first.
// Canceled requests are not reported.
func announce(ctx context.Context, trk tracker.Tracker, req tracker.AnnounceRequest, resultC chan<- announceResult) {
	resp, err := trk.Announce(ctx, req)
	if errors.Is(err, context.Canceled) {
		return
	}
	select {
	case resultC <- announceResult{Event: req.Event, Response: resp, Err: err}:
	case <-ctx.Done():
	}
}
