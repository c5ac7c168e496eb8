// Package tracker provides support for announcing torrents to HTTP trackers.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Tracker is a source of peer addresses for a torrent.
type Tracker interface {
	// Announce transfer to the tracker.
	// Announce should be called periodically with the interval returned in AnnounceResponse.
	// Announce should also be called on specific events.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL of the tracker.
	URL() string
}

// AnnounceRequest contains the parameters of a single announce.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse is the decoded reply of a tracker.
type AnnounceResponse struct {
	Interval       time.Duration
	MinInterval    time.Duration
	Leechers       int32
	Seeders        int32
	WarningMessage string
	Peers          []*net.TCPAddr
}

// ErrDecode is returned when the tracker response cannot be parsed.
var ErrDecode = errors.New("cannot decode response")

// Error is the string that is sent by the tracker from announce.
type Error struct {
	FailureReason string
	RetryIn       time.Duration
}

func (e *Error) Error() string { return e.FailureReason }
