// Package httptracker implements the HTTP announce protocol.
package httptracker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/bencode"

	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/tracker"
)

const maxResponseLength = 2 << 20

// HTTPTracker announces to a single HTTP tracker URL.
type HTTPTracker struct {
	rawURL string
	url    *url.URL
	log    logger.Logger
	http   *http.Client

	m         sync.Mutex
	trackerID string
}

var _ tracker.Tracker = (*HTTPTracker)(nil)

// New returns a tracker for the announce URL u. Requests give up after timeout.
func New(rawURL string, u *url.URL, timeout time.Duration, t http.RoundTripper) *HTTPTracker {
	return &HTTPTracker{
		rawURL: rawURL,
		url:    u,
		log:    logger.New("tracker " + u.String()),
		http: &http.Client{
			Timeout:   timeout,
			Transport: t,
		},
	}
}

// URL returns the announce URL.
func (t *HTTPTracker) URL() string {
	return t.rawURL
}

// Announce sends the request as URL query parameters and decodes the bencoded response.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	q := t.url.Query()
	q.Set("info_hash", string(req.Torrent.InfoHash[:]))
	q.Set("peer_id", string(req.Torrent.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(req.Torrent.Port), 10))
	q.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	q.Set("numwant", strconv.Itoa(req.NumWant))
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	t.m.Lock()
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}
	t.m.Unlock()

	u := *t.url
	u.RawQuery = q.Encode()
	t.log.Debugf("making request to: %q", u.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	body, err := t.doRequest(httpReq)
	if errors.Is(err, context.Canceled) {
		return nil, context.Canceled
	}
	if err != nil {
		return nil, err
	}

	var response announceResponse
	err = bencode.DecodeBytes(body, &response)
	if err != nil {
		return nil, tracker.ErrDecode
	}

	if response.WarningMessage != "" {
		t.log.Warning(response.WarningMessage)
	}
	if ferr := response.failure(); ferr != nil {
		return nil, ferr
	}

	if response.TrackerID != "" {
		t.m.Lock()
		t.trackerID = response.TrackerID
		t.m.Unlock()
	}

	peers, err := response.peers()
	if err != nil {
		return nil, err
	}
	return response.toTracker(peers), nil
}

func (t *HTTPTracker) doRequest(req *http.Request) ([]byte, error) {
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Header: resp.Header,
			Body:   string(body),
		}
	}
	return body, nil
}
