package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/fiume/fiume/internal/tracker"
)

func newTracker(t *testing.T, h http.HandlerFunc) *HTTPTracker {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/announce")
	require.NoError(t, err)
	return New(u.String(), u, 5*time.Second, http.DefaultTransport)
}

func writeBencode(t *testing.T, w http.ResponseWriter, v interface{}) {
	b, err := bencode.EncodeBytes(v)
	require.NoError(t, err)
	_, _ = w.Write(b)
}

func TestAnnounceCompact(t *testing.T) {
	var query url.Values
	trk := newTracker(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		writeBencode(t, w, map[string]interface{}{
			"interval":   1800,
			"complete":   3,
			"incomplete": 4,
			"tracker id": "xyz",
			"peers":      string([]byte{127, 0, 0, 1, 0x1a, 0xe1}),
		})
	})
	req := tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			BytesLeft: 100,
			InfoHash:  [20]byte{1},
			PeerID:    [20]byte{'-', 'F', 'U'},
			Port:      50146,
		},
		Event:   tracker.EventStarted,
		NumWant: 50,
	}
	resp, err := trk.Announce(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, int32(3), resp.Seeders)
	assert.Equal(t, int32(4), resp.Leechers)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1:6881", resp.Peers[0].String())

	assert.Equal(t, "started", query.Get("event"))
	assert.Equal(t, "50146", query.Get("port"))
	assert.Equal(t, "100", query.Get("left"))
	assert.Equal(t, "1", query.Get("compact"))
	assert.Equal(t, string(req.Torrent.InfoHash[:]), query.Get("info_hash"))

	_, err = trk.Announce(context.Background(), tracker.AnnounceRequest{})
	require.NoError(t, err)
	assert.Equal(t, "xyz", query.Get("trackerid"))
	assert.Empty(t, query.Get("event"))
}

func TestAnnounceDictionaryPeers(t *testing.T) {
	trk := newTracker(t, func(w http.ResponseWriter, r *http.Request) {
		writeBencode(t, w, map[string]interface{}{
			"interval": 60,
			"peers": []map[string]interface{}{
				{"ip": "10.0.0.1", "port": 1000},
				{"ip": "not an ip", "port": 1001},
			},
		})
	})
	resp, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1:1000", resp.Peers[0].String())
}

func TestAnnounceFailureReason(t *testing.T) {
	trk := newTracker(t, func(w http.ResponseWriter, r *http.Request) {
		writeBencode(t, w, map[string]interface{}{
			"failure reason": "unregistered torrent",
			"retry in":       "5",
		})
	})
	_, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	var terr *tracker.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "unregistered torrent", terr.FailureReason)
	assert.Equal(t, 5*time.Minute, terr.RetryIn)
}

func TestAnnounceStatusError(t *testing.T) {
	trk := newTracker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	_, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
	assert.Equal(t, "tracker returned http status 404: nope", serr.Error())
}

func TestAnnounceInvalidBody(t *testing.T) {
	trk := newTracker(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("garbage"))
	})
	_, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	assert.Equal(t, tracker.ErrDecode, err)
}

func TestAnnounceSkipsExternalIP(t *testing.T) {
	trk := newTracker(t, func(w http.ResponseWriter, r *http.Request) {
		writeBencode(t, w, map[string]interface{}{
			"interval":    60,
			"external ip": string([]byte{10, 0, 0, 9}),
			"peers":       string([]byte{10, 0, 0, 9, 0x1a, 0xe1, 10, 0, 0, 2, 0x1a, 0xe1}),
		})
	})
	resp, err := trk.Announce(context.Background(), tracker.AnnounceRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.2:6881", resp.Peers[0].String())
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	e := &StatusError{Code: http.StatusBadGateway, Body: strings.Repeat("x", 300)}
	assert.Equal(t, "tracker returned http status 502: "+strings.Repeat("x", maxErrorBody)+"...", e.Error())
	e = &StatusError{Code: http.StatusForbidden, Body: " \n"}
	assert.Equal(t, "tracker returned http status 403", e.Error())
}
