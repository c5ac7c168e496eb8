package httptracker

import (
	"bytes"
	"net"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/fiume/fiume/internal/tracker"
)

// announceResponse is the bencoded body of a successful announce.
type announceResponse struct {
	FailureReason  string             `bencode:"failure reason"`
	RetryIn        string             `bencode:"retry in"`
	WarningMessage string             `bencode:"warning message"`
	Interval       int32              `bencode:"interval"`
	MinInterval    int32              `bencode:"min interval"`
	TrackerID      string             `bencode:"tracker id"`
	Complete       int32              `bencode:"complete"`
	Incomplete     int32              `bencode:"incomplete"`
	Peers          bencode.RawMessage `bencode:"peers"`
	ExternalIP     []byte             `bencode:"external ip"`
}

// failure returns the tracker error if the response carries a failure reason.
func (r *announceResponse) failure() *tracker.Error {
	if r.FailureReason == "" {
		return nil
	}
	retryIn, _ := strconv.Atoi(r.RetryIn)
	return &tracker.Error{
		FailureReason: r.FailureReason,
		RetryIn:       time.Duration(retryIn) * time.Minute,
	}
}

// peers decodes the peer list, which is either a compact string or a list of dictionaries.
// Our own address, as reported in "external ip", is left out.
func (r *announceResponse) peers() ([]*net.TCPAddr, error) {
	if len(r.Peers) == 0 {
		return nil, nil
	}
	var addrs []*net.TCPAddr
	var err error
	if r.Peers[0] == 'l' {
		addrs, err = parsePeersDictionary(r.Peers)
	} else {
		var b []byte
		if err = bencode.DecodeBytes(r.Peers, &b); err != nil {
			return nil, tracker.ErrDecode
		}
		addrs, err = tracker.DecodePeersCompact(b)
	}
	if err != nil {
		return nil, err
	}
	if len(r.ExternalIP) == 0 {
		return addrs, nil
	}
	for i, p := range addrs {
		if bytes.Equal(p.IP.To4(), r.ExternalIP) || bytes.Equal(p.IP.To16(), r.ExternalIP) {
			addrs[i], addrs = addrs[len(addrs)-1], addrs[:len(addrs)-1]
			break
		}
	}
	return addrs, nil
}

func (r *announceResponse) toTracker(peers []*net.TCPAddr) *tracker.AnnounceResponse {
	return &tracker.AnnounceResponse{
		Interval:       time.Duration(r.Interval) * time.Second,
		MinInterval:    time.Duration(r.MinInterval) * time.Second,
		Leechers:       r.Incomplete,
		Seeders:        r.Complete,
		WarningMessage: r.WarningMessage,
		Peers:          peers,
	}
}

func parsePeersDictionary(b bencode.RawMessage) ([]*net.TCPAddr, error) {
	var peers []struct {
		IP   string `bencode:"ip"`
		Port uint16 `bencode:"port"`
	}
	err := bencode.DecodeBytes(b, &peers)
	if err != nil {
		return nil, tracker.ErrDecode
	}

	addrs := make([]*net.TCPAddr, 0, len(peers))
	for _, p := range peers {
		ip := net.ParseIP(p.IP)
		if ip == nil || p.Port == 0 {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(p.Port)})
	}
	return addrs, nil
}
