// Package metainfo reads single-file torrent metadata.
package metainfo

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// Creator is the string that is put into the created torrent by NewBytes function.
var Creator = "fiume"

// MetaInfo file dictionary
type MetaInfo struct {
	Info Info
	// Announce URLs grouped in tiers. Only HTTP trackers are kept.
	AnnounceList [][]string
}

// New returns a torrent from bencoded stream.
func New(r io.Reader) (*MetaInfo, error) {
	var t struct {
		Info         bencode.RawMessage `bencode:"info"`
		Announce     bencode.RawMessage `bencode:"announce"`
		AnnounceList bencode.RawMessage `bencode:"announce-list"`
	}
	err := bencode.NewDecoder(r).Decode(&t)
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode torrent file")
	}
	if len(t.Info) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	info, err := NewInfo(t.Info)
	if err != nil {
		return nil, err
	}
	ret := &MetaInfo{Info: *info}
	if len(t.AnnounceList) > 0 {
		var ll [][]string
		if err = bencode.DecodeBytes(t.AnnounceList, &ll); err == nil {
			for _, tier := range ll {
				var ti []string
				for _, s := range tier {
					if isTrackerSupported(s) {
						ti = append(ti, s)
					}
				}
				if len(ti) > 0 {
					ret.AnnounceList = append(ret.AnnounceList, ti)
				}
			}
		}
	}
	if len(ret.AnnounceList) == 0 && len(t.Announce) > 0 {
		var s string
		if err = bencode.DecodeBytes(t.Announce, &s); err == nil && isTrackerSupported(s) {
			ret.AnnounceList = append(ret.AnnounceList, []string{s})
		}
	}
	return ret, nil
}

// Trackers returns all announce URLs in tier order without duplicates.
func (m *MetaInfo) Trackers() []string {
	seen := make(map[string]struct{})
	var ret []string
	for _, tier := range m.AnnounceList {
		for _, s := range tier {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			ret = append(ret, s)
		}
	}
	return ret
}

func isTrackerSupported(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// NewBytes creates a new torrent metadata file from given information.
func NewBytes(info []byte, trackers [][]string, comment string) ([]byte, error) {
	mi := struct {
		Info         bencode.RawMessage `bencode:"info"`
		Announce     string             `bencode:"announce,omitempty"`
		AnnounceList [][]string         `bencode:"announce-list,omitempty"`
		Comment      string             `bencode:"comment,omitempty"`
		CreationDate int64              `bencode:"creation date"`
		CreatedBy    string             `bencode:"created by,omitempty"`
	}{
		Info:         info,
		Comment:      comment,
		CreationDate: time.Now().UTC().Unix(),
		CreatedBy:    Creator,
	}
	if len(trackers) == 1 && len(trackers[0]) == 1 {
		mi.Announce = trackers[0][0]
	} else if len(trackers) > 0 {
		mi.AnnounceList = trackers
	}
	return bencode.EncodeBytes(mi)
}
