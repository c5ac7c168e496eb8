package boltdbresumer

import "time"

// Spec is the persistent record of a torrent in a session.
type Spec struct {
	InfoHash        []byte
	Name            string
	TorrentPath     string
	Dest            string
	Port            int
	AddedAt         time.Time
	BytesDownloaded int64
	BytesUploaded   int64
	Completed       bool
}
