package torrent

import (
	"github.com/dustin/go-humanize"

	"github.com/fiume/fiume/internal/announcer"
)

// Status of a Torrent.
type Status int

// Values of Status.
const (
	Stopped Status = iota
	Downloading
	Seeding
	Failed
)

var statusStrings = [...]string{"Stopped", "Downloading", "Seeding", "Failed"}

func (s Status) String() string {
	return statusStrings[s]
}

// Stats contains statistics about a Torrent.
type Stats struct {
	Name   string
	Status Status
	// Error is set when Status is Failed.
	Error  error
	Pieces struct {
		Have  uint32
		Total uint32
	}
	Bytes struct {
		// Bytes that are verified and written to disk.
		Completed int64
		// Size of the file.
		Total int64
		// Bytes received from peers, including the ones that are discarded.
		Downloaded int64
		// Bytes sent to peers.
		Uploaded int64
	}
	Peers struct {
		Total    int
		Incoming int
		Outgoing int
		Dialing  int
		// Addresses waiting in backoff table.
		Backoff int
	}
	Trackers map[string]announcer.Stats
}

type statsRequest struct {
	Response chan Stats
}

// Stats returns statistics about the Torrent.
func (t *Torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		var s Stats
		s.Name = t.info.Name
		s.Status = Stopped
		s.Pieces.Have = t.bitfield.Count()
		s.Pieces.Total = t.info.NumPieces
		s.Bytes.Total = t.info.TotalLength
		s.Bytes.Completed = t.bytesCompleted.Load()
		s.Bytes.Downloaded = t.downloaded.Count()
		s.Bytes.Uploaded = t.uploaded.Count()
		return s
	}
}

func (t *Torrent) stats() Stats {
	var s Stats
	s.Name = t.info.Name
	switch {
	case t.lastError != nil:
		s.Status = Failed
		s.Error = t.lastError
	case !t.running:
		s.Status = Stopped
	case t.completed:
		s.Status = Seeding
	default:
		s.Status = Downloading
	}
	s.Pieces.Have = t.bitfield.Count()
	s.Pieces.Total = t.info.NumPieces
	s.Bytes.Completed = t.bytesCompleted.Load()
	s.Bytes.Total = t.info.TotalLength
	s.Bytes.Downloaded = t.downloaded.Count()
	s.Bytes.Uploaded = t.uploaded.Count()
	s.Peers.Total = len(t.conns)
	s.Peers.Incoming = t.incoming
	s.Peers.Outgoing = t.outgoing - len(t.dialing)
	s.Peers.Dialing = len(t.dialing)
	s.Peers.Backoff = t.backoff.Len()
	s.Trackers = t.trackerManager.Stats()
	return s
}

func (t *Torrent) logStats() {
	s := t.stats()
	t.log.Infof("%s: %d/%d pieces, %s/%s, downloaded %s, uploaded %s, %d peers (%d dialing, %d in backoff)",
		s.Status,
		s.Pieces.Have, s.Pieces.Total,
		humanize.IBytes(uint64(s.Bytes.Completed)), humanize.IBytes(uint64(s.Bytes.Total)),
		humanize.IBytes(uint64(s.Bytes.Downloaded)), humanize.IBytes(uint64(s.Bytes.Uploaded)),
		s.Peers.Total, s.Peers.Dialing, s.Peers.Backoff)
}
