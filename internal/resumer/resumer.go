// Package resumer contains interfaces that are used by torrent package for resuming an existing download.
package resumer

import "github.com/fiume/fiume/internal/bitfield"

// Resumer saves and loads the completion bitmap of a download.
type Resumer interface {
	// ReadBitfield returns the saved bitmap, or nil if nothing was saved for a torrent of numPieces pieces.
	ReadBitfield(numPieces uint32) (*bitfield.Bitfield, error)
	WriteBitfield(*bitfield.Bitfield) error
}

// Stats of a torrent that survive restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	Completed       bool
}
