package torrent

import (
	"github.com/fiume/fiume/internal/bitfield"
	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/storage"
)

// verifyPieces hashes every piece in sto and returns the ones that match.
func verifyPieces(sto storage.Storage, info *metainfo.Info, l logger.Logger) (*bitfield.Bitfield, error) {
	bf := bitfield.New(info.NumPieces)
	for i := uint32(0); i < info.NumPieces; i++ {
		data, err := sto.ReadPiece(i)
		if err != nil {
			return nil, err
		}
		if info.Verify(i, data) {
			bf.Set(i)
		}
	}
	l.Infof("verified %d of %d pieces", bf.Count(), info.NumPieces)
	return bf, nil
}
