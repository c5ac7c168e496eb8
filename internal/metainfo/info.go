package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/bencode"
)

// BlockSize is the size of a block requested from a peer in a single Request message.
const BlockSize = 16 * 1024

var (
	errInvalidPieceData = errors.New("invalid piece data")
	errMultiFile        = errors.New("multi-file torrents are not supported")
)

// Info contains information about torrent.
type Info struct {
	PieceLength uint32 `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Files       []struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	} `bencode:"files"`

	// Calculated fields
	Hash        [20]byte `bencode:"-"`
	TotalLength int64    `bencode:"-"`
	NumPieces   uint32   `bencode:"-"`
	Bytes       []byte   `bencode:"-"`
}

// NewInfo returns info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, errors.Wrap(err, "cannot decode info dict")
	}
	if len(i.Files) > 0 {
		return nil, errMultiFile
	}
	if i.PieceLength == 0 || len(i.Pieces)%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	if strings.TrimSpace(i.Name) == ".." || strings.ContainsAny(i.Name, "/\\") {
		return nil, errors.Errorf("invalid file name: %q", i.Name)
	}
	i.NumPieces = uint32(len(i.Pieces) / sha1.Size)
	i.TotalLength = i.Length
	totalPieceDataLength := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.Bytes = b
	i.Hash = sha1.Sum(b) // nolint: gosec
	return &i, nil
}

// HashOf returns the expected SHA-1 digest of the piece at index.
func (i *Info) HashOf(index uint32) []byte {
	begin := index * sha1.Size
	end := begin + sha1.Size
	return i.Pieces[begin:end]
}

// PieceSize returns the length of the piece at index. Only the last piece can be shorter than PieceLength.
func (i *Info) PieceSize(index uint32) uint32 {
	if index == i.NumPieces-1 {
		if mod := uint32(i.TotalLength % int64(i.PieceLength)); mod != 0 {
			return mod
		}
	}
	return i.PieceLength
}

// PieceOffset returns the position of the first byte of the piece in the file.
func (i *Info) PieceOffset(index uint32) int64 {
	return int64(index) * int64(i.PieceLength)
}

// Verify returns true if data matches the expected hash of the piece at index.
func (i *Info) Verify(index uint32, data []byte) bool {
	if uint32(len(data)) != i.PieceSize(index) {
		return false
	}
	sum := sha1.Sum(data) // nolint: gosec
	return bytes.Equal(sum[:], i.HashOf(index))
}

// NewInfoBytes creates a bencoded info dictionary for a single file with the given contents.
func NewInfoBytes(name string, data []byte, pieceLength uint32) ([]byte, error) {
	if pieceLength == 0 {
		return nil, errInvalidPieceData
	}
	var pieces []byte
	for off := 0; off < len(data); off += int(pieceLength) {
		end := off + int(pieceLength)
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[off:end]) // nolint: gosec
		pieces = append(pieces, sum[:]...)
	}
	info := struct {
		Length      int64  `bencode:"length"`
		Name        string `bencode:"name"`
		PieceLength uint32 `bencode:"piece length"`
		Pieces      []byte `bencode:"pieces"`
	}{
		Length:      int64(len(data)),
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
	}
	return bencode.EncodeBytes(info)
}
