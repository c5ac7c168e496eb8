// Package bitmapresumer provides a Resumer implementation that keeps the completion bitmap
// in a text file with one '0' or '1' character per piece.
package bitmapresumer

import (
	"crypto/sha1" // nolint: gosec
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/fiume/fiume/internal/bitfield"
	"github.com/fiume/fiume/internal/resumer"
)

// Resumer reads and writes a bitmap file.
type Resumer struct {
	fs   afero.Fs
	path string
}

var _ resumer.Resumer = (*Resumer)(nil)

// Path returns the location of the bitmap file in dir for the download at target.
// The name is the hex SHA-1 of the absolute target path so that every target file has its own bitmap.
func Path(dir, target string) (string, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", errors.Wrap(err, "cannot resolve target path")
	}
	sum := sha1.Sum([]byte(abs)) // nolint: gosec
	return filepath.Join(dir, hex.EncodeToString(sum[:])), nil
}

// New returns a Resumer for the bitmap file at path.
func New(fs afero.Fs, path string) *Resumer {
	return &Resumer{fs: fs, path: path}
}

// ReadBitfield returns nil if the file does not exist or was written for a different number of pieces.
func (r *Resumer) ReadBitfield(numPieces uint32) (*bitfield.Bitfield, error) {
	b, err := afero.ReadFile(r.fs, r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot read bitmap file")
	}
	if uint32(len(b)) != numPieces {
		return nil, nil
	}
	bf := bitfield.New(numPieces)
	if err = bf.UnmarshalText(b); err != nil {
		return nil, errors.Wrap(err, "invalid bitmap file")
	}
	return bf, nil
}

// WriteBitfield replaces the bitmap file atomically.
func (r *Resumer) WriteBitfield(bf *bitfield.Bitfield) error {
	text, err := bf.MarshalText()
	if err != nil {
		return err
	}
	err = r.fs.MkdirAll(filepath.Dir(r.path), os.ModeDir|0750)
	if err != nil {
		return errors.Wrap(err, "cannot create bitmap directory")
	}
	tmp := r.path + ".tmp"
	err = afero.WriteFile(r.fs, tmp, text, 0640)
	if err != nil {
		return errors.Wrap(err, "cannot write bitmap file")
	}
	return errors.Wrap(r.fs.Rename(tmp, r.path), "cannot rename bitmap file")
}
