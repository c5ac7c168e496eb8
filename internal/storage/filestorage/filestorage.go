// Package filestorage implements Storage interface that uses a file as storage.
package filestorage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/storage"
)

// FileStorage keeps the pieces of a torrent in a single file of TotalLength bytes.
type FileStorage struct {
	path string
	info *metainfo.Info
	f    afero.File
	// serializes writes that target the same file from different goroutines
	m sync.Mutex
}

var _ storage.Storage = (*FileStorage)(nil)

// New opens the file at path in fs, creating it and its directory if needed.
// The file is truncated or extended to the total length of the torrent.
// exists is true if the file was already there.
func New(fs afero.Fs, path string, info *metainfo.Info) (s *FileStorage, exists bool, err error) {
	path = filepath.Clean(path)

	// Create containing dir if not exists.
	err = fs.MkdirAll(filepath.Dir(path), os.ModeDir|0750)
	if err != nil {
		return nil, false, errors.Wrap(err, "cannot create download directory")
	}

	// Make sure file is closed in case of any error.
	var f afero.File
	defer func() {
		if err != nil && f != nil {
			_ = f.Close()
		}
	}()

	const mode = 0640
	f, err = fs.OpenFile(path, os.O_RDWR, mode)
	if os.IsNotExist(err) {
		f, err = fs.OpenFile(path, os.O_RDWR|os.O_CREATE, mode)
		if err != nil {
			return nil, false, errors.Wrap(err, "cannot create file")
		}
		err = f.Truncate(info.TotalLength)
		if err != nil {
			return nil, false, errors.Wrap(err, "cannot allocate file")
		}
	} else if err != nil {
		return nil, false, errors.Wrap(err, "cannot open file")
	} else {
		exists = true
		var fi os.FileInfo
		fi, err = f.Stat()
		if err != nil {
			return nil, false, errors.Wrap(err, "cannot stat file")
		}
		if fi.Size() != info.TotalLength {
			err = f.Truncate(info.TotalLength)
			if err != nil {
				return nil, false, errors.Wrap(err, "cannot resize file")
			}
		}
	}
	if of, ok := f.(*os.File); ok {
		// Pieces are read in random order. The hint is advisory.
		_ = adviseRandomAccess(of, info.TotalLength)
	}
	return &FileStorage{path: path, info: info, f: f}, exists, nil
}

// Path returns the location of the file.
func (s *FileStorage) Path() string {
	return s.path
}

// ReadPiece returns the bytes of the piece at index.
func (s *FileStorage) ReadPiece(index uint32) ([]byte, error) {
	if index >= s.info.NumPieces {
		return nil, errors.Errorf("piece index out of range: %d", index)
	}
	b := make([]byte, s.info.PieceSize(index))
	_, err := s.f.ReadAt(b, s.info.PieceOffset(index))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read piece #%d", index)
	}
	return b, nil
}

// WritePiece writes data at the offset of the piece at index and syncs the file.
func (s *FileStorage) WritePiece(index uint32, data []byte) error {
	if index >= s.info.NumPieces {
		return errors.Errorf("piece index out of range: %d", index)
	}
	if uint32(len(data)) != s.info.PieceSize(index) {
		return errors.Errorf("invalid piece length: %d != %d", len(data), s.info.PieceSize(index))
	}
	s.m.Lock()
	defer s.m.Unlock()
	_, err := s.f.WriteAt(data, s.info.PieceOffset(index))
	if err != nil {
		return errors.Wrapf(err, "cannot write piece #%d", index)
	}
	return errors.Wrap(s.f.Sync(), "cannot sync file")
}

// Close the file.
func (s *FileStorage) Close() error {
	return s.f.Close()
}
