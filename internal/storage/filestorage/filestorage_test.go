package filestorage

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiume/fiume/internal/metainfo"
)

func newInfo(t *testing.T, data []byte, pieceLength uint32) *metainfo.Info {
	b, err := metainfo.NewInfoBytes("file.bin", data, pieceLength)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(b)
	require.NoError(t, err)
	return info
}

func TestCreateAllocatesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	info := newInfo(t, make([]byte, 10), 4)

	s, exists, err := New(fs, "/downloads/sub/file.bin", info)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, exists)

	fi, err := fs.Stat("/downloads/sub/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), fi.Size())
}

func TestWriteReadPieces(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := []byte("0123456789")
	info := newInfo(t, data, 4)

	s, _, err := New(fs, "/file.bin", info)
	require.NoError(t, err)

	require.NoError(t, s.WritePiece(2, []byte("89")))
	require.NoError(t, s.WritePiece(0, []byte("0123")))
	require.NoError(t, s.WritePiece(1, []byte("4567")))

	b, err := s.ReadPiece(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), b)
	require.NoError(t, s.Close())

	content, err := afero.ReadFile(fs, "/file.bin")
	require.NoError(t, err)
	assert.Equal(t, data, content)

	// Reopening keeps the content.
	s, exists, err := New(fs, "/file.bin", info)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, exists)
	b, err = s.ReadPiece(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("4567"), b)
}

func TestInvalidWrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	info := newInfo(t, bytes.Repeat([]byte{'a'}, 8), 4)
	s, _, err := New(fs, "/file.bin", info)
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.WritePiece(0, []byte("abc")))
	assert.Error(t, s.WritePiece(2, []byte("abcd")))
	_, err = s.ReadPiece(5)
	assert.Error(t, err)
}

func TestResizeExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/file.bin", []byte("abc"), 0640))
	info := newInfo(t, make([]byte, 6), 4)

	s, exists, err := New(fs, "/file.bin", info)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, exists)

	fi, err := fs.Stat("/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(6), fi.Size())
}
