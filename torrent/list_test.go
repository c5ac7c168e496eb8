package torrent

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingList(t *testing.T) {
	entries, err := ReadList(afero.NewMemMapFs(), "/fiume/downloading.json")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddToList(t *testing.T) {
	fs := afero.NewMemMapFs()
	const filename = "/fiume/downloading.json"

	require.NoError(t, AddToList(fs, filename, "/torrents/a.torrent", "/downloads/a"))
	require.NoError(t, AddToList(fs, filename, "/torrents/b.torrent", "/downloads/b"))
	// replaces the previous entry of a.torrent and moves it to the end
	require.NoError(t, AddToList(fs, filename, "/torrents/a.torrent", "/other/a"))

	entries, err := ReadList(fs, filename)
	require.NoError(t, err)
	assert.Equal(t, []ListEntry{
		{TorrentPath: "/torrents/b.torrent", OutputFile: "/downloads/b"},
		{TorrentPath: "/torrents/a.torrent", OutputFile: "/other/a"},
	}, entries)
}

func TestReadInvalidList(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/list.json", []byte("{"), 0640))
	_, err := ReadList(fs, "/list.json")
	assert.Error(t, err)
}
