package torrent

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ListEntry is an item of the list file that Session reads torrents from.
type ListEntry struct {
	TorrentPath string `json:"torrent_path"`
	OutputFile  string `json:"output_file"`
}

// ReadList returns the entries in the list file. A missing or empty file is an empty list.
func ReadList(fs afero.Fs, filename string) ([]ListEntry, error) {
	b, err := afero.ReadFile(fs, filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	var entries []ListEntry
	if err = json.Unmarshal(b, &entries); err != nil {
		return nil, errors.Wrapf(err, "cannot parse list file %s", filename)
	}
	return entries, nil
}

// AddToList appends an entry to the list file. An entry with the same torrent path is replaced.
func AddToList(fs afero.Fs, filename, torrentPath, outputPath string) error {
	entries, err := ReadList(fs, filename)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.TorrentPath != torrentPath {
			kept = append(kept, e)
		}
	}
	kept = append(kept, ListEntry{TorrentPath: torrentPath, OutputFile: outputPath})
	b, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return err
	}
	if err = fs.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return err
	}
	return afero.WriteFile(fs, filename, b, 0640)
}
