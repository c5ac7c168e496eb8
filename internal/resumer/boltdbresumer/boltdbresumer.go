// Package boltdbresumer keeps the records of the torrents in a session in a Bolt database file.
package boltdbresumer

import (
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fiume/fiume/internal/resumer"
)

// Keys for the persisten storage.
var Keys = struct {
	InfoHash        []byte
	Name            []byte
	TorrentPath     []byte
	Dest            []byte
	Port            []byte
	AddedAt         []byte
	BytesDownloaded []byte
	BytesUploaded   []byte
	Completed       []byte
}{
	InfoHash:        []byte("info_hash"),
	Name:            []byte("name"),
	TorrentPath:     []byte("torrent_path"),
	Dest:            []byte("dest"),
	Port:            []byte("port"),
	AddedAt:         []byte("added_at"),
	BytesDownloaded: []byte("bytes_downloaded"),
	BytesUploaded:   []byte("bytes_uploaded"),
	Completed:       []byte("completed"),
}

// Resumer contains methods for saving/loading torrent records to a BoltDB database.
type Resumer struct {
	db     *bbolt.DB
	bucket []byte
}

// New returns a new Resumer.
func New(db *bbolt.DB, bucket []byte) (*Resumer, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{
		db:     db,
		bucket: bucket,
	}, nil
}

// Write the record for torrent with `torrentID`.
func (r *Resumer) Write(torrentID string, spec *Spec) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(r.bucket).CreateBucketIfNotExists([]byte(torrentID))
		if err != nil {
			return err
		}
		_ = b.Put(Keys.InfoHash, spec.InfoHash)
		_ = b.Put(Keys.Name, []byte(spec.Name))
		_ = b.Put(Keys.TorrentPath, []byte(spec.TorrentPath))
		_ = b.Put(Keys.Dest, []byte(spec.Dest))
		_ = b.Put(Keys.Port, []byte(strconv.Itoa(spec.Port)))
		_ = b.Put(Keys.AddedAt, []byte(spec.AddedAt.Format(time.RFC3339)))
		return putStats(b, resumer.Stats{
			BytesDownloaded: spec.BytesDownloaded,
			BytesUploaded:   spec.BytesUploaded,
			Completed:       spec.Completed,
		})
	})
}

// WriteStats writes only the statistics of a torrent. Unknown ids are ignored.
func (r *Resumer) WriteStats(torrentID string, stats resumer.Stats) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(torrentID))
		if b == nil {
			return nil
		}
		return putStats(b, stats)
	})
}

func putStats(b *bbolt.Bucket, stats resumer.Stats) error {
	err := b.Put(Keys.BytesDownloaded, []byte(strconv.FormatInt(stats.BytesDownloaded, 10)))
	if err != nil {
		return err
	}
	err = b.Put(Keys.BytesUploaded, []byte(strconv.FormatInt(stats.BytesUploaded, 10)))
	if err != nil {
		return err
	}
	return b.Put(Keys.Completed, []byte(strconv.FormatBool(stats.Completed)))
}

// Read the record of a torrent.
func (r *Resumer) Read(torrentID string) (*Spec, error) {
	var spec *Spec
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket([]byte(torrentID))
		if b == nil {
			return fmt.Errorf("bucket not found: %q", torrentID)
		}

		value := b.Get(Keys.InfoHash)
		if value == nil {
			return fmt.Errorf("key not found: %q", string(Keys.InfoHash))
		}

		spec = new(Spec)
		spec.InfoHash = make([]byte, len(value))
		copy(spec.InfoHash, value)
		spec.Name = string(b.Get(Keys.Name))
		spec.TorrentPath = string(b.Get(Keys.TorrentPath))
		spec.Dest = string(b.Get(Keys.Dest))

		var err error
		spec.Port, err = strconv.Atoi(string(b.Get(Keys.Port)))
		if err != nil {
			return err
		}

		value = b.Get(Keys.AddedAt)
		if value != nil {
			spec.AddedAt, err = time.Parse(time.RFC3339, string(value))
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.BytesDownloaded)
		if value != nil {
			spec.BytesDownloaded, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.BytesUploaded)
		if value != nil {
			spec.BytesUploaded, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return err
			}
		}

		value = b.Get(Keys.Completed)
		if value != nil {
			spec.Completed, err = strconv.ParseBool(string(value))
			if err != nil {
				return err
			}
		}
		return nil
	})
	return spec, err
}

// List returns the ids of all stored torrents.
func (r *Resumer) List() ([]string, error) {
	var ids []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(r.bucket).ForEach(func(k, v []byte) error {
			// Sub-buckets have nil values.
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

// Delete the record of a torrent.
func (r *Resumer) Delete(torrentID string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(r.bucket).DeleteBucket([]byte(torrentID))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
