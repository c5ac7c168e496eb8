package torrent

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"go.etcd.io/bbolt"

	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/resumer"
	"github.com/fiume/fiume/internal/resumer/boltdbresumer"
)

var torrentsBucket = []byte("torrents")

// Session runs the torrents listed in the list file and keeps them in sync with it.
// Torrents added to the file are started and removed ones are stopped.
type Session struct {
	config   Config
	fs       afero.Fs
	db       *bbolt.DB
	resumer  *boltdbresumer.Resumer
	watcher  *fsnotify.Watcher
	listFile string
	log      logger.Logger

	m sync.Mutex
	// keyed by torrent path
	torrents map[string]*sessionTorrent
	// records in the database from previous runs, keyed by torrent path
	records        map[string]*sessionRecord
	availablePorts map[uint16]struct{}

	wg     sync.WaitGroup
	closeC chan struct{}
}

type sessionRecord struct {
	id   string
	spec *boltdbresumer.Spec
}

type sessionTorrent struct {
	sessionRecord
	torrent *Torrent
}

// NewSession opens the session database, starts the torrents in the list file and starts watching it.
func NewSession(cfg Config) (*Session, error) {
	if cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("invalid port range")
	}
	var err error
	for _, p := range []*string{&cfg.Database, &cfg.DataDir, &cfg.BitmapDir, &cfg.ListFile} {
		*p, err = homedir.Expand(*p)
		if err != nil {
			return nil, err
		}
	}
	err = os.MkdirAll(filepath.Dir(cfg.Database), 0750)
	if err != nil {
		return nil, err
	}
	db, err := bbolt.Open(cfg.Database, 0640, &bbolt.Options{Timeout: time.Second})
	if err == bbolt.ErrTimeout {
		return nil, errors.New("session database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	res, err := boltdbresumer.New(db, torrentsBucket)
	if err != nil {
		return nil, err
	}
	s := &Session{
		config:         cfg,
		fs:             afero.NewOsFs(),
		db:             db,
		resumer:        res,
		listFile:       filepath.Clean(cfg.ListFile),
		log:            logger.New("session"),
		torrents:       make(map[string]*sessionTorrent),
		records:        make(map[string]*sessionRecord),
		availablePorts: make(map[uint16]struct{}),
		closeC:         make(chan struct{}),
	}
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		s.availablePorts[p] = struct{}{}
	}
	err = s.loadRecords()
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(filepath.Dir(s.listFile), 0750)
	if err != nil {
		return nil, err
	}
	s.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory because editors replace the file instead of writing to it.
	err = s.watcher.Add(filepath.Dir(s.listFile))
	if err != nil {
		_ = s.watcher.Close()
		return nil, err
	}
	s.m.Lock()
	s.reload()
	s.m.Unlock()
	s.wg.Add(2)
	go s.watch()
	go s.updateStatsLoop()
	return s, nil
}

func (s *Session) loadRecords() error {
	ids, err := s.resumer.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		spec, err := s.resumer.Read(id)
		if err != nil {
			s.log.Errorf("cannot read record of torrent %s: %s", id, err)
			continue
		}
		s.records[spec.TorrentPath] = &sessionRecord{id: id, spec: spec}
	}
	return nil
}

func (s *Session) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.listFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.log.Debugln("list file changed:", ev.Op)
			s.m.Lock()
			s.reload()
			s.m.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Errorln("watch error:", err)
		case <-s.closeC:
			return
		}
	}
}

// reload starts new entries of the list file and stops the removed ones. Must be called with lock held.
func (s *Session) reload() {
	entries, err := ReadList(s.fs, s.listFile)
	if err != nil {
		s.log.Errorln("cannot read list file:", err)
		return
	}
	listed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		listed[e.TorrentPath] = struct{}{}
		if _, ok := s.torrents[e.TorrentPath]; ok {
			continue
		}
		if err = s.addTorrent(e); err != nil {
			s.log.Errorf("cannot add torrent %s: %s", e.TorrentPath, err)
		}
	}
	for path := range s.torrents {
		if _, ok := listed[path]; !ok {
			s.removeTorrent(path)
		}
	}
}

func (s *Session) addTorrent(e ListEntry) error {
	f, err := s.fs.Open(e.TorrentPath)
	if err != nil {
		return err
	}
	mi, err := metainfo.New(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	rec, ok := s.records[e.TorrentPath]
	if !ok {
		u, err2 := uuid.NewV4()
		if err2 != nil {
			return err2
		}
		rec = &sessionRecord{
			id:   u.String(),
			spec: &boltdbresumer.Spec{AddedAt: time.Now().UTC()},
		}
	}
	// Keep the port of the previous run if possible.
	port := uint16(rec.spec.Port)
	if _, free := s.availablePorts[port]; !free {
		port, ok = s.getPort()
		if !ok {
			return errors.New("no free port")
		}
	}

	cfg := s.config
	cfg.Port = int(port)
	t, err := New(cfg, mi, e.OutputFile, WithFs(s.fs))
	if err != nil {
		return err
	}
	delete(s.availablePorts, port)
	rec.spec.InfoHash = mi.Info.Hash[:]
	rec.spec.Name = mi.Info.Name
	rec.spec.TorrentPath = e.TorrentPath
	rec.spec.Dest = t.Dest()
	rec.spec.Port = int(port)
	err = s.resumer.Write(rec.id, rec.spec)
	if err != nil {
		_ = t.Close()
		s.availablePorts[port] = struct{}{}
		return err
	}
	s.records[e.TorrentPath] = rec
	s.torrents[e.TorrentPath] = &sessionTorrent{sessionRecord: *rec, torrent: t}
	s.log.Infof("added torrent %s (id=%s port=%d)", mi.Info.Name, rec.id, port)
	t.Start()
	return nil
}

func (s *Session) getPort() (uint16, bool) {
	for p := s.config.PortBegin; p < s.config.PortEnd; p++ {
		if _, ok := s.availablePorts[p]; ok {
			return p, true
		}
	}
	return 0, false
}

func (s *Session) removeTorrent(path string) {
	st := s.torrents[path]
	delete(s.torrents, path)
	delete(s.records, path)
	if err := st.torrent.Close(); err != nil {
		s.log.Errorf("error while closing torrent %s: %s", st.torrent.Name(), err)
	}
	s.availablePorts[uint16(st.spec.Port)] = struct{}{}
	if err := s.resumer.Delete(st.id); err != nil {
		s.log.Errorf("cannot delete record of torrent %s: %s", st.id, err)
	}
	s.log.Infof("removed torrent %s", st.torrent.Name())
}

// Torrents returns the running torrents ordered by name.
func (s *Session) Torrents() []*Torrent {
	s.m.Lock()
	defer s.m.Unlock()
	ret := make([]*Torrent, 0, len(s.torrents))
	for _, st := range s.torrents {
		ret = append(ret, st.torrent)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name() < ret[j].Name() })
	return ret
}

func (s *Session) updateStatsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.StatsWriteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.m.Lock()
			s.writeStats()
			s.m.Unlock()
		case <-s.closeC:
			return
		}
	}
}

// writeStats saves the transfer counters of the torrents, adding the ones saved in previous runs.
func (s *Session) writeStats() {
	for _, st := range s.torrents {
		ts := st.torrent.Stats()
		err := s.resumer.WriteStats(st.id, resumer.Stats{
			BytesDownloaded: st.spec.BytesDownloaded + ts.Bytes.Downloaded,
			BytesUploaded:   st.spec.BytesUploaded + ts.Bytes.Uploaded,
			Completed:       ts.Pieces.Have == ts.Pieces.Total,
		})
		if err != nil {
			s.log.Errorf("cannot write stats of torrent %s: %s", st.id, err)
		}
	}
}

// Close stops all torrents and closes the database.
func (s *Session) Close() error {
	close(s.closeC)
	_ = s.watcher.Close()
	s.wg.Wait()

	s.m.Lock()
	defer s.m.Unlock()
	s.writeStats()
	var result error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, st := range s.torrents {
		wg.Add(1)
		go func(t *Torrent) {
			defer wg.Done()
			if err := t.Close(); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(st.torrent)
	}
	wg.Wait()
	s.torrents = make(map[string]*sessionTorrent)
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
