// Package torrent downloads and seeds single-file torrents.
package torrent

import (
	"context"
	"crypto/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/ratelimit"
	"github.com/mitchellh/go-homedir"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/afero"

	"github.com/fiume/fiume/internal/acceptor"
	"github.com/fiume/fiume/internal/backofftable"
	"github.com/fiume/fiume/internal/bitfield"
	"github.com/fiume/fiume/internal/coordinator"
	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/internal/peerconn"
	"github.com/fiume/fiume/internal/resumer/bitmapresumer"
	"github.com/fiume/fiume/internal/storage/filestorage"
	"github.com/fiume/fiume/internal/tracker"
	"github.com/fiume/fiume/internal/trackermanager"
)

// PeerIDPrefix is put at the start of the peer id of the client, followed by 12 random bytes.
const PeerIDPrefix = "-FU0010-"

// Option changes how a Torrent is created.
type Option func(*options)

type options struct {
	fs     afero.Fs
	peerID *[20]byte
}

// WithFs makes the Torrent keep the downloaded file and its bitmap in fs instead of the OS file system.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithPeerID overrides the randomly generated peer id.
func WithPeerID(id [20]byte) Option {
	return func(o *options) { o.peerID = &id }
}

// Torrent connects to the peers of a torrent and downloads the file from them while serving
// the pieces it has. Connections, the coordinator and the tracker announcers run in their own
// goroutines; the state below the "owned by run" comment is only touched by the run loop.
type Torrent struct {
	config   Config
	info     *metainfo.Info
	trackers []string
	dest     string
	peerID   [20]byte
	port     int
	log      logger.Logger

	storage        *filestorage.FileStorage
	coordinator    *coordinator.Coordinator
	trackerManager *trackermanager.TrackerManager
	backoff        *backofftable.Table
	listener       net.Listener
	acceptor       *acceptor.Acceptor
	bucket         *ratelimit.Bucket
	registry       metrics.Registry
	downloaded     metrics.Counter
	uploaded       metrics.Counter
	// addresses that point to this torrent's listener
	selfAddrs map[string]struct{}

	bytesCompleted atomic.Int64

	// owned by run
	bitfield          *bitfield.Bitfield
	conns             map[string]*connRecord
	dialing           map[string]struct{}
	outgoing          int
	incoming          int
	running           bool
	stopped           bool
	completed         bool
	lastError         error
	coordinatorEvents <-chan coordinator.Event
	pollTicker        *time.Ticker
	statsTicker       *time.Ticker

	// canceled when the torrent is stopped
	ctx    context.Context
	cancel context.CancelFunc

	addrsC        chan []string
	incomingConnC chan net.Conn
	dialResultC   chan dialResult
	connDoneC     chan connDone
	startCommandC chan struct{}
	statsCommandC chan statsRequest

	completeC chan struct{}
	errC      chan error
	// closed when the swarm activity is stopped
	stoppedC chan struct{}
	workers  sync.WaitGroup

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
	closeErr  error
}

type connRecord struct {
	conn      *peerconn.Conn
	initiator peerconn.Initiator
}

// New returns a Torrent that downloads the file described by mi to dest.
// If dest is empty the file is put into Config.DataDir with the name in the torrent.
// The file and its pieces bitmap are loaded if they exist. Call Start to begin downloading.
func New(cfg Config, mi *metainfo.MetaInfo, dest string, opts ...Option) (*Torrent, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	var err error
	if dest == "" {
		dest = filepath.Join(cfg.DataDir, mi.Info.Name)
	}
	dest, err = homedir.Expand(dest)
	if err != nil {
		return nil, err
	}
	bitmapDir, err := homedir.Expand(cfg.BitmapDir)
	if err != nil {
		return nil, err
	}
	t := &Torrent{
		config:        cfg,
		info:          &mi.Info,
		trackers:      mi.Trackers(),
		dest:          dest,
		log:           logger.New("torrent " + mi.Info.Name),
		backoff:       backofftable.New(cfg.BackoffInitialTTL, cfg.BackoffMaxTTL),
		registry:      metrics.NewRegistry(),
		selfAddrs:     make(map[string]struct{}),
		conns:         make(map[string]*connRecord),
		dialing:       make(map[string]struct{}),
		pollTicker:    stoppedTicker(),
		statsTicker:   stoppedTicker(),
		addrsC:        make(chan []string),
		incomingConnC: make(chan net.Conn),
		dialResultC:   make(chan dialResult),
		connDoneC:     make(chan connDone),
		startCommandC: make(chan struct{}),
		statsCommandC: make(chan statsRequest),
		completeC:     make(chan struct{}),
		errC:          make(chan error, 1),
		stoppedC:      make(chan struct{}),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
	}
	if o.peerID != nil {
		t.peerID = *o.peerID
	} else if t.peerID, err = generatePeerID(); err != nil {
		return nil, err
	}
	t.downloaded = metrics.NewRegisteredCounter("bytes_downloaded", t.registry)
	t.uploaded = metrics.NewRegisteredCounter("bytes_uploaded", t.registry)
	if cfg.SpeedLimitDownload > 0 {
		rate := cfg.SpeedLimitDownload * 1024
		t.bucket = ratelimit.NewBucketWithRate(float64(rate), rate)
	}

	var exists bool
	t.storage, exists, err = filestorage.New(o.fs, dest, t.info)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = t.storage.Close()
		}
	}()
	bitmapPath, err := bitmapresumer.Path(bitmapDir, dest)
	if err != nil {
		return nil, err
	}
	res := bitmapresumer.New(o.fs, bitmapPath)
	t.bitfield, err = t.loadBitfield(res, exists)
	if err != nil {
		return nil, err
	}
	t.bytesCompleted.Store(t.completedBytes())

	t.listener, err = net.Listen("tcp4", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	t.port = t.listener.Addr().(*net.TCPAddr).Port
	t.findSelfAddrs()
	t.acceptor = acceptor.New(t.listener, t.incomingConnC, t.log)

	t.coordinator = coordinator.New(t.info, t.storage, res, t.bitfield.Copy(), coordinator.Options{
		Registry: t.registry,
		Logger:   logger.New("coordinator " + mi.Info.Name),
	})
	var tmErr error
	t.trackerManager, tmErr = trackermanager.New(t.trackers, trackermanager.Config{
		NumWant:             cfg.TrackerNumWant,
		HTTPTimeout:         cfg.TrackerHTTPTimeout,
		MinAnnounceInterval: cfg.TrackerMinAnnounceInterval,
		StoppedEventTimeout: cfg.TrackerStoppedEventTimeout,
	}, t.trackerTorrent, t.log)
	if tmErr != nil {
		t.log.Warningln("some trackers are skipped:", tmErr)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	go t.run()
	return t, nil
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], PeerIDPrefix)
	_, err := rand.Read(id[len(PeerIDPrefix):])
	return id, err
}

// loadBitfield reads the bitmap of verified pieces. A bitmap without the file it
// describes is ignored. If the file exists without a bitmap its pieces are verified.
func (t *Torrent) loadBitfield(res *bitmapresumer.Resumer, exists bool) (*bitfield.Bitfield, error) {
	if !exists {
		bf := bitfield.New(t.info.NumPieces)
		return bf, res.WriteBitfield(bf)
	}
	bf, err := res.ReadBitfield(t.info.NumPieces)
	if err != nil {
		t.log.Warningln("cannot read bitmap, verifying pieces:", err)
	} else if bf != nil {
		return bf, nil
	}
	bf, err = verifyPieces(t.storage, t.info, t.log)
	if err != nil {
		return nil, err
	}
	return bf, res.WriteBitfield(bf)
}

func (t *Torrent) completedBytes() int64 {
	var n int64
	for _, i := range t.bitfield.Indices() {
		n += int64(t.info.PieceSize(i))
	}
	return n
}

func (t *Torrent) findSelfAddrs() {
	port := strconv.Itoa(t.port)
	t.selfAddrs[net.JoinHostPort("127.0.0.1", port)] = struct{}{}
	t.selfAddrs[net.JoinHostPort("0.0.0.0", port)] = struct{}{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		t.log.Warningln("cannot get interface addresses:", err)
		return
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			t.selfAddrs[net.JoinHostPort(ipnet.IP.String(), port)] = struct{}{}
		}
	}
}

// trackerTorrent is called from announcer goroutines.
func (t *Torrent) trackerTorrent() tracker.Torrent {
	return tracker.Torrent{
		BytesUploaded:   t.uploaded.Count(),
		BytesDownloaded: t.downloaded.Count(),
		BytesLeft:       t.info.TotalLength - t.bytesCompleted.Load(),
		InfoHash:        t.info.Hash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}

// Name of the torrent.
func (t *Torrent) Name() string {
	return t.info.Name
}

// InfoHash is the SHA-1 digest of the info dictionary.
func (t *Torrent) InfoHash() [20]byte {
	return t.info.Hash
}

// Dest is the path of the downloaded file.
func (t *Torrent) Dest() string {
	return t.dest
}

// Port that the torrent listens for incoming peer connections.
func (t *Torrent) Port() int {
	return t.port
}

// Start connecting to peers. Only the first call has effect.
func (t *Torrent) Start() {
	select {
	case t.startCommandC <- struct{}{}:
	case <-t.closeC:
	}
}

// NotifyComplete returns a channel that is closed once all pieces are downloaded and verified.
func (t *Torrent) NotifyComplete() <-chan struct{} {
	return t.completeC
}

// NotifyError returns a channel that receives the error that stopped the download.
func (t *Torrent) NotifyError() <-chan error {
	return t.errC
}

// Close stops the torrent, sends the stopped event to trackers and closes the file.
func (t *Torrent) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeC)
		<-t.doneC
		var result error
		if err := t.storage.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := t.trackerManager.NotifyStop(); err != nil {
			result = multierror.Append(result, err)
		}
		t.closeErr = result
	})
	return t.closeErr
}
