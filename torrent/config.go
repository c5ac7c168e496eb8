package torrent

import (
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for Torrent and Session.
type Config struct {
	// Port to listen for incoming peer connections of a single torrent. 0 picks a random port.
	Port int `yaml:"port"`
	// Torrents started by Session listen on a port selected from this range.
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`
	// Default directory for downloaded files.
	DataDir string `yaml:"data_dir"`
	// Directory of the bitmap files that keep the verified pieces of each download.
	BitmapDir string `yaml:"bitmap_dir"`
	// Database file of Session.
	Database string `yaml:"database"`
	// JSON file listing the torrents of Session.
	ListFile string `yaml:"list_file"`

	// Time to wait for TCP connection to open.
	PeerConnectTimeout time.Duration `yaml:"peer_connect_timeout"`
	// Time to wait for BitTorrent handshake to complete.
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	// Connection is closed if the peer does not send anything in this duration.
	PeerReadTimeout time.Duration `yaml:"peer_read_timeout"`
	// Keep-alive message is sent if nothing was written to the peer in this duration.
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`

	// Max number of outgoing connections.
	MaxPeerConnections int `yaml:"max_peer_connections"`
	// Max number of incoming connections.
	MaxPeerAccept int `yaml:"max_peer_accept"`
	// Number of pieces downloaded from a single peer at the same time.
	MaxConcurrentPieces int `yaml:"max_concurrent_pieces"`

	// Failed peer addresses are retried after this duration. Doubles on every consecutive failure.
	BackoffInitialTTL time.Duration `yaml:"backoff_initial_ttl"`
	BackoffMaxTTL     time.Duration `yaml:"backoff_max_ttl"`
	// Interval of checking the backoff table for addresses to retry.
	BackoffPollInterval time.Duration `yaml:"backoff_poll_interval"`

	// Size of the piece cache of each connection in bytes.
	PieceCacheSize int64 `yaml:"piece_cache_size"`
	// Cached pieces are dropped after this duration.
	PieceCacheTTL time.Duration `yaml:"piece_cache_ttl"`

	// Download speed limit in KiB/s. 0 means no limit.
	SpeedLimitDownload int64 `yaml:"speed_limit_download"`

	// Number of peer addresses to request in announce request.
	TrackerNumWant int `yaml:"tracker_num_want"`
	// Total time to wait for an HTTP tracker to respond.
	TrackerHTTPTimeout time.Duration `yaml:"tracker_http_timeout"`
	// Announces are not sent more often than this even if the tracker asks for it.
	TrackerMinAnnounceInterval time.Duration `yaml:"tracker_min_announce_interval"`
	// Time to wait for announcing stopped event.
	TrackerStoppedEventTimeout time.Duration `yaml:"tracker_stopped_event_timeout"`

	// Interval of logging torrent stats.
	StatsLogInterval time.Duration `yaml:"stats_log_interval"`
	// Interval of saving torrent stats to the database of Session.
	StatsWriteInterval time.Duration `yaml:"stats_write_interval"`

	// Peer addresses that are dialed at start in addition to the ones returned from trackers.
	SuggestedPeers []string `yaml:"suggested_peers"`
}

// DefaultConfig for Torrent and Session.
var DefaultConfig = Config{
	Port:                       50146,
	PortBegin:                  50146,
	PortEnd:                    50246,
	DataDir:                    "~/fiume-downloads",
	BitmapDir:                  "~/.fiume/bitmaps",
	Database:                   "~/.fiume/session.db",
	ListFile:                   "~/.fiume/downloading.json",
	PeerConnectTimeout:         10 * time.Second,
	PeerHandshakeTimeout:       10 * time.Second,
	PeerReadTimeout:            3 * time.Minute,
	KeepAlivePeriod:            2 * time.Minute,
	MaxPeerConnections:         2,
	MaxPeerAccept:              20,
	MaxConcurrentPieces:        4,
	BackoffInitialTTL:          time.Minute,
	BackoffMaxTTL:              30 * time.Minute,
	BackoffPollInterval:        time.Second,
	PieceCacheSize:             16 * 1024 * 1024,
	PieceCacheTTL:              time.Minute,
	TrackerNumWant:             50,
	TrackerHTTPTimeout:         30 * time.Second,
	TrackerMinAnnounceInterval: time.Minute,
	TrackerStoppedEventTimeout: 5 * time.Second,
	StatsLogInterval:           30 * time.Second,
	StatsWriteInterval:         30 * time.Second,
}

// LoadConfig reads the YAML file on top of DefaultConfig.
// DefaultConfig is returned if the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
