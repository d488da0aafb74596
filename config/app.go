package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	CacheDir    string
	DownloadDir string
	DB          *DBConfig

	// TCPPort is the listen port for incoming peer connections (tcp_port).
	TCPPort int
	// MaxPeersPerTorrent bounds simultaneous outgoing peer sessions per
	// torrent (max_peers_per_torrent).
	MaxPeersPerTorrent int
	// PipeliningSize is the block-pipeline width W (pipelining_size).
	PipeliningSize int
	// ReadWriteTimeout is the socket I/O timeout (read_write_seconds_timeout).
	ReadWriteTimeout time.Duration
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func NewAppConfig() *AppConfig {
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "storage/cache"
	}

	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "storage/downloads"
	}

	dbConf := NewDBConfig()

	return &AppConfig{
		CacheDir:           cacheDir,
		DownloadDir:        downloadDir,
		DB:                 dbConf,
		TCPPort:            envInt("TCP_PORT", 6881),
		MaxPeersPerTorrent: envInt("MAX_PEERS_PER_TORRENT", 30),
		PipeliningSize:     envInt("PIPELINING_SIZE", 5),
		ReadWriteTimeout:   time.Duration(envInt("READ_WRITE_SECONDS_TIMEOUT", 30)) * time.Second,
	}
}

var Main *AppConfig

func init() {
	_ = godotenv.Load()
	Main = NewAppConfig()
}
