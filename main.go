package main

import (
	"gtorrent/config"
	"gtorrent/db"
	"gtorrent/torrent"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
)

const VERSION = "0.1.0"

var CLI struct {
	Verify struct {
		Torrent     string `arg:"" help:"Torrent file to verify." type:"existingfile"`
		ContentPath string `arg:"" optional:"" help:"Path to the content files." type:"existingdir"`
	} `cmd:"" help:"Verify a torrent file."`
	Download struct {
		Torrent string `arg:"" help:"Torrent file to download."`
	} `cmd:"" help:"Download a torrent file."`
	Serve struct {
		Torrent string `arg:"" help:"Torrent file to seed to incoming peers."`
	} `cmd:"" help:"Listen for incoming peer connections and seed a torrent."`
}
var mainDB *db.Database

// acceptor is the process-wide incoming-connection listener. It is nil
// until a command that needs it (download, serve) starts it, since
// verify-only invocations never bind a socket.
var acceptor *Server

func main() {
	println("goTorrent v" + VERSION)
	initConfig()
	initLogging()
	defer shutdownLogging()
	ctx := kong.Parse(&CLI)
	cmd := ctx.Command()
	switch cmd {
	case "verify <torrent> <content-path>":
		err := torrent.VerifyTorrent(CLI.Verify.Torrent, CLI.Verify.ContentPath)
		if err != nil {
			log.Error().Err(err).Msg("Error verifying torrent")
			return
		}
		println("Torrent verified successfully.")
	case "download <torrent>":
		initDB()
		startAcceptor()
		err := DownloadTorrent(CLI.Download.Torrent)
		if err != nil {
			log.Error().Err(err).Msg("Error downloading torrent")
			return
		}
	case "serve <torrent>":
		initDB()
		startAcceptor()
		err := SeedTorrent(CLI.Serve.Torrent)
		if err != nil {
			log.Error().Err(err).Msg("Error seeding torrent")
			return
		}
	default:
		ctx.PrintUsage(false)
	}

}

// startAcceptor binds the incoming-peer listener once per process. Any
// command that registers a torrent against it (download, serve) can then
// serve Request messages from peers that connect to us instead of only
// ever dialing out.
func startAcceptor() {
	me := torrent.PeerMe(uint16(config.Main.TCPPort))
	srv, err := NewServer(config.Main.TCPPort, me.PeerID(), torrent.SessionConfig{
		PipelineWidth: config.Main.PipeliningSize,
		IOTimeout:     config.Main.ReadWriteTimeout,
	})
	if err != nil {
		log.Warn().Err(err).Msg("could not bind incoming-peer listener, running outbound-only")
		return
	}
	acceptor = srv
	go func() {
		if err := acceptor.Serve(); err != nil {
			log.Warn().Err(err).Msg("incoming-peer acceptor stopped")
		}
	}()
}

func initConfig() {
	// create the cache directory
	if err := os.MkdirAll(config.Main.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.CacheDir).Msg("Failed to create cache directory")
	}

	// create the download directory
	if err := os.MkdirAll(config.Main.DownloadDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DownloadDir).Msg("Failed to create download directory")
	}
}

func initDB() {
	var err error
	mainDB, err = db.Init()
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing database")
	}
}
