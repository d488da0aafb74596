package main

import (
	"fmt"
	"gtorrent/config"
	"gtorrent/db/models"
	"gtorrent/torrent"
	"gtorrent/utils"
	"path/filepath"
	"time"

	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// DownloadTorrent initiates the download of content defined in a torrent file.
// It reads the torrent file, parses its contents, copies it to the cache directory,
// creates a database entry for the download, and drives a Coordinator and Handler
// to completion against peers discovered via the torrent's trackers.
// Parameters:
//   - torrentFile: Path to the .torrent file to be downloaded
//
// Returns an error if any step of the process fails, or nil on success.
func DownloadTorrent(torrentFile string) error {
	log.Info().Msg("Downloading torrent: " + torrentFile)

	content, err := os.ReadFile(torrentFile)
	if err != nil {
		return err
	}
	tor, err := torrent.TorrentFromBytes(content)
	if err != nil {
		return err
	}

	// copy the torrent file into cacheDir
	torrentFilename := filepath.Base(torrentFile)

	// write the torrent file to the cacheDir
	cachePath := filepath.Join(config.Main.CacheDir, torrentFilename)
	err = utils.CopyFile(torrentFile, cachePath)
	if err != nil {
		return err
	}

	// check the mainDB for the torrent, if not found, add it
	dlModel, err := mainDB.CreateDownload(tor, cachePath)
	if err != nil {
		return err
	}

	trackers := make([]torrent.ITracker, 0)
	for _, announce := range tor.AnnounceList {
		tracker, err := torrent.NewTracker(announce)
		if err != nil {
			log.Warn().Err(err).Str("tracker", announce).Msg("Failed to create tracker, skipping")
			continue
		}
		trackers = append(trackers, tracker)
	}

	// Only fail if we have no working trackers
	if len(trackers) == 0 {
		return fmt.Errorf("no valid trackers found")
	}

	me := torrent.PeerMe(uint16(config.Main.TCPPort))

	// Create destination directory
	downloadPath := config.Main.DownloadDir
	err = os.MkdirAll(downloadPath, os.ModePerm)
	if err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = fmt.Sprintf("Failed to create download directory: %s", err.Error())
		mainDB.UpdateDownload(dlModel)
		return err
	}

	storage := torrent.NewStorage(downloadPath)
	coord, err := torrent.NewCoordinator(tor, storage)
	if err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = err.Error()
		mainDB.UpdateDownload(dlModel)
		return err
	}
	coord.OnPieceFinished(func(index int) {
		if err := mainDB.MarkPieceDownloaded(dlModel.ID, index); err != nil {
			log.Warn().Err(err).Int("piece", index).Msg("failed to persist piece completion")
		}
		if err := mainDB.AddDownloadedBytes(dlModel.ID, coord.PieceLength(index)); err != nil {
			log.Warn().Err(err).Msg("failed to persist downloaded-bytes counter")
		}
	})

	dlModel.Status = models.Downloading
	mainDB.UpdateDownload(dlModel)

	if acceptor != nil {
		acceptor.Register(tor, coord)
		defer acceptor.Unregister(tor)
	}

	sessionCfg := torrent.SessionConfig{
		PipelineWidth: config.Main.PipeliningSize,
		IOTimeout:     config.Main.ReadWriteTimeout,
	}

	go persistTrackerResult(dlModel, tor, me)

	progress := startProgressReporter(tor, coord)
	defer progress.Stop()

	log.Info().Msg("Starting download of pieces")
	handler := NewHandler(tor, coord, trackers, me, sessionCfg, config.Main.MaxPeersPerTorrent)
	if err := handler.Run(); err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = err.Error()
		mainDB.UpdateDownload(dlModel)
		return err
	}

	dlModel.Status = models.Complete
	dlModel.DownloadedSize = tor.Length
	mainDB.UpdateDownload(dlModel)
	log.Info().Str("torrent", tor.Name).Msg("download complete")

	return nil
}

// persistTrackerResult is kept around for the one-shot tracker bookkeeping
// the Handler itself does not do: the CLI wants a database record of which
// trackers answered, even though peer discovery now happens continuously
// inside Handler.Run.
func persistTrackerResult(dlModel *models.Download, tor *torrent.Torrent, me *torrent.Peer) {
	wg := sync.WaitGroup{}
	for i := range dlModel.Trackers {
		trackerModel := &dlModel.Trackers[i]
		tr, err := torrent.NewTracker(trackerModel.Announce)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(trackerModel *models.Tracker, tr torrent.ITracker) {
			defer wg.Done()
			peers, err := tr.GetPeers(tor, me)
			if err != nil {
				trackerModel.Status = models.TrackerError
				trackerModel.LastError = err.Error()
				mainDB.UpdateTracker(trackerModel)
				return
			}
			trackerModel.Status = models.TrackerComplete
			trackerModel.Seeders = tr.Seeders()
			trackerModel.Leechers = tr.Leechers()
			trackerModel.LastCheck = time.Now().Unix()
			mainDB.UpdateTracker(trackerModel)
			mainDB.CreatePeers(trackerModel, peers)
		}(trackerModel, tr)
	}
	wg.Wait()
}
