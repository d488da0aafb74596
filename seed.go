package main

import (
	"crypto/sha1"
	"fmt"
	"gtorrent/config"
	"gtorrent/db/models"
	"gtorrent/torrent"
	"os"

	"github.com/rs/zerolog/log"
)

// SeedTorrent verifies a previously downloaded torrent's content against its
// recorded piece hashes and, if it matches, registers it with the running
// acceptor so incoming peers can request it. It never dials out: a
// torrent to seed is assumed to already be complete.
func SeedTorrent(torrentFile string) error {
	content, err := os.ReadFile(torrentFile)
	if err != nil {
		return err
	}
	tor, err := torrent.TorrentFromBytes(content)
	if err != nil {
		return err
	}

	contentPath := config.Main.DownloadDir
	storage := torrent.NewStorage(contentPath)

	coord, err := torrent.NewCoordinator(tor, storage)
	if err != nil {
		return err
	}

	log.Info().Str("torrent", tor.Name).Int("pieces", coord.TotalPieces()).Msg("verifying content before seeding")
	for i := 0; i < coord.TotalPieces(); i++ {
		data, err := storage.ReadBlock(tor.Name, int64(i)*tor.PieceLength, int(coord.PieceLength(i)))
		if err != nil {
			return fmt.Errorf("seed %s: piece %d unreadable: %w", tor.Name, i, err)
		}
		sum := fmt.Sprintf("%x", sha1.Sum(data))
		if sum != tor.Pieces[i] {
			return fmt.Errorf("seed %s: piece %d hash mismatch, refusing to seed incomplete content", tor.Name, i)
		}
		if err := coord.MarkVerified(i); err != nil {
			return err
		}
	}

	if acceptor == nil {
		return fmt.Errorf("seed %s: no incoming-peer listener running", tor.Name)
	}
	acceptor.Register(tor, coord)
	defer acceptor.Unregister(tor)

	dlModel, err := mainDB.CreateDownload(tor, torrentFile)
	if err == nil {
		dlModel.Status = models.Complete
		dlModel.DownloadedSize = tor.Length
		mainDB.UpdateDownload(dlModel)
	}

	log.Info().Str("torrent", tor.Name).Msg("seeding to incoming peers, press Ctrl+C to stop")
	select {}
}
