package db

import (
	"gtorrent/db/models"

	"gorm.io/gorm"
)

// UpdateDownload updates a download record in the database
func (d *Database) UpdateDownload(download *models.Download) error {
	return d.db.Save(download).Error
}

// UpdatePiece updates a piece record in the database
func (d *Database) UpdatePiece(piece *models.Piece) error {
	return d.db.Save(piece).Error
}

// MarkPieceDownloaded flips the IsDownloaded flag for the given download's
// piece at index. It is called from the coordinator's finished-piece
// observer, so the database reflects the live bitfield without the
// coordinator itself depending on gorm.
func (d *Database) MarkPieceDownloaded(downloadID uint, index int) error {
	return d.db.Model(&models.Piece{}).
		Where(`download_id = ? AND "index" = ?`, downloadID, index).
		Update("is_downloaded", true).Error
}

// AddDownloadedBytes increments a download's running DownloadedSize counter.
func (d *Database) AddDownloadedBytes(downloadID uint, n int64) error {
	return d.db.Model(&models.Download{}).
		Where("id = ?", downloadID).
		Update("downloaded_size", gorm.Expr("downloaded_size + ?", n)).Error
}
