package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"testing"
)

func newTestCoordinator(t *testing.T, pieceLength int64, pieceData [][]byte) (*Coordinator, *Torrent) {
	t.Helper()

	var pieces []string
	var total int64
	for _, d := range pieceData {
		sum := sha1.Sum(d)
		pieces = append(pieces, fmt.Sprintf("%x", sum))
		total += int64(len(d))
	}

	tor := &Torrent{
		Name:        "content.bin",
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      total,
	}

	storage := NewStorage(t.TempDir())
	coord, err := NewCoordinator(tor, storage)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return coord, tor
}

func TestSelectPieceOnlyOffersHavePieces(t *testing.T) {
	coord, _ := newTestCoordinator(t, 4, [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")})

	remote := NewBitfield(3)
	remote.SetPiece(1)

	idx, ok := coord.SelectPiece(remote)
	if !ok || idx != 1 {
		t.Fatalf("expected piece 1 selected, got idx=%d ok=%v", idx, ok)
	}

	remote2 := NewBitfield(3)
	_, ok = coord.SelectPiece(remote2)
	if ok {
		t.Fatal("expected no piece selectable from a peer with an empty bitfield")
	}
}

func TestPieceDownloadedTransitionsAndCounters(t *testing.T) {
	data := []byte("aaaa")
	coord, _ := newTestCoordinator(t, 4, [][]byte{data, []byte("bbbb")})

	remote := NewBitfield(2)
	remote.SetPiece(0)
	idx, ok := coord.SelectPiece(remote)
	if !ok || idx != 0 {
		t.Fatalf("expected to select piece 0, got %d %v", idx, ok)
	}

	stats := coord.Stats()
	if stats.Downloading != 1 || stats.Free != 1 {
		t.Fatalf("expected 1 downloading, 1 free, got %+v", stats)
	}

	if err := coord.PieceDownloaded(idx, data); err != nil {
		t.Fatalf("PieceDownloaded: %v", err)
	}

	stats = coord.Stats()
	if stats.Finished != 1 || stats.Downloading != 0 {
		t.Fatalf("expected 1 finished, 0 downloading, got %+v", stats)
	}
}

func TestPieceDownloadedHashMismatchKeepsDownloading(t *testing.T) {
	coord, _ := newTestCoordinator(t, 4, [][]byte{[]byte("aaaa")})

	remote := NewBitfield(1)
	remote.SetPiece(0)
	idx, _ := coord.SelectPiece(remote)

	err := coord.PieceDownloaded(idx, []byte("WRONG"))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}

	stats := coord.Stats()
	if stats.Downloading != 1 {
		t.Fatalf("piece should remain Downloading after a hash mismatch, got %+v", stats)
	}

	if err := coord.PieceAborted(idx); err != nil {
		t.Fatalf("PieceAborted: %v", err)
	}
	stats = coord.Stats()
	if stats.Free != 1 || stats.Downloading != 0 {
		t.Fatalf("expected piece back to Free after abort, got %+v", stats)
	}
}

func TestEndGameDuplicateCommitIsNoop(t *testing.T) {
	data := []byte("aaaa")
	coord, _ := newTestCoordinator(t, 4, [][]byte{data})

	remote := NewBitfield(1)
	remote.SetPiece(0)

	idx, ok := coord.SelectPiece(remote)
	if !ok {
		t.Fatal("expected a piece selected")
	}

	// End-game: free_count is now 0, so a second SelectPiece call returns
	// the same Downloading index without mutating state.
	idx2, ok := coord.SelectPiece(remote)
	if !ok || idx2 != idx {
		t.Fatalf("expected duplicate selection of the same downloading index, got %d %v", idx2, ok)
	}

	if err := coord.PieceDownloaded(idx, data); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// The second (late) commit for the same index must be a no-op success.
	if err := coord.PieceDownloaded(idx, data); err != nil {
		t.Fatalf("duplicate commit should succeed as a no-op, got %v", err)
	}

	stats := coord.Stats()
	if stats.Finished != 1 {
		t.Fatalf("expected exactly 1 finished piece, got %+v", stats)
	}
}

func TestPieceDownloadedInvalidIndex(t *testing.T) {
	coord, _ := newTestCoordinator(t, 4, [][]byte{[]byte("aaaa")})
	err := coord.PieceDownloaded(5, []byte("aaaa"))
	if !errors.Is(err, ErrInvalidPieceIndex) {
		t.Fatalf("expected ErrInvalidPieceIndex, got %v", err)
	}
}

func TestGetPieceRequiresFinished(t *testing.T) {
	coord, _ := newTestCoordinator(t, 4, [][]byte{[]byte("aaaa")})
	_, err := coord.GetPiece(0, 0, 4)
	if !errors.Is(err, ErrPieceNotFinished) {
		t.Fatalf("expected ErrPieceNotFinished, got %v", err)
	}

	remote := NewBitfield(1)
	remote.SetPiece(0)
	idx, _ := coord.SelectPiece(remote)
	data := []byte("aaaa")
	if err := coord.PieceDownloaded(idx, data); err != nil {
		t.Fatalf("PieceDownloaded: %v", err)
	}

	got, err := coord.GetPiece(0, 0, 4)
	if err != nil {
		t.Fatalf("GetPiece: %v", err)
	}
	if string(got) != "aaaa" {
		t.Fatalf("expected aaaa, got %q", got)
	}
}

func TestPeerConnectDisconnectCounters(t *testing.T) {
	coord, _ := newTestCoordinator(t, 4, [][]byte{[]byte("aaaa")})

	coord.PeerConnected("1.2.3.4:6881")
	coord.PeerConnected("1.2.3.5:6881")
	if coord.ConnectedPeers() != 2 {
		t.Fatalf("expected 2 connected peers, got %d", coord.ConnectedPeers())
	}

	coord.PeerDisconnected("1.2.3.4:6881")
	if coord.ConnectedPeers() != 1 {
		t.Fatalf("expected 1 connected peer after disconnect, got %d", coord.ConnectedPeers())
	}

	select {
	case remaining := <-coord.DisconnectEvents():
		if remaining != 1 {
			t.Fatalf("expected disconnect event payload 1, got %d", remaining)
		}
	default:
		t.Fatal("expected a disconnect event to be queued")
	}
}

func TestIsFinishedAndMarkVerified(t *testing.T) {
	coord, _ := newTestCoordinator(t, 4, [][]byte{[]byte("aaaa"), []byte("bbbb")})
	if coord.IsFinished() {
		t.Fatal("fresh coordinator should not be finished")
	}

	if err := coord.MarkVerified(0); err != nil {
		t.Fatalf("MarkVerified(0): %v", err)
	}
	if err := coord.MarkVerified(1); err != nil {
		t.Fatalf("MarkVerified(1): %v", err)
	}
	if !coord.IsFinished() {
		t.Fatal("expected coordinator finished after marking all pieces verified")
	}

	// Calling MarkVerified again on an already-Finished piece is a no-op.
	if err := coord.MarkVerified(0); err != nil {
		t.Fatalf("re-verifying a finished piece should be a no-op, got %v", err)
	}
}
