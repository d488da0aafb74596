package torrent

import (
	"crypto/sha1"
	"fmt"
	"net"
	"testing"
	"time"
)

// sessionTestTorrent builds a single-piece Torrent small enough to fit in
// one request (no pipelining window needed) for driving a full
// leecher/seeder exchange over a net.Pipe.
func sessionTestTorrent(data []byte) *Torrent {
	sum := sha1.Sum(data)
	return &Torrent{
		Name:        "piped.bin",
		PieceLength: int64(len(data)),
		Pieces:      []string{fmt.Sprintf("%x", sum)},
		Length:      int64(len(data)),
	}
}

func TestLeecherSeederExchangeOverPipe(t *testing.T) {
	data := []byte("hello torrent world")
	tor := sessionTestTorrent(data)

	seedStorage := NewStorage(t.TempDir())
	seedCoord, err := NewCoordinator(tor, seedStorage)
	if err != nil {
		t.Fatalf("NewCoordinator(seed): %v", err)
	}
	if err := seedStorage.SaveBlock(tor.Name, 0, data); err != nil {
		t.Fatalf("seeding SaveBlock: %v", err)
	}
	if err := seedCoord.MarkVerified(0); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	clientStorage := NewStorage(t.TempDir())
	clientCoord, err := NewCoordinator(tor, clientStorage)
	if err != nil {
		t.Fatalf("NewCoordinator(client): %v", err)
	}

	clientConn, serverConn := net.Pipe()
	cfg := SessionConfig{PipelineWidth: MaxBacklog, IOTimeout: 2 * time.Second}

	serverDone := make(chan error, 1)
	go func() {
		s := newSession(serverConn, tor, seedCoord, cfg)
		if err := s.sendBitfield(); err != nil {
			serverDone <- err
			return
		}
		serverDone <- s.runSeeder()
	}()

	client := newSession(clientConn, tor, clientCoord, cfg)
	if err := client.runLeecher(); err != nil {
		t.Fatalf("runLeecher: %v", err)
	}

	if !clientCoord.IsFinished() {
		t.Fatal("expected client coordinator finished after leecher loop returns")
	}

	got, err := clientStorage.ReadBlock(tor.Name, 0, len(data))
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("downloaded content mismatch: got %q want %q", got, data)
	}

	clientConn.Close()
	serverConn.Close()
	<-serverDone
}

// fillBytes deterministically fills a buffer of length n so each piece's
// content is distinguishable without needing real randomness.
func fillBytes(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)*7 + seed
	}
	return buf
}

// multiPieceTestTorrent builds a Torrent out of pieces of possibly unequal
// length (the last one may be short), mirroring how NewCoordinator derives
// lastPieceSize from Length/PieceLength.
func multiPieceTestTorrent(pieceLength int64, pieces [][]byte) *Torrent {
	hashes := make([]string, len(pieces))
	var total int64
	for i, p := range pieces {
		hashes[i] = fmt.Sprintf("%x", sha1.Sum(p))
		total += int64(len(p))
	}
	return &Torrent{
		Name:        "multi.bin",
		PieceLength: pieceLength,
		Pieces:      hashes,
		Length:      total,
	}
}

// TestLeecherSeederMultiWindowPipelining exercises a piece large enough
// that downloadPiece must issue more than one pipelined request window
// (cfg.PipelineWidth blocks per window), across more than one piece.
func TestLeecherSeederMultiWindowPipelining(t *testing.T) {
	const pieceLength = 7*BlockSize + 500 // 7 full blocks + a remainder block
	piece0 := fillBytes(int(pieceLength), 1)
	piece1 := fillBytes(int(pieceLength), 2)
	tor := multiPieceTestTorrent(pieceLength, [][]byte{piece0, piece1})

	seedStorage := NewStorage(t.TempDir())
	seedCoord, err := NewCoordinator(tor, seedStorage)
	if err != nil {
		t.Fatalf("NewCoordinator(seed): %v", err)
	}
	if err := seedStorage.SaveBlock(tor.Name, 0, piece0); err != nil {
		t.Fatalf("seeding piece0: %v", err)
	}
	if err := seedStorage.SaveBlock(tor.Name, pieceLength, piece1); err != nil {
		t.Fatalf("seeding piece1: %v", err)
	}
	if err := seedCoord.MarkVerified(0); err != nil {
		t.Fatalf("MarkVerified(0): %v", err)
	}
	if err := seedCoord.MarkVerified(1); err != nil {
		t.Fatalf("MarkVerified(1): %v", err)
	}

	clientStorage := NewStorage(t.TempDir())
	clientCoord, err := NewCoordinator(tor, clientStorage)
	if err != nil {
		t.Fatalf("NewCoordinator(client): %v", err)
	}

	clientConn, serverConn := net.Pipe()
	// A pipeline width smaller than the 7-block piece forces downloadPiece
	// to loop across multiple requestWindow/awaitWindow rounds.
	cfg := SessionConfig{PipelineWidth: 3, IOTimeout: 5 * time.Second}

	serverDone := make(chan error, 1)
	go func() {
		s := newSession(serverConn, tor, seedCoord, cfg)
		if err := s.sendBitfield(); err != nil {
			serverDone <- err
			return
		}
		serverDone <- s.runSeeder()
	}()

	client := newSession(clientConn, tor, clientCoord, cfg)
	if err := client.runLeecher(); err != nil {
		t.Fatalf("runLeecher: %v", err)
	}

	if !clientCoord.IsFinished() {
		t.Fatal("expected both pieces finished after the leecher loop returns")
	}

	got0, err := clientStorage.ReadBlock(tor.Name, 0, len(piece0))
	if err != nil {
		t.Fatalf("ReadBlock piece0: %v", err)
	}
	if string(got0) != string(piece0) {
		t.Fatal("piece 0 content mismatch after multi-window download")
	}
	got1, err := clientStorage.ReadBlock(tor.Name, pieceLength, len(piece1))
	if err != nil {
		t.Fatalf("ReadBlock piece1: %v", err)
	}
	if string(got1) != string(piece1) {
		t.Fatal("piece 1 content mismatch after multi-window download")
	}

	clientConn.Close()
	serverConn.Close()
	<-serverDone
}

// TestInterestedSentAfterUnchokeArrivesFirst is a regression test for a bug
// where maybeSendInterested required s.choked to still be true, which made
// it impossible to ever send Interested once an Unchoke had already
// arrived (e.g. a peer that unchokes immediately after the handshake,
// before sending its Bitfield).
func TestInterestedSentAfterUnchokeArrivesFirst(t *testing.T) {
	data := []byte("regression-data-unchoke-first")
	tor := sessionTestTorrent(data)

	seedStorage := NewStorage(t.TempDir())
	seedCoord, err := NewCoordinator(tor, seedStorage)
	if err != nil {
		t.Fatalf("NewCoordinator(seed): %v", err)
	}
	if err := seedStorage.SaveBlock(tor.Name, 0, data); err != nil {
		t.Fatalf("seeding SaveBlock: %v", err)
	}
	if err := seedCoord.MarkVerified(0); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	clientStorage := NewStorage(t.TempDir())
	clientCoord, err := NewCoordinator(tor, clientStorage)
	if err != nil {
		t.Fatalf("NewCoordinator(client): %v", err)
	}

	clientConn, serverConn := net.Pipe()
	cfg := SessionConfig{PipelineWidth: MaxBacklog, IOTimeout: 2 * time.Second}

	serverDone := make(chan error, 1)
	go func() {
		s := newSession(serverConn, tor, seedCoord, cfg)
		// Send Unchoke before the Bitfield, inverting the usual order, to
		// reproduce a peer that unchokes immediately after the handshake.
		if err := s.send(&Message{Type: MsgUnchoke}); err != nil {
			serverDone <- err
			return
		}
		s.peerChoked = false
		if err := s.sendBitfield(); err != nil {
			serverDone <- err
			return
		}
		serverDone <- s.runSeeder()
	}()

	client := newSession(clientConn, tor, clientCoord, cfg)
	if err := client.runLeecher(); err != nil {
		t.Fatalf("runLeecher: %v", err)
	}

	if !client.interested {
		t.Fatal("expected Interested to be sent even though Unchoke arrived before any Bitfield")
	}
	if !clientCoord.IsFinished() {
		t.Fatal("expected download to complete once Interested unblocks the request loop")
	}

	clientConn.Close()
	serverConn.Close()
	<-serverDone
}

func TestServeIncomingUnknownInfoHash(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	cfg := SessionConfig{PipelineWidth: MaxBacklog, IOTimeout: 2 * time.Second}

	var selfID, otherHash, theirPeerID [20]byte
	copy(selfID[:], "-GT0001-aaaaaaaaaaaa")
	copy(otherHash[:], "00000000000000000000")
	copy(theirPeerID[:], "-XX0001-bbbbbbbbbbbb")

	lookup := func(infoHash [20]byte) (*Coordinator, *Torrent, bool) {
		return nil, nil, false
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ServeIncoming(serverConn, lookup, selfID, cfg)
	}()

	hs := NewHandshake(otherHash, theirPeerID)
	if _, err := clientConn.Write(hs.Serialize()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	if err := <-serveErr; err == nil {
		t.Fatal("expected ServeIncoming to fail for an unregistered info-hash")
	}
	clientConn.Close()
}
