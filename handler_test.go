package main

import (
	"crypto/sha1"
	"fmt"
	"gtorrent/torrent"
	"testing"
	"time"
)

// fakeTracker always returns the same fixed peer list; Handler's own
// seenPeers dedup means repeated announces don't re-offer a peer once it
// has been spawned.
type fakeTracker struct {
	peers []*torrent.Peer
}

func (f *fakeTracker) GetPeers(tor *torrent.Torrent, me *torrent.Peer) ([]*torrent.Peer, error) {
	return f.peers, nil
}
func (f *fakeTracker) Announce() string { return "fake://tracker" }
func (f *fakeTracker) LastCheck() int64 { return 0 }
func (f *fakeTracker) NextCheck() int64 { return 0 }
func (f *fakeTracker) LastError() error { return nil }
func (f *fakeTracker) Seeders() int     { return 0 }
func (f *fakeTracker) Leechers() int    { return 0 }

func handlerTestTorrent() *torrent.Torrent {
	data := []byte("aaaa")
	sum := sha1.Sum(data)
	return &torrent.Torrent{
		Name:        "backpressure.bin",
		PieceLength: int64(len(data)),
		Pieces:      []string{fmt.Sprintf("%x", sum)},
		Length:      int64(len(data)),
	}
}

func waitForStarted(t *testing.T, started chan string, timeout time.Duration) string {
	t.Helper()
	select {
	case addr := <-started:
		return addr
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a peer dial to start")
		return ""
	}
}

func assertNoneStarted(t *testing.T, started chan string, wait time.Duration) {
	t.Helper()
	select {
	case addr := <-started:
		t.Fatalf("unexpected peer dial started while at the peer cap: %s", addr)
	case <-time.After(wait):
	}
}

// TestHandlerRunBlocksAtPeerCap drives Handler.Run with a stub dial
// function against a maxPeers=2 cap and three candidate peers, matching the
// max_peers_per_torrent backpressure scenario: the third peer must not be
// dialed until a disconnect frees a slot.
func TestHandlerRunBlocksAtPeerCap(t *testing.T) {
	tor := handlerTestTorrent()
	coord, err := torrent.NewCoordinator(tor, torrent.NewStorage(t.TempDir()))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	peers := []*torrent.Peer{
		{IP: "10.0.0.1", Port: 6881},
		{IP: "10.0.0.2", Port: 6881},
		{IP: "10.0.0.3", Port: 6881},
	}
	tracker := &fakeTracker{peers: peers}
	me := &torrent.Peer{IP: "127.0.0.1", Port: 9999}

	h := NewHandler(tor, coord, []torrent.ITracker{tracker}, me, torrent.SessionConfig{}, 2)
	h.retryDelay = 20 * time.Millisecond

	started := make(chan string, len(peers))
	release := make(map[string]chan struct{}, len(peers))
	for _, p := range peers {
		release[p.String()] = make(chan struct{})
	}

	// fakeDial mimics torrent.DialOutgoing closely enough for the Handler's
	// bookkeeping: it blocks until released, then disconnects exactly once,
	// the same contract DialOutgoing honors via its own deferred call.
	h.dial = func(addr string, tor *torrent.Torrent, coord *torrent.Coordinator, selfPeerID [20]byte, cfg torrent.SessionConfig) error {
		started <- addr
		<-release[addr]
		coord.PeerDisconnected(addr)
		return nil
	}

	runDone := make(chan error, 1)
	go func() { runDone <- h.Run() }()

	first := waitForStarted(t, started, time.Second)
	second := waitForStarted(t, started, time.Second)
	gotFirstTwo := map[string]bool{first: true, second: true}
	if !gotFirstTwo[peers[0].String()] || !gotFirstTwo[peers[1].String()] {
		t.Fatalf("expected the first two peers dialed, got %v", gotFirstTwo)
	}

	assertNoneStarted(t, started, 100*time.Millisecond)
	if got := coord.ConnectedPeers(); got != 2 {
		t.Fatalf("expected 2 connected peers at the cap, got %d", got)
	}

	// Free one slot; the Handler must now dial the third peer.
	close(release[peers[0].String()])
	third := waitForStarted(t, started, time.Second)
	if third != peers[2].String() {
		t.Fatalf("expected the third peer dialed after a slot freed, got %s", third)
	}

	if err := coord.MarkVerified(0); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	close(release[peers[1].String()])
	close(release[peers[2].String()])

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the torrent finished")
	}
}
