package main

import (
	"fmt"
	"gtorrent/torrent"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// dialFunc is the shape of torrent.DialOutgoing, factored out so tests can
// substitute a stub peer instead of dialing a real TCP connection.
type dialFunc func(addr string, tor *torrent.Torrent, coord *torrent.Coordinator, selfPeerID [20]byte, cfg torrent.SessionConfig) error

// Handler is the per-torrent driver: it repeatedly refreshes the peer list
// from the configured trackers, spawns outgoing sessions up to maxPeers, and
// returns once the coordinator reports the torrent finished.
type Handler struct {
	tor        *torrent.Torrent
	coord      *torrent.Coordinator
	trackers   []torrent.ITracker
	me         *torrent.Peer
	cfg        torrent.SessionConfig
	maxPeers   int
	dial       dialFunc
	retryDelay time.Duration

	seenPeers map[string]bool
	mu        sync.Mutex
}

// NewHandler builds a Handler for tor, driven by coord and announcing
// through trackers.
func NewHandler(tor *torrent.Torrent, coord *torrent.Coordinator, trackers []torrent.ITracker, me *torrent.Peer, cfg torrent.SessionConfig, maxPeers int) *Handler {
	return &Handler{
		tor:        tor,
		coord:      coord,
		trackers:   trackers,
		me:         me,
		cfg:        cfg,
		maxPeers:   maxPeers,
		dial:       torrent.DialOutgoing,
		retryDelay: 5 * time.Second,
		seenPeers:  make(map[string]bool),
	}
}

// Run blocks until the coordinator reports the torrent finished. When no
// tracker offers a peer it has not tried yet, it sleeps for retryDelay and
// announces again, with no limit on the number of retries.
func (h *Handler) Run() error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for !h.coord.IsFinished() {
		peers := h.fetchPeers()
		if len(peers) == 0 {
			log.Warn().Str("torrent", h.tor.Name).Msg("no peers available from any tracker, retrying shortly")
			time.Sleep(h.retryDelay)
			continue
		}

		for _, peer := range peers {
			addr := peer.String()

			if h.coord.ConnectedPeers() >= int64(h.maxPeers) {
				if !h.waitForSlot() {
					return fmt.Errorf("torrent %s: aborted waiting for a peer slot", h.tor.Name)
				}
			}

			if h.coord.IsFinished() {
				return nil
			}

			h.coord.PeerConnected(addr)
			spawned := h.spawn(&wg, addr)
			if !spawned {
				h.coord.PeerDisconnected(addr)
			}
		}
	}
	return nil
}

// waitForSlot blocks on the coordinator's disconnect-events channel until
// an event reports exactly maxPeers-1 connected peers
// (stale events for other counts are dropped).
func (h *Handler) waitForSlot() bool {
	target := int64(h.maxPeers - 1)
	for {
		remaining, ok := <-h.coord.DisconnectEvents()
		if !ok {
			return false
		}
		if remaining == target {
			return true
		}
	}
}

// spawn starts a new outgoing Peer Session against addr in its own
// goroutine and always returns true, since starting the goroutine cannot
// fail; any later failure is the session's own concern and it calls
// PeerDisconnected itself.
func (h *Handler) spawn(wg *sync.WaitGroup, addr string) bool {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.dial(addr, h.tor, h.coord, h.me.PeerID(), h.cfg); err != nil {
			log.Warn().Str("peer", addr).Str("torrent", h.tor.Name).Err(err).Msg("peer session ended")
		}
	}()
	return true
}

func (h *Handler) fetchPeers() []*torrent.Peer {
	var (
		mu  sync.Mutex
		all []*torrent.Peer
		wg  sync.WaitGroup
	)

	for _, tr := range h.trackers {
		wg.Add(1)
		go func(tr torrent.ITracker) {
			defer wg.Done()
			peers, err := tr.GetPeers(h.tor, h.me)
			if err != nil {
				log.Warn().Str("tracker", tr.Announce()).Err(err).Msg("tracker announce failed")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, p := range peers {
				if p.String() == h.me.String() {
					continue
				}
				if !h.markSeen(p.String()) {
					continue
				}
				all = append(all, p)
			}
		}(tr)
	}
	wg.Wait()
	return all
}

func (h *Handler) markSeen(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seenPeers[addr] {
		return false
	}
	h.seenPeers[addr] = true
	return true
}
