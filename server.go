package main

import (
	"fmt"
	"gtorrent/torrent"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// activeTorrent pairs a Coordinator with the Torrent metadata the acceptor
// needs to identify and serve it.
type activeTorrent struct {
	coord *torrent.Coordinator
	tor   *torrent.Torrent
}

// Server is the listen-socket acceptor: it binds a single TCP port and,
// for every incoming connection, reads the
// handshake and dispatches to an incoming Peer Session against whichever
// active torrent matches the announced info-hash.
type Server struct {
	listener net.Listener
	selfID   [20]byte
	cfg      torrent.SessionConfig

	mu       sync.RWMutex
	torrents map[[20]byte]activeTorrent
}

// NewServer binds a TCP listener on port.
func NewServer(port int, selfID [20]byte, cfg torrent.SessionConfig) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return &Server{
		listener: ln,
		selfID:   selfID,
		cfg:      cfg,
		torrents: make(map[[20]byte]activeTorrent),
	}, nil
}

// Register adds tor/coord to the set of torrents the acceptor will dispatch
// incoming connections to.
func (s *Server) Register(tor *torrent.Torrent, coord *torrent.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torrents[tor.InfoHash] = activeTorrent{coord: coord, tor: tor}
}

// Unregister removes a torrent once its download/seed lifecycle ends.
func (s *Server) Unregister(tor *torrent.Torrent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.torrents, tor.InfoHash)
}

func (s *Server) lookup(infoHash [20]byte) (*torrent.Coordinator, *torrent.Torrent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.torrents[infoHash]
	if !ok {
		return nil, nil, false
	}
	return at.coord, at.tor, true
}

// Serve runs the blocking accept loop. Each connection is classified by
// info-hash and handed to torrent.ServeIncoming on its own goroutine.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.listener.Addr().String()).Msg("acceptor listening for incoming peers")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := torrent.ServeIncoming(conn, s.lookup, s.selfID, s.cfg); err != nil {
				log.Debug().Str("peer", conn.RemoteAddr().String()).Err(err).Msg("incoming session ended")
			}
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}
