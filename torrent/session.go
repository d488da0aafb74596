package torrent

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNoPiecesLeftToDownloadInThisPeer is a normal termination reason: the
// peer's bitfield has nothing left that this torrent still needs.
var ErrNoPiecesLeftToDownloadInThisPeer = errors.New("torrent: no pieces left to download from this peer")

// ErrTorrentNotFound is returned by an incoming-session lookup when the
// announced info-hash doesn't match any active torrent.
var ErrTorrentNotFound = errors.New("torrent: unknown info-hash")

// SessionConfig carries the per-connection tunables a Peer Session needs.
type SessionConfig struct {
	PipelineWidth int           // pipelining_size
	IOTimeout     time.Duration // read_write_seconds_timeout
}

// DefaultSessionConfig returns conservative defaults: MaxBacklog pipelined
// requests and a generous per-message timeout.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{PipelineWidth: MaxBacklog, IOTimeout: 30 * time.Second}
}

// block is one arrived Piece payload, kept until the whole piece is
// assembled so blocks can be sorted by offset before hashing.
type block struct {
	begin uint32
	data  []byte
}

// PeerSession is the per-connection state machine driving a single TCP
// connection to a peer, in either the outgoing (leecher) or incoming
// (seeder) direction.
type PeerSession struct {
	id   uuid.UUID
	conn net.Conn
	addr string
	tor  *Torrent
	cfg  SessionConfig

	coord *Coordinator

	remoteBitfield Bitfield
	choked         bool // we are choked by the peer
	interested     bool // we are interested in the peer
	peerChoked     bool // we are choking the peer
	peerInterested bool // the peer is interested in us

	currentPiece int
	blocks       []block
	windowStart  time.Time
	windowBytes  int64
}

func newSession(conn net.Conn, tor *Torrent, coord *Coordinator, cfg SessionConfig) *PeerSession {
	return &PeerSession{
		id:         uuid.New(),
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		tor:        tor,
		cfg:        cfg,
		coord:      coord,
		choked:     true,
		peerChoked: true,
	}
}

// --- Outgoing (leecher) ---

// DialOutgoing establishes a TCP connection to addr, performs the
// handshake, and runs the leecher state machine until the session
// terminates. The caller must have already called coord.PeerConnected for
// addr; DialOutgoing always calls coord.PeerDisconnected exactly once
// before returning.
func DialOutgoing(addr string, tor *Torrent, coord *Coordinator, selfPeerID [20]byte, cfg SessionConfig) error {
	defer coord.PeerDisconnected(addr)

	conn, err := net.DialTimeout("tcp", addr, cfg.IOTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := PerformHandshake(conn, tor.InfoHash, selfPeerID, cfg.IOTimeout); err != nil {
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}

	s := newSession(conn, tor, coord, cfg)
	log.Debug().Str("peer", addr).Str("session", s.id.String()).Msg("handshake complete, entering leecher loop")
	return s.runLeecher()
}

// runLeecher drives the READY/DOWNLOADING state machine until the
// coordinator has nothing left this peer can serve, or an I/O/protocol
// error terminates the session.
func (s *PeerSession) runLeecher() error {
	for {
		if s.coord.IsFinished() {
			return nil
		}

		// Absorb messages until we're unchoked and have sent Interested, or
		// until we learn this peer is useless to us.
		for s.choked || !s.interested {
			msg, err := s.readMessage()
			if err != nil {
				return err
			}
			if err := s.handleControlMessage(msg); err != nil {
				return err
			}
			if !s.interested && s.remoteBitfield != nil {
				if err := s.maybeSendInterested(); err != nil {
					return err
				}
			}
		}

		idx, ok := s.coord.SelectPiece(s.remoteBitfieldOrEmpty())
		if !ok {
			return ErrNoPiecesLeftToDownloadInThisPeer
		}

		data, err := s.downloadPiece(idx)
		if err != nil {
			return err
		}

		if err := s.coord.PieceDownloaded(idx, data); err != nil {
			if errors.Is(err, ErrHashMismatch) {
				log.Warn().Str("peer", s.addr).Str("session", s.id.String()).Int("piece", idx).Msg("hash mismatch, aborting piece")
				_ = s.coord.PieceAborted(idx)
				continue
			}
			return err
		}
	}
}

func (s *PeerSession) remoteBitfieldOrEmpty() Bitfield {
	if s.remoteBitfield == nil {
		return NewBitfield(s.coord.TotalPieces())
	}
	return s.remoteBitfield
}

func (s *PeerSession) maybeSendInterested() error {
	if !s.interested {
		if err := s.send(&Message{Type: MsgInterested}); err != nil {
			return err
		}
		s.interested = true
	}
	return nil
}

// downloadPiece requests and assembles piece idx using pipelined windows of
// s.cfg.PipelineWidth outstanding requests.
func (s *PeerSession) downloadPiece(idx int) ([]byte, error) {
	pieceLen := s.coord.PieceLength(idx)
	fullBlocks := int(pieceLen / BlockSize)
	remainder := int(pieceLen % BlockSize)

	s.currentPiece = idx
	s.blocks = s.blocks[:0]
	s.windowStart = time.Now()
	s.windowBytes = 0

	requested := 0
	for requested < fullBlocks {
		width := s.cfg.PipelineWidth
		if fullBlocks-requested < width {
			width = fullBlocks - requested
		}
		if err := s.requestWindow(idx, requested, width, BlockSize); err != nil {
			return nil, err
		}
		if err := s.awaitWindow(width); err != nil {
			return nil, err
		}
		requested += width
		s.reportRate()
	}

	if remainder > 0 {
		if err := s.requestWindow(idx, fullBlocks, 1, remainder); err != nil {
			return nil, err
		}
		if err := s.awaitWindow(1); err != nil {
			return nil, err
		}
		s.reportRate()
	}

	return s.assemblePiece(int(pieceLen))
}

func (s *PeerSession) requestWindow(idx, firstBlock, count, blockSize int) error {
	for k := 0; k < count; k++ {
		offset := uint32((firstBlock + k) * BlockSize)
		length := uint32(blockSize)
		msg := &Message{Type: MsgRequest, Payload: FormatRequest(uint32(idx), offset, length)}
		if err := s.send(msg); err != nil {
			return err
		}
	}
	return nil
}

// awaitWindow reads messages until count Piece arrivals for the current
// piece have been accumulated. Interleaved control messages (Unchoke,
// Have, Choke, Bitfield) are handled in place and don't count as arrivals.
func (s *PeerSession) awaitWindow(count int) error {
	received := 0
	for received < count {
		msg, err := s.readMessage()
		if err != nil {
			return err
		}
		if msg.Type == MsgPiece {
			index, begin, data, err := ParsePiece(msg.Payload)
			if err != nil {
				return err
			}
			if int(index) != s.currentPiece {
				continue // stale/duplicate piece message for a prior index
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			s.blocks = append(s.blocks, block{begin: begin, data: cp})
			s.windowBytes += int64(len(data))
			received++
			continue
		}
		if err := s.handleControlMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *PeerSession) assemblePiece(length int) ([]byte, error) {
	sort.Slice(s.blocks, func(i, j int) bool { return s.blocks[i].begin < s.blocks[j].begin })
	buf := make([]byte, length)
	for _, b := range s.blocks {
		copy(buf[b.begin:], b.data)
	}
	return buf, nil
}

func (s *PeerSession) reportRate() {
	elapsed := time.Since(s.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	kbps := float64(s.windowBytes) * 8 / (elapsed * 1024)
	s.coord.UpdatePeerSessionStatus(s.addr, PeerSessionStatus{
		Choked:       s.choked,
		Interested:   s.interested,
		PeerChoked:   s.peerChoked,
		DownloadKbps: kbps,
	})
	s.windowStart = time.Now()
	s.windowBytes = 0
}

// handleControlMessage applies the effect of any message that isn't a
// Piece arrival being awaited by downloadPiece: Choke/Unchoke toggle our
// choked state, Bitfield/Have update remoteBitfield, Interested/
// NotInterested/Request/Cancel/Port are acknowledged but otherwise ignored
// from the leecher side (we don't serve uploads on an outgoing connection).
func (s *PeerSession) handleControlMessage(msg *Message) error {
	switch msg.Type {
	case MsgKeepAlive:
	case MsgChoke:
		s.choked = true
	case MsgUnchoke:
		s.choked = false
	case MsgInterested:
		s.peerInterested = true
	case MsgNotInterested:
		s.peerInterested = false
	case MsgHave:
		idx, err := ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		if s.remoteBitfield == nil {
			s.remoteBitfield = NewBitfield(s.coord.TotalPieces())
		}
		s.remoteBitfield.SetPiece(int(idx))
	case MsgBitfield:
		if want := (s.coord.TotalPieces() + 7) / 8; len(msg.Payload) != want {
			return fmt.Errorf("%w: got %d bytes, want %d", ErrBadBitfield, len(msg.Payload), want)
		}
		s.remoteBitfield = append(Bitfield(nil), msg.Payload...)
	case MsgRequest, MsgCancel, MsgPiece, MsgPort:
		// not relevant to the leecher control loop
	default:
		return fmt.Errorf("%w: %d", ErrUnknownID, msg.Type)
	}
	return nil
}

func (s *PeerSession) send(msg *Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	_, err := s.conn.Write(msg.Serialize())
	return err
}

func (s *PeerSession) readMessage() (*Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
	return ReadMessage(s.conn)
}

// --- Incoming (seeder) ---

// CoordinatorLookup resolves an announced info-hash to the Coordinator and
// Torrent serving it, as maintained by the Server acceptor's active-torrent
// set.
type CoordinatorLookup func(infoHash [20]byte) (*Coordinator, *Torrent, bool)

// ServeIncoming accepts an already-open connection whose handshake has not
// yet been read, identifies the torrent by info-hash, and serves block
// requests until the peer disconnects or an error occurs. It registers and
// unregisters the session with the resolved Coordinator itself, since the
// Coordinator isn't known until the handshake is read.
func ServeIncoming(conn net.Conn, lookup CoordinatorLookup, selfPeerID [20]byte, cfg SessionConfig) error {
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	conn.SetDeadline(time.Now().Add(cfg.IOTimeout))
	hs, err := ReadHandshake(conn)
	if err != nil {
		return fmt.Errorf("incoming handshake from %s: %w", addr, err)
	}

	coord, tor, ok := lookup(hs.InfoHash)
	if !ok {
		return fmt.Errorf("%w: %x", ErrTorrentNotFound, hs.InfoHash)
	}

	resp := NewHandshake(hs.InfoHash, selfPeerID)
	conn.SetWriteDeadline(time.Now().Add(cfg.IOTimeout))
	if _, err := conn.Write(resp.Serialize()); err != nil {
		return fmt.Errorf("incoming handshake reply to %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	coord.PeerConnected(addr)
	defer coord.PeerDisconnected(addr)

	s := newSession(conn, tor, coord, cfg)
	s.peerChoked = true

	if err := s.sendBitfield(); err != nil {
		return err
	}

	return s.runSeeder()
}

func (s *PeerSession) sendBitfield() error {
	bf := s.coord.GetBitfield()
	return s.send(&Message{Type: MsgBitfield, Payload: bf})
}

// runSeeder unchokes the peer when it sends Interested and serves every
// Request message by reading from the Coordinator, until the peer
// disconnects or sends something invalid. Requests are served whether or
// not Interested has arrived.
func (s *PeerSession) runSeeder() error {
	for {
		msg, err := s.readMessage()
		if err != nil {
			return err
		}

		switch msg.Type {
		case MsgKeepAlive:
		case MsgInterested:
			s.peerInterested = true
			if s.peerChoked {
				s.peerChoked = false
				if err := s.send(&Message{Type: MsgUnchoke}); err != nil {
					return err
				}
			}
		case MsgNotInterested:
			if !s.peerInterested {
				return nil
			}
			s.peerInterested = false
		case MsgRequest:
			index, begin, length, err := ParseRequest(msg.Payload)
			if err != nil {
				return err
			}
			if err := s.serveRequest(index, begin, length); err != nil {
				return err
			}
		case MsgChoke, MsgUnchoke, MsgHave, MsgBitfield, MsgCancel, MsgPort:
			// nothing to do for the seeder side
		default:
			return fmt.Errorf("%w: %d", ErrUnknownID, msg.Type)
		}
	}
}

func (s *PeerSession) serveRequest(index, begin, length uint32) error {
	offset := int64(index)*s.tor.PieceLength + int64(begin)
	data, err := s.coord.GetPiece(int(index), offset, int(length))
	if err != nil {
		return fmt.Errorf("serving request piece=%d begin=%d len=%d: %w", index, begin, length, err)
	}
	msg := &Message{Type: MsgPiece, Payload: FormatPiece(index, begin, data)}
	return s.send(msg)
}
