package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// PieceStatus is the tagged state of a single piece index.
type PieceStatus int

const (
	Free PieceStatus = iota
	Downloading
	Finished
)

func (s PieceStatus) String() string {
	switch s {
	case Free:
		return "free"
	case Downloading:
		return "downloading"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Coordination and integrity errors. These are
// programming-logic or piece-local errors; callers decide whether to
// retry, abort, or propagate — the Coordinator never retries internally.
var (
	ErrInvalidPieceIndex    = errors.New("torrent: invalid piece index")
	ErrPieceNotDownloading  = errors.New("torrent: piece is not downloading")
	ErrPieceNotFinished     = errors.New("torrent: piece is not finished")
	ErrHashMismatch         = errors.New("torrent: piece hash mismatch")
	ErrRangeOutsideFile     = errors.New("torrent: requested range outside file")
	ErrNoPeersConnected     = errors.New("torrent: no peers connected")
)

// PeerSessionStatus is a UI-facing snapshot of one peer connection, updated
// by the owning Peer Session and read by reporting code.
type PeerSessionStatus struct {
	Choked          bool
	Interested      bool
	PeerChoked      bool
	PeerInterested  bool
	DownloadKbps    float64
	UploadKbps      float64
}

// Stats is an aggregate snapshot of a Coordinator, used for CLI/UI reporting.
type Stats struct {
	TotalPieces       int
	Free              int
	Downloading       int
	Finished          int
	ConnectedPeers    int32
	Peers             map[string]PeerSessionStatus
}

// disconnectEventCap bounds the semaphore channel the Handler blocks on.
// The payload is a hint, not a guarantee: the channel drops events under
// backpressure rather than blocking the disconnecting session.
const disconnectEventCap = 16

// Coordinator owns the piece-status map for a single torrent and is the
// single point of serialization for piece-state transitions. A single
// mutex guards piece_status; the free/downloading/finished counters are
// atomics so they can be read lock-free, while their writes happen inside
// the mutex. The connected-peer count is an atomic updated without the
// mutex.
type Coordinator struct {
	tor     *Torrent
	storage *Storage

	mu          sync.Mutex
	pieceStatus []PieceStatus

	freeCount       int64
	downloadingCount int64
	finishedCount   int64

	connectedPeers int64

	peerMu       sync.Mutex
	peerSessions map[string]PeerSessionStatus

	disconnectEvents chan int64

	totalPieces    int
	lastPieceSize  int64

	// onPieceFinished, if set, is called once per piece the moment it
	// transitions to Finished, outside any lock. It lets callers mirror
	// progress into external storage (a database, a UI) without the
	// Coordinator depending on what that storage is.
	onPieceFinished func(index int)
}

// OnPieceFinished registers fn to be called once for every piece index as
// it transitions to Finished. Only one observer is supported; call before
// the Coordinator starts serving sessions.
func (c *Coordinator) OnPieceFinished(fn func(index int)) {
	c.onPieceFinished = fn
}

// NewCoordinator creates a Coordinator for tor, with all pieces initially
// Free, and its on-disk file pre-allocated under storage's root.
func NewCoordinator(tor *Torrent, storage *Storage) (*Coordinator, error) {
	total := len(tor.Pieces)
	if total == 0 {
		return nil, fmt.Errorf("torrent: torrent has no pieces")
	}
	lastSize := tor.Length - int64(total-1)*tor.PieceLength
	if lastSize <= 0 || lastSize > tor.PieceLength {
		lastSize = tor.PieceLength
	}

	c := &Coordinator{
		tor:              tor,
		storage:          storage,
		pieceStatus:      make([]PieceStatus, total),
		freeCount:        int64(total),
		peerSessions:     make(map[string]PeerSessionStatus),
		disconnectEvents: make(chan int64, disconnectEventCap),
		totalPieces:      total,
		lastPieceSize:    lastSize,
	}

	if err := storage.CreateEmptyFile(tor.Name, tor.Length); err != nil {
		return nil, err
	}

	return c, nil
}

// TotalPieces returns the piece count this torrent was constructed with.
func (c *Coordinator) TotalPieces() int { return c.totalPieces }

// PieceLength returns the length of piece i (the last piece may be short).
func (c *Coordinator) PieceLength(i int) int64 {
	if i == c.totalPieces-1 {
		return c.lastPieceSize
	}
	return c.tor.PieceLength
}

// DisconnectEvents exposes the bounded channel the Handler waits on as a
// semaphore for peer-slot availability.
func (c *Coordinator) DisconnectEvents() <-chan int64 { return c.disconnectEvents }

// ConnectedPeers returns the current connected-peer count, lock-free.
func (c *Coordinator) ConnectedPeers() int64 { return atomic.LoadInt64(&c.connectedPeers) }

// PeerConnected registers peer and increments the connected-peer counter.
func (c *Coordinator) PeerConnected(peer string) {
	atomic.AddInt64(&c.connectedPeers, 1)
	c.peerMu.Lock()
	c.peerSessions[peer] = PeerSessionStatus{Choked: true, PeerChoked: true}
	c.peerMu.Unlock()
}

// PeerDisconnected decrements the connected-peer counter, removes the
// peer's status snapshot, and pushes the post-decrement count into the
// disconnect-events channel. The send is non-blocking: under backpressure
// the event is dropped, since only the edge matters to the Handler.
func (c *Coordinator) PeerDisconnected(peer string) {
	remaining := atomic.AddInt64(&c.connectedPeers, -1)
	c.peerMu.Lock()
	delete(c.peerSessions, peer)
	c.peerMu.Unlock()

	select {
	case c.disconnectEvents <- remaining:
	default:
	}
}

// UpdatePeerSessionStatus replaces the UI-facing snapshot for peer.
func (c *Coordinator) UpdatePeerSessionStatus(peer string, status PeerSessionStatus) {
	c.peerMu.Lock()
	c.peerSessions[peer] = status
	c.peerMu.Unlock()
}

// SelectPiece atomically picks the next piece to request against a remote
// bitfield:
//
//  1. If any piece is Free and the peer has it, the first such index is
//     marked Downloading and returned.
//  2. Otherwise, if free_count == 0 (end-game), a uniformly random
//     Downloading index is returned without mutation — duplicate concurrent
//     downloads of that index are expected and resolved by the first
//     committer winning in PieceDownloaded.
//  3. Otherwise there is nothing this peer can usefully serve right now.
func (c *Coordinator) SelectPiece(remote Bitfield) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if atomic.LoadInt64(&c.freeCount) > 0 {
		for i, st := range c.pieceStatus {
			if st == Free && remote.HasPiece(i) {
				c.pieceStatus[i] = Downloading
				atomic.AddInt64(&c.freeCount, -1)
				atomic.AddInt64(&c.downloadingCount, 1)
				return i, true
			}
		}
		return 0, false
	}

	var candidates []int
	for i, st := range c.pieceStatus {
		if st == Downloading {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// PieceDownloaded validates bytes against the torrent's recorded SHA-1 for
// piece i and, on success, persists it and marks the piece Finished. If the
// piece is already Finished (an end-game duplicate), this is a no-op
// success. On hash mismatch the piece remains Downloading and the caller is
// expected to call PieceAborted.
func (c *Coordinator) PieceDownloaded(i int, data []byte) error {
	if i < 0 || i >= c.totalPieces {
		return fmt.Errorf("%w: %d", ErrInvalidPieceIndex, i)
	}

	c.mu.Lock()
	status := c.pieceStatus[i]
	if status == Finished {
		c.mu.Unlock()
		return nil
	}
	if status != Downloading {
		c.mu.Unlock()
		return fmt.Errorf("%w: piece %d is %s", ErrPieceNotDownloading, i, status)
	}

	sum := sha1.Sum(data)
	expected := c.tor.Pieces[i]
	actual := fmt.Sprintf("%x", sum)
	if actual != expected {
		c.mu.Unlock()
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, i)
	}
	c.mu.Unlock()

	offset := int64(i) * c.tor.PieceLength
	if err := c.storage.SaveBlock(c.tor.Name, offset, data); err != nil {
		return err
	}

	c.mu.Lock()
	if c.pieceStatus[i] == Finished {
		// Another end-game commit won the race while we were writing to disk.
		c.mu.Unlock()
		return nil
	}
	c.pieceStatus[i] = Finished
	atomic.AddInt64(&c.downloadingCount, -1)
	atomic.AddInt64(&c.finishedCount, 1)
	c.mu.Unlock()

	if c.onPieceFinished != nil {
		c.onPieceFinished(i)
	}
	return nil
}

// PieceAborted returns piece i to Free. In end-game, if another session
// already finished it, this is a no-op success.
func (c *Coordinator) PieceAborted(i int) error {
	if i < 0 || i >= c.totalPieces {
		return fmt.Errorf("%w: %d", ErrInvalidPieceIndex, i)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pieceStatus[i] == Finished {
		return nil
	}
	if c.pieceStatus[i] != Downloading {
		return fmt.Errorf("%w: piece %d is %s", ErrPieceNotDownloading, i, c.pieceStatus[i])
	}
	c.pieceStatus[i] = Free
	atomic.AddInt64(&c.downloadingCount, -1)
	atomic.AddInt64(&c.freeCount, 1)
	return nil
}

// GetPiece reads length bytes at absoluteOffset from a Finished piece i,
// for serving upload requests. Status is read under the lock; the disk
// read happens outside it.
func (c *Coordinator) GetPiece(i int, absoluteOffset int64, length int) ([]byte, error) {
	if i < 0 || i >= c.totalPieces {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPieceIndex, i)
	}

	c.mu.Lock()
	status := c.pieceStatus[i]
	c.mu.Unlock()

	if status != Finished {
		return nil, fmt.Errorf("%w: piece %d is %s", ErrPieceNotFinished, i, status)
	}
	if absoluteOffset < 0 || absoluteOffset+int64(length) > c.tor.Length {
		return nil, fmt.Errorf("%w: offset %d length %d", ErrRangeOutsideFile, absoluteOffset, length)
	}

	return c.storage.ReadBlock(c.tor.Name, absoluteOffset, length)
}

// MarkVerified transitions a Free piece directly to Finished without going
// through Downloading, for seeding content whose integrity the caller has
// confirmed on disk (SeedTorrent hashes each piece first). Resuming a
// partial download across restarts is out of scope; this is for serving a
// file within the same run it was verified in, e.g. the "serve" CLI path.
func (c *Coordinator) MarkVerified(i int) error {
	if i < 0 || i >= c.totalPieces {
		return fmt.Errorf("%w: %d", ErrInvalidPieceIndex, i)
	}

	c.mu.Lock()
	if c.pieceStatus[i] == Finished {
		c.mu.Unlock()
		return nil
	}
	if c.pieceStatus[i] != Free {
		c.mu.Unlock()
		return fmt.Errorf("%w: piece %d is %s", ErrPieceNotFinished, i, c.pieceStatus[i])
	}
	c.pieceStatus[i] = Finished
	atomic.AddInt64(&c.freeCount, -1)
	atomic.AddInt64(&c.finishedCount, 1)
	c.mu.Unlock()

	if c.onPieceFinished != nil {
		c.onPieceFinished(i)
	}
	return nil
}

// GetBitfield snapshots the current piece-status map into a bitfield.
func (c *Coordinator) GetBitfield() Bitfield {
	c.mu.Lock()
	snapshot := make([]PieceStatus, len(c.pieceStatus))
	copy(snapshot, c.pieceStatus)
	c.mu.Unlock()
	return FromPieceStatus(snapshot)
}

// IsFinished reports whether every piece has been hash-validated and
// persisted.
func (c *Coordinator) IsFinished() bool {
	return atomic.LoadInt64(&c.finishedCount) == int64(c.totalPieces)
}

// Stats returns a point-in-time snapshot for reporting.
func (c *Coordinator) Stats() Stats {
	c.peerMu.Lock()
	peers := make(map[string]PeerSessionStatus, len(c.peerSessions))
	for k, v := range c.peerSessions {
		peers[k] = v
	}
	c.peerMu.Unlock()

	return Stats{
		TotalPieces:    c.totalPieces,
		Free:           int(atomic.LoadInt64(&c.freeCount)),
		Downloading:    int(atomic.LoadInt64(&c.downloadingCount)),
		Finished:       int(atomic.LoadInt64(&c.finishedCount)),
		ConnectedPeers: int32(atomic.LoadInt64(&c.connectedPeers)),
		Peers:          peers,
	}
}
