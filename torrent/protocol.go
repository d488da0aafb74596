package torrent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Constants for BitTorrent protocol
const (
	ProtocolIdentifier = "BitTorrent protocol"
	BlockSize          = 16 * 1024 // 16 KiB block size for requests
	MaxBacklog         = 5         // default number of block requests to keep pipelined

	// readCapMultiple bounds the largest payload this codec will allocate
	// for a single incoming message, defending against a peer declaring a
	// huge length prefix.
	readCapMultiple = 10
	maxPayloadLen   = readCapMultiple * BlockSize
)

// Protocol-level errors. These are fatal to the session that hits them.
var (
	ErrBadHandshake    = errors.New("torrent: bad handshake")
	ErrUnknownID       = errors.New("torrent: unknown message id")
	ErrOversizePayload = errors.New("torrent: oversize message payload")
	ErrBadBitfield     = errors.New("torrent: invalid bitfield length")
)

// MessageType identifies the type of a BitTorrent message.
type MessageType uint8

// Message types defined by the BitTorrent protocol.
const (
	MsgChoke         MessageType = 0
	MsgUnchoke       MessageType = 1
	MsgInterested    MessageType = 2
	MsgNotInterested MessageType = 3
	MsgHave          MessageType = 4
	MsgBitfield      MessageType = 5
	MsgRequest       MessageType = 6
	MsgPiece         MessageType = 7
	MsgCancel        MessageType = 8
	MsgPort          MessageType = 9   // Typically not used by download clients
	MsgKeepAlive     MessageType = 255 // Special case, no ID, zero length
)

// knownMessageIDs are the ids ReadMessage will accept; anything else fails
// with ErrUnknownID.
var knownMessageIDs = map[MessageType]bool{
	MsgChoke: true, MsgUnchoke: true, MsgInterested: true, MsgNotInterested: true,
	MsgHave: true, MsgBitfield: true, MsgRequest: true, MsgPiece: true,
	MsgCancel: true, MsgPort: true,
}

// Message represents a generic BitTorrent message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Handshake represents the initial handshake message.
type Handshake struct {
	Pstrlen  uint8
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake creates a new Handshake message.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstrlen:  uint8(len(ProtocolIdentifier)),
		Pstr:     ProtocolIdentifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize converts the Handshake struct into a byte slice.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(h.Pstr))
	buf[0] = h.Pstrlen
	copy(buf[1:], h.Pstr)
	copy(buf[1+len(h.Pstr)+8:], h.InfoHash[:])
	copy(buf[1+len(h.Pstr)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and parses a Handshake message from the reader. It
// fails with ErrBadHandshake on length mismatch or a protocol string that
// doesn't match ProtocolIdentifier.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lengthBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lengthBuf[0])
	if pstrlen != len(ProtocolIdentifier) {
		return nil, fmt.Errorf("%w: pstrlen %d", ErrBadHandshake, pstrlen)
	}

	handshakeBuf := make([]byte, 48+pstrlen)
	if _, err := io.ReadFull(r, handshakeBuf); err != nil {
		return nil, err
	}

	pstr := string(handshakeBuf[:pstrlen])
	if pstr != ProtocolIdentifier {
		return nil, fmt.Errorf("%w: protocol string %q", ErrBadHandshake, pstr)
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrlen+8:pstrlen+8+20])
	copy(peerID[:], handshakeBuf[pstrlen+8+20:])

	h := &Handshake{
		Pstrlen:  uint8(pstrlen),
		Pstr:     pstr,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	copy(h.Reserved[:], handshakeBuf[pstrlen:pstrlen+8])

	return h, nil
}

// PerformHandshake performs the BitTorrent handshake with a peer as the
// initiating (outgoing) side.
func PerformHandshake(conn net.Conn, infoHash, selfPeerID [20]byte, timeout time.Duration) (*Handshake, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	req := NewHandshake(infoHash, selfPeerID)
	if _, err := conn.Write(req.Serialize()); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	res, err := ReadHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}
	if res.InfoHash != infoHash {
		return nil, fmt.Errorf("%w: infohash mismatch", ErrBadHandshake)
	}

	return res, nil
}

// Serialize converts a Message struct into a byte slice for sending.
// Format: <length prefix (4 bytes)><message ID (1 byte)><payload>
// KeepAlive messages have length 0 and no ID or payload.
func (m *Message) Serialize() []byte {
	if m.Type == MsgKeepAlive {
		return make([]byte, 4) // Length prefix of 0
	}
	length := uint32(1 + len(m.Payload)) // Message ID + Payload length
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads a message from the connection. Unknown ids fail with
// ErrUnknownID; a declared payload (length minus the id byte) larger than
// the read cap fails with ErrOversizePayload without allocating the buffer.
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)

	// KeepAlive message
	if length == 0 {
		return &Message{Type: MsgKeepAlive}, nil
	}

	if length-1 > maxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizePayload, length-1)
	}

	messageBuf := make([]byte, length)
	if _, err := io.ReadFull(r, messageBuf); err != nil {
		return nil, err
	}

	msgType := MessageType(messageBuf[0])
	if !knownMessageIDs[msgType] {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, msgType)
	}

	return &Message{Type: msgType, Payload: messageBuf[1:]}, nil
}

// FormatRequest creates the payload for a Request or Cancel message.
func FormatRequest(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseRequest extracts index, begin, and length from a Request/Cancel payload.
func ParseRequest(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		err = fmt.Errorf("request payload invalid length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// FormatPiece creates the payload for a Piece message.
func FormatPiece(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return payload
}

// ParsePiece extracts index, begin, and data from a Piece message payload.
func ParsePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		err = fmt.Errorf("piece payload too short: %d bytes", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return
}

// FormatHave creates the payload for a Have message.
func FormatHave(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return payload
}

// ParseHave extracts the piece index from a Have message payload.
func ParseHave(payload []byte) (index uint32, err error) {
	if len(payload) != 4 {
		err = fmt.Errorf("have payload invalid length: %d", len(payload))
		return
	}
	index = binary.BigEndian.Uint32(payload)
	return
}

// FormatPort creates the payload for a Port message.
func FormatPort(port uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return payload
}
