package torrent

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
)

// peerIDPrefix identifies this client in the vendor-prefixed convention
// BitTorrent peer ids commonly use (e.g. "-GT0001-" for gtorrent 0.0.1).
const peerIDPrefix = "-GT0001-"

type Peer struct {
	ID   string
	IP   string
	Port uint16
}

// PeerMe builds the local client's identity: a 20-byte vendor-prefixed peer
// id, the externally visible IP, and the configured listen port.
func PeerMe(port uint16) *Peer {
	id := make([]byte, 20-len(peerIDPrefix))
	rand.Read(id)

	return &Peer{
		ID:   peerIDPrefix + string(id),
		IP:   externalIP(),
		Port: port,
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// PeerID returns the peer identity as the fixed 20-byte array the wire
// codec's Handshake expects.
func (p *Peer) PeerID() [20]byte {
	var id [20]byte
	copy(id[:], p.ID)
	return id
}

func externalIP() string {
	ipService := "https://api.ipify.org/"

	resp, err := http.Get(ipService)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}

	return string(respBytes)
}
