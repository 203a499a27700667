package protocol

import (
	"encoding/hex"
	"errors"
)

// PeerIDSize is the length of a peer identifier in bytes.
const PeerIDSize = 8

// PeerID identifies a node on the mesh. It is derived from the node's
// encryption public key and rendered as 16 hex characters in logs and
// the CLI.
type PeerID [PeerIDSize]byte

// BroadcastID is the reserved recipient meaning "every node".
var BroadcastID = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

var ErrInvalidPeerID = errors.New("protocol: invalid peer ID")

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// IsBroadcast reports whether p is the reserved broadcast recipient.
func (p PeerID) IsBroadcast() bool {
	return p == BroadcastID
}

// IsZero reports whether p is unset.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// PeerIDFromHex parses a 16-character hex peer ID.
func PeerIDFromHex(s string) (PeerID, error) {
	var out PeerID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PeerIDSize {
		return out, ErrInvalidPeerID
	}
	copy(out[:], b)
	return out, nil
}
