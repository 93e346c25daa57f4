package routing

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDSize is the width of a node identifier in bytes (512 bits).
const IDSize = 64

// NodeID identifies a peer in the overlay. Closeness between two ids is
// their XOR distance: smaller means closer.
type NodeID [IDSize]byte

// ParseNodeID decodes a hex-encoded node id as carried on the wire.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(raw) != IDSize {
		return id, fmt.Errorf("invalid node id length %d, want %d", len(raw), IDSize)
	}
	copy(id[:], raw)
	return id, nil
}

// RandomNodeID returns a uniformly random id. Used for tests and for
// bucket refresh targets.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// Hex returns the full hex encoding used on the wire.
func (n NodeID) Hex() string {
	return hex.EncodeToString(n[:])
}

// String returns a shortened form for logs.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:4]) + ".."
}

// IsZero reports whether the id is all zero bytes. A zero id is never a
// valid peer identity.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Distance returns the XOR distance between n and other.
func (n NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := 0; i < IDSize; i++ {
		d[i] = n[i] ^ other[i]
	}
	return d
}

// CommonLeadingBits counts the shared prefix bits between n and other,
// which is the bucket index of other relative to n.
func (n NodeID) CommonLeadingBits(other NodeID) int {
	for i := 0; i < IDSize; i++ {
		x := n[i] ^ other[i]
		if x != 0 {
			bit := 0
			for mask := byte(0x80); mask > 0 && x&mask == 0; mask >>= 1 {
				bit++
			}
			return i*8 + bit
		}
	}
	return IDSize * 8
}

// CloserToTarget reports whether a is strictly closer to target than b.
// Ties in distance are broken by the lower numeric id.
func CloserToTarget(a, b, target NodeID) bool {
	da := a.Distance(target)
	db := b.Distance(target)
	switch bytes.Compare(da[:], db[:]) {
	case -1:
		return true
	case 1:
		return false
	default:
		return bytes.Compare(a[:], b[:]) < 0
	}
}
