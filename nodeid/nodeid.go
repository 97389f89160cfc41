// Package nodeid derives the stable identity used as the primary key
// for a node everywhere in the ledger.
package nodeid

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Width is the number of hex characters kept from the digest.
const Width = 12

// NodeID is the truncated content digest of a normalized descriptor.
type NodeID string

// Normalize trims the descriptor and removes embedded line breaks and
// spaces, so copies of the same descriptor that only differ in
// whitespace resolve to one node.
func Normalize(descriptor string) string {
	s := strings.TrimSpace(descriptor)
	return strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(s)
}

// ID returns the NodeID for a raw descriptor.
func ID(descriptor string) NodeID {
	sum := md5.Sum([]byte(Normalize(descriptor)))
	return NodeID(hex.EncodeToString(sum[:])[:Width])
}

// Short is the abbreviated form used in log lines.
func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

func (id NodeID) String() string {
	return string(id)
}
