// Package merkle computes the batch commitment: a binary hash tree over the
// ordered list of per-gossip hashes.
//
// Leaves are the decimal-string gossip hashes exactly as they appear in the
// batch. Interior nodes are hex sha256 over the concatenation of the two
// child strings. Levels with an odd node count duplicate the last node —
// the duplication rule is part of the wire contract, since the root is
// inside the creator-signed portion of every batch.

package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// Root computes the hex merkle root over the ordered leaves.
// A single leaf hashes once; an empty leaf list yields the hash of the
// empty string so the root is always well-defined.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return hashPair("", "")
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}

	if len(leaves) == 1 {
		return hashPair(level[0], "")
	}
	return level[0]
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
