package snapshot

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Digest computes the content hash of a snapshot's canonical serialization.
// xxhash-64 is not cryptographic; at this data scale a digest match is
// treated as full equality with no semantic fallback. Stable across
// architectures because it hashes the canonical bytes, not in-memory state.
func Digest(snap *Snapshot) (string, error) {
	data, err := Canonical(snap)
	if err != nil {
		return "", err
	}
	sum := xxhash.Sum64(data)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:]), nil
}
