package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Identifier prefixes for the entity types persisted in the ledger.
const (
	TaskIDPrefix = "task"
	RunIDPrefix  = "wf"
)

// idHexLength is the number of hex characters kept from the digest.
const idHexLength = 12

// NewID generates a collision-resistant identifier of the form
// "<prefix>-<hex>". The hex portion is a truncated SHA-256 digest of the
// current nanosecond timestamp and a random 64-bit value. Generation retries
// while exists reports the candidate as taken.
func NewID(prefix string, exists func(string) bool) string {
	for {
		var buf [16]byte

		binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))

		if _, err := rand.Read(buf[8:]); err != nil {
			// crypto/rand never fails on supported platforms; keep the
			// timestamp entropy and continue rather than panic.
			binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().UnixNano()))
		}

		digest := sha256.Sum256(buf[:])
		id := prefix + "-" + hex.EncodeToString(digest[:])[:idHexLength]

		if exists == nil || !exists(id) {
			return id
		}
	}
}

// ChildID derives an identifier for a sub-invocation of a parent entity.
func ChildID(parent string, index int) string {
	return fmt.Sprintf("%s.%d", parent, index)
}
