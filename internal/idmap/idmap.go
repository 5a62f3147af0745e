// Package idmap implements the two-way mapping between a gateway-local
// asset id and its mirrored id in the manager (spec §4.1).
package idmap

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"sync"

	"github.com/coreiot/gatewaysync/internal/gwerrors"
)

// idLength is the fixed width of an asset id in this system (spec §3:
// "22-char high-entropy").
const idLength = 22

// encoding produces URL-safe, unpadded strings; truncating a SHA-256
// digest through it gives a deterministic 22-char id.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Mapper derives mirrored ids from (gatewayID, localID) pairs with a
// stable keyed hash, and maintains the reverse lookup needed because
// the hash is not invertible (spec §4.1).
//
// The hash key is fixed at construction and must never change for the
// lifetime of a manager's data: changing it invalidates every existing
// mirror mapping.
type Mapper struct {
	key []byte

	mu      sync.RWMutex
	reverse map[string]map[string]string // gatewayID -> mirrorID -> localID
}

// New returns a Mapper keyed by key. In production key is a secret
// provisioned at deployment time and never rotated (spec §4.1).
func New(key []byte) *Mapper {
	return &Mapper{
		key:     key,
		reverse: make(map[string]map[string]string),
	}
}

// MapID returns the deterministic mirror id for (gatewayID, localID)
// and records the reverse mapping so UnmapID can later recover
// localID. Calling MapID again with the same inputs is idempotent.
func (m *Mapper) MapID(gatewayID, localID string) string {
	mirrorID := m.hash(gatewayID, localID)

	m.mu.Lock()
	defer m.mu.Unlock()
	byMirror, ok := m.reverse[gatewayID]
	if !ok {
		byMirror = make(map[string]string)
		m.reverse[gatewayID] = byMirror
	}
	if existing, ok := byMirror[mirrorID]; ok && existing != localID {
		// Statistically near-impossible. MapID panics rather than
		// overwrite the existing mapping; no caller recovers the panic,
		// so a collision is not confined to the single offending asset.
		panic(gwerrors.New(gwerrors.DuplicateMapping,
			fmt.Sprintf("mirror id %s already maps to a different local id under gateway %s", mirrorID, gatewayID)))
	}
	byMirror[mirrorID] = localID
	return mirrorID
}

// UnmapID returns the local id that produced mirrorID under gatewayID,
// or false if no mapping has been recorded (the mirror was never
// created, or belongs to a different gateway).
func (m *Mapper) UnmapID(gatewayID, mirrorID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byMirror, ok := m.reverse[gatewayID]
	if !ok {
		return "", false
	}
	localID, ok := byMirror[mirrorID]
	return localID, ok
}

// Forget drops every reverse mapping recorded for gatewayID, called
// when the gateway's mirrored subtree is torn down (spec §4.4 gateway
// deletion).
func (m *Mapper) Forget(gatewayID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reverse, gatewayID)
}

func (m *Mapper) hash(gatewayID, localID string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(gatewayID))
	mac.Write([]byte{0}) // separator: ids are fixed-length but be defensive
	mac.Write([]byte(localID))
	sum := mac.Sum(nil)
	encoded := encoding.EncodeToString(sum)
	return encoded[:idLength]
}
