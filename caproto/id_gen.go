package caproto

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// IDGenerator issues 32-bit ids for channels and pending I/O.
//
// The first id is drawn from a cryptographically secure source so that ids of a restarted
// client do not collide with stale ids still known to a server. Zero is never issued.
type IDGenerator struct {
	id atomic.Uint32
}

// NewIDGenerator creates an IDGenerator with a random starting point.
func NewIDGenerator() *IDGenerator {
	gen := &IDGenerator{}

	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return gen
	}
	gen.id.Store(binary.LittleEndian.Uint32(buf[:]))

	return gen
}

// Next returns the next id.
func (g *IDGenerator) Next() uint32 {
	for {
		if id := g.id.Add(1); id != 0 {
			return id
		}
	}
}

// NextFree returns the next id for which inUse reports false.
// It is used after the counter wraps so that an outstanding id is never issued twice.
func (g *IDGenerator) NextFree(inUse func(id uint32) bool) uint32 {
	for {
		id := g.Next()
		if inUse == nil || !inUse(id) {
			return id
		}
	}
}
