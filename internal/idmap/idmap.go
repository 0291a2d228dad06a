// Package idmap translates simulator node identifiers into the emulator's
// sequential node identifier space.
package idmap

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// DefaultBase is the first emulator id handed out. Emulator id 0 addresses
// every node, so assignment starts above it.
const DefaultBase uint16 = 1

// ErrExhausted indicates that no emulator id is left to assign.
var ErrExhausted = errors.New("emulator id space exhausted")

// Translator assigns emulator ids lazily in first-seen order. Assignments
// are permanent for the lifetime of the Translator.
type Translator struct {
	mu    sync.RWMutex
	base  uint16
	next  uint32
	table map[uint32]uint16
}

// New returns an empty translator whose first assignment is base.
func New(base uint16) *Translator {
	return &Translator{
		base:  base,
		next:  uint32(base),
		table: make(map[uint32]uint16),
	}
}

// LookupOrAssign returns the emulator id for simID, assigning the next free
// one on first sight.
func (t *Translator) LookupOrAssign(simID uint32) (uint16, error) {
	t.mu.RLock()
	id, ok := t.table[simID]
	t.mu.RUnlock()
	if ok {
		return id, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.table[simID]; ok {
		return id, nil
	}
	if t.next > math.MaxUint16 {
		return 0, fmt.Errorf("assign simulator id %d: %w (%d ids in use)", simID, ErrExhausted, len(t.table))
	}
	id = uint16(t.next)
	t.table[simID] = id
	t.next++
	return id, nil
}

// Len is the number of assigned ids.
func (t *Translator) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.table)
}
