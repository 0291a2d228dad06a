// Package nodes keeps the per-node state mirrored from the pose segment.
package nodes

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/emane-bridge/model"
)

// Translator resolves simulator ids to emulator ids.
type Translator interface {
	LookupOrAssign(simID uint32) (uint16, error)
}

// MetricsRecorder receives the node count whenever it changes.
type MetricsRecorder interface {
	SetNodeCount(n int)
}

// Option customises a Table.
type Option func(*Table)

// WithMetricsRecorder attaches an optional recorder for the node count.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(t *Table) {
		t.metrics = m
	}
}

// Table holds one entry per node ever observed, in creation order. Entries
// are never removed: the emulator cannot drop radio nodes mid-run.
type Table struct {
	mu sync.RWMutex

	translator Translator
	nodes      []model.Node
	// bySimID indexes nodes by simulator id.
	bySimID map[uint32]int

	metrics MetricsRecorder
}

// New returns an empty table that assigns emulator ids through tr.
func New(tr Translator, opts ...Option) *Table {
	t := &Table{
		translator: tr,
		bySimID:    make(map[uint32]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ApplyPose overwrites the position of the node reported as simID,
// creating the node on first sight. It returns a copy of the updated node.
func (t *Table) ApplyPose(simID uint32, lat, lon, alt float64) (model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.bySimID[simID]
	if !ok {
		emuID, err := t.translator.LookupOrAssign(simID)
		if err != nil {
			return model.Node{}, fmt.Errorf("translate simulator id %d: %w", simID, err)
		}
		t.nodes = append(t.nodes, model.Node{EmulatorID: emuID, SimulatorID: simID})
		idx = len(t.nodes) - 1
		t.bySimID[simID] = idx
		if t.metrics != nil {
			t.metrics.SetNodeCount(len(t.nodes))
		}
	}

	n := &t.nodes[idx]
	n.Position = model.Position{Lat: lat, Lon: lon, Alt: alt}
	return *n, nil
}

// GrowTo makes room for at least count nodes. It never shrinks the table.
func (t *Table) GrowTo(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if count <= cap(t.nodes) {
		return
	}
	grown := make([]model.Node, len(t.nodes), count)
	copy(grown, t.nodes)
	t.nodes = grown
}

// All returns a snapshot of every node in creation order.
func (t *Table) All() []model.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Update applies fn to the node reported as simID. It reports whether the
// node exists.
func (t *Table) Update(simID uint32, fn func(*model.Node)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.bySimID[simID]
	if !ok {
		return false
	}
	fn(&t.nodes[idx])
	return true
}

// ResetSent clears the per-iteration sent counter on every node.
func (t *Table) ResetSent() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.nodes {
		t.nodes[i].ResetSent()
	}
}

// Len is the number of nodes created so far.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Cap is the number of nodes the table can hold without reallocating.
func (t *Table) Cap() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cap(t.nodes)
}
