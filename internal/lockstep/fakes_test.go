package lockstep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/emane-bridge/internal/record"
	"github.com/signalsfoundry/emane-bridge/internal/shm"
	"github.com/signalsfoundry/emane-bridge/model"
)

// memStore stands in for the simulator's shared memory objects.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	torn    map[string]map[int]int
	onWrite func(name string)
}

func newMemStore() *memStore {
	return &memStore{
		data: make(map[string][]byte),
		torn: make(map[string]map[int]int),
	}
}

func (m *memStore) set(name string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), b...)
}

func (m *memStore) get(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[name]...)
}

// tear makes the next reads of the slot at offset return a different
// value each time, count times.
func (m *memStore) tear(name string, offset, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.torn[name] == nil {
		m.torn[name] = make(map[int]int)
	}
	m.torn[name][offset] = count
}

type memSegment struct {
	store    *memStore
	name     string
	size     int
	access   shm.Access
	released atomic.Int32
}

func (s *memSegment) Read(offset, length int) ([]byte, error) {
	if s.released.Load() > 0 {
		return nil, shm.ErrReleased
	}
	if offset < 0 || length < 0 || offset+length > s.size {
		return nil, shm.ErrOutOfRange
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	out := append([]byte(nil), s.store.data[s.name][offset:offset+length]...)
	if rem := s.store.torn[s.name][offset]; rem > 0 && length > 0 {
		out[length-1] ^= byte(rem)
		s.store.torn[s.name][offset] = rem - 1
	}
	return out, nil
}

func (s *memSegment) Write(offset int, b []byte) error {
	if s.released.Load() > 0 {
		return shm.ErrReleased
	}
	if s.access != shm.ReadWrite {
		return errors.New("segment is read-only")
	}
	if offset < 0 || offset+len(b) > s.size {
		return shm.ErrOutOfRange
	}
	s.store.mu.Lock()
	copy(s.store.data[s.name][offset:], b)
	hook := s.store.onWrite
	s.store.mu.Unlock()
	if hook != nil {
		hook(s.name)
	}
	return nil
}

func (s *memSegment) Size() int { return s.size }

func (s *memSegment) Release() error {
	s.released.Add(1)
	return nil
}

type fakeAttacher struct {
	store *memStore
	// onAttach runs after each successful attach.
	onAttach func(name string)

	mu       sync.Mutex
	segments []*memSegment
	resizes  int
}

func (a *fakeAttacher) attach(name string, size int, access shm.Access) (*memSegment, error) {
	a.store.mu.Lock()
	data, ok := a.store.data[name]
	a.store.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if len(data) < size {
		return nil, fmt.Errorf("attach %s: %w", name, shm.ErrSegmentTooSmall)
	}
	seg := &memSegment{store: a.store, name: name, size: size, access: access}
	a.mu.Lock()
	a.segments = append(a.segments, seg)
	hook := a.onAttach
	a.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return seg, nil
}

func (a *fakeAttacher) WaitAndAttach(ctx context.Context, name string, size int, pollInterval time.Duration, access shm.Access) (Segment, error) {
	for {
		seg, err := a.attach(name, size, access)
		if err != nil && !errors.Is(err, shm.ErrSegmentTooSmall) {
			return nil, err
		}
		if seg != nil {
			return seg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (a *fakeAttacher) ResizeAttach(seg Segment, newSize int) (Segment, error) {
	old := seg.(*memSegment)
	next, err := a.attach(old.name, newSize, old.access)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, shm.ErrSegmentTooSmall
	}
	_ = old.Release()
	a.mu.Lock()
	a.resizes++
	a.mu.Unlock()
	return next, nil
}

func (a *fakeAttacher) handed() []*memSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*memSegment(nil), a.segments...)
}

type fakeSignaller struct {
	pid int

	mu      sync.Mutex
	dead    bool
	probes  int
	resumed []int
	waits   int
}

func (s *fakeSignaller) Pid() int { return s.pid }

func (s *fakeSignaller) Alive(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if s.dead {
		return fmt.Errorf("probe pid %d: %w", pid, ErrPeerUnreachable)
	}
	return nil
}

func (s *fakeSignaller) Resume(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = append(s.resumed, pid)
	return nil
}

func (s *fakeSignaller) WaitForPeer(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits++
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	nodes     []model.Node
	err       error
	onPublish func(n model.Node, total int)
}

// fakeFrameSize is the byte count fakePublisher reports per event.
const fakeFrameSize = 64

func (p *fakePublisher) Publish(ctx context.Context, n model.Node) (int, error) {
	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	total := len(p.nodes)
	hook := p.onPublish
	err := p.err
	p.mu.Unlock()
	if hook != nil {
		hook(n, total)
	}
	return fakeFrameSize, err
}

func (p *fakePublisher) published() []model.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Node(nil), p.nodes...)
}

type stateLog struct {
	mu     sync.Mutex
	states []string
	on     func(string)
}

func (l *stateLog) SetState(s string) {
	l.mu.Lock()
	l.states = append(l.states, s)
	hook := l.on
	l.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (l *stateLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.states...)
}

func metaBytes(codec record.Codec, m record.MetadataRecord) []byte {
	return codec.EncodeMetadata(m)
}

func poseBytes(codec record.Codec, poses ...record.PoseRecord) []byte {
	out := make([]byte, 0, len(poses)*codec.PoseSize())
	for _, p := range poses {
		out = append(out, codec.EncodePose(p)...)
	}
	return out
}

// captureChannel keeps every frame handed to it.
type captureChannel struct {
	mu     sync.Mutex
	frames [][]byte
	onSend func(total int)
}

func (c *captureChannel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	total := len(c.frames)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(total)
	}
	return nil
}

func (c *captureChannel) Close() error { return nil }

func (c *captureChannel) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}
