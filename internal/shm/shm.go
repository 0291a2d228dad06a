// Package shm attaches to named POSIX shared memory segments created by
// another process and exposes bounds-checked reads and writes over them.
package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/edsrzf/mmap-go"
	"github.com/signalsfoundry/emane-bridge/internal/logging"
)

// DefaultDir is where Linux exposes shm_open objects.
const DefaultDir = "/dev/shm"

var (
	// ErrAttachTimeout indicates the segment did not appear within the
	// configured attach budget.
	ErrAttachTimeout = errors.New("timed out waiting for shared memory segment")
	// ErrSegmentTooSmall indicates the segment exists but is shorter than
	// the caller needs.
	ErrSegmentTooSmall = errors.New("shared memory segment too small")
	// ErrReleased indicates use of a segment after Release.
	ErrReleased = errors.New("shared memory segment released")
	// ErrOutOfRange indicates an access beyond the mapped length.
	ErrOutOfRange = errors.New("shared memory access out of range")

	errNotReady = errors.New("shared memory segment not ready")
)

// Access selects the protection of a mapping.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

func (a Access) String() string {
	if a == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Segment is one attached shared memory mapping. It is safe for concurrent
// use; Release waits for in-flight reads and writes to finish.
type Segment struct {
	mu       sync.RWMutex
	name     string
	path     string
	access   Access
	file     *os.File
	mem      mmap.MMap
	size     int
	fileSize int64
	released bool
}

// Name is the segment name the mapping was attached by.
func (s *Segment) Name() string { return s.name }

// Size is the mapped length in bytes.
func (s *Segment) Size() int { return s.size }

// FileSize is the length of the underlying object at attach time.
func (s *Segment) FileSize() int64 { return s.fileSize }

// Read returns a copy of length bytes starting at offset.
func (s *Segment) Read(offset, length int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.released {
		return nil, fmt.Errorf("read %s: %w", s.name, ErrReleased)
	}
	if offset < 0 || length < 0 || offset+length > s.size {
		return nil, fmt.Errorf("read %s [%d:%d] of %d: %w", s.name, offset, offset+length, s.size, ErrOutOfRange)
	}
	out := make([]byte, length)
	copy(out, s.mem[offset:offset+length])
	return out, nil
}

// Write copies b into the segment at offset and flushes the mapping.
func (s *Segment) Write(offset int, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("write %s: %w", s.name, ErrReleased)
	}
	if s.access != ReadWrite {
		return fmt.Errorf("write %s: segment mapped read-only", s.name)
	}
	if offset < 0 || offset+len(b) > s.size {
		return fmt.Errorf("write %s [%d:%d] of %d: %w", s.name, offset, offset+len(b), s.size, ErrOutOfRange)
	}
	copy(s.mem[offset:], b)
	if err := s.mem.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}
	return nil
}

// Release unmaps the segment and closes its descriptor. The segment object
// itself is left in place for its owner. Calling Release more than once is
// a no-op.
func (s *Segment) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	if s.mem != nil {
		if err := s.mem.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", s.name, err))
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
		}
		s.file = nil
	}
	return errors.Join(errs...)
}

// Client attaches segments found under a directory.
type Client struct {
	dir           string
	attachTimeout time.Duration
	log           logging.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithAttachTimeout bounds WaitAndAttach. Zero, the default, waits forever.
func WithAttachTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.attachTimeout = d
	}
}

// WithLogger attaches a logger for attach progress.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient returns a client resolving segment names under dir
// (DefaultDir when empty).
func NewClient(dir string, opts ...Option) *Client {
	if dir == "" {
		dir = DefaultDir
	}
	c := &Client{dir: dir, log: logging.Noop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the file backing a segment name.
func (c *Client) Path(name string) string {
	return filepath.Join(c.dir, filepath.Base(name))
}

// WaitAndAttach attaches the named segment, retrying every pollInterval
// while it does not exist yet or is still shorter than size. The wait ends only on success, a permanent
// error, ctx cancellation, or the client's attach timeout.
func (c *Client) WaitAndAttach(ctx context.Context, name string, size int, pollInterval time.Duration, access Access) (*Segment, error) {
	if pollInterval <= 0 {
		return nil, fmt.Errorf("attach %s: poll interval must be positive", name)
	}

	attempts := 0
	seg, err := backoff.Retry(ctx, func() (*Segment, error) {
		attempts++
		seg, err := c.Attach(name, size, access)
		if errors.Is(err, errNotReady) || errors.Is(err, ErrSegmentTooSmall) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return seg, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(pollInterval)),
		backoff.WithMaxElapsedTime(c.attachTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug(ctx, "shared memory segment not available yet",
				logging.String("segment", name),
				logging.Err(err),
				logging.Int("attempt", attempts),
				logging.Duration("retry_in", next),
			)
		}),
	)
	if err != nil {
		if errors.Is(err, errNotReady) || errors.Is(err, ErrSegmentTooSmall) {
			return nil, fmt.Errorf("attach %s after %d attempts: %w (last: %v)", name, attempts, ErrAttachTimeout, err)
		}
		return nil, err
	}

	c.log.Info(ctx, "attached shared memory segment",
		logging.String("segment", name),
		logging.Int("size", seg.Size()),
		logging.String("access", access.String()),
		logging.Int("attempts", attempts),
	)
	return seg, nil
}

// Attach makes a single attempt to map size bytes of the named segment.
// A missing or still empty object reports errNotReady; an object shorter
// than size reports ErrSegmentTooSmall.
func (c *Client) Attach(name string, size int, access Access) (*Segment, error) {
	if size < 0 {
		return nil, fmt.Errorf("attach %s: negative size %d", name, size)
	}
	path := c.Path(name)

	flag := os.O_RDONLY
	prot := mmap.RDONLY
	if access == ReadWrite {
		flag = os.O_RDWR
		prot = mmap.RDWR
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("attach %s: %w", name, errNotReady)
		}
		return nil, fmt.Errorf("open shared memory %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat shared memory %s: %w", path, err)
	}
	fileSize := info.Size()
	if fileSize == 0 && size > 0 {
		// Created but not yet sized by its owner.
		f.Close()
		return nil, fmt.Errorf("attach %s: %w", name, errNotReady)
	}
	if fileSize < int64(size) {
		f.Close()
		return nil, fmt.Errorf("attach %s: have %d bytes, need %d: %w", name, fileSize, size, ErrSegmentTooSmall)
	}

	seg := &Segment{
		name:     name,
		path:     path,
		access:   access,
		file:     f,
		size:     size,
		fileSize: fileSize,
	}
	if size == 0 {
		return seg, nil
	}

	mem, err := mmap.MapRegion(f, size, prot, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shared memory %s: %w", path, err)
	}
	seg.mem = mem
	return seg, nil
}

// ResizeAttach maps the segment again at newSize after its owner has grown
// it. On ErrSegmentTooSmall the old mapping is left untouched so the caller
// can keep using it and retry later; otherwise the old mapping is released.
func (c *Client) ResizeAttach(seg *Segment, newSize int) (*Segment, error) {
	if seg == nil {
		return nil, errors.New("resize attach: nil segment")
	}
	next, err := c.Attach(seg.name, newSize, seg.access)
	if err != nil {
		if errors.Is(err, errNotReady) {
			return nil, fmt.Errorf("resize %s: %w", seg.name, ErrSegmentTooSmall)
		}
		return nil, err
	}
	if err := seg.Release(); err != nil {
		c.log.Warn(context.Background(), "release of previous mapping failed",
			logging.String("segment", seg.name),
			logging.Err(err),
		)
	}
	return next, nil
}
