package lockstep

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/emane-bridge/internal/shm"
)

// Segment is an attached shared memory mapping.
type Segment interface {
	Read(offset, length int) ([]byte, error)
	Write(offset int, b []byte) error
	Size() int
	Release() error
}

// Attacher attaches and remaps segments by name.
type Attacher interface {
	WaitAndAttach(ctx context.Context, name string, size int, pollInterval time.Duration, access shm.Access) (Segment, error)
	ResizeAttach(seg Segment, newSize int) (Segment, error)
}

// SHMAttacher attaches POSIX shared memory objects through a shm.Client.
type SHMAttacher struct {
	Client *shm.Client
}

// NewSHMAttacher wraps c.
func NewSHMAttacher(c *shm.Client) *SHMAttacher {
	return &SHMAttacher{Client: c}
}

func (a *SHMAttacher) WaitAndAttach(ctx context.Context, name string, size int, pollInterval time.Duration, access shm.Access) (Segment, error) {
	seg, err := a.Client.WaitAndAttach(ctx, name, size, pollInterval, access)
	if err != nil {
		return nil, err
	}
	return seg, nil
}

func (a *SHMAttacher) ResizeAttach(seg Segment, newSize int) (Segment, error) {
	s, ok := seg.(*shm.Segment)
	if !ok {
		return nil, fmt.Errorf("resize attach: %T is not a shared memory segment", seg)
	}
	next, err := a.Client.ResizeAttach(s, newSize)
	if err != nil {
		return nil, err
	}
	return next, nil
}
