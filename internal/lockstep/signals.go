package lockstep

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrPeerUnreachable reports that the simulator process cannot be signalled.
var ErrPeerUnreachable = errors.New("peer process unreachable")

// Signaller delivers the job-control signals of the handshake.
type Signaller interface {
	// Pid is this process's id, announced in the metadata segment.
	Pid() int
	// Alive reports whether pid exists and can be signalled.
	Alive(pid int) error
	// Resume sends SIGCONT to pid.
	Resume(pid int) error
	// WaitForPeer resumes pid and suspends this process until something
	// sends it SIGCONT.
	WaitForPeer(pid int) error
}

// ProcessSignaller signals real processes.
type ProcessSignaller struct{}

// Pid returns the calling process id.
func (ProcessSignaller) Pid() int { return unix.Getpid() }

// Alive probes pid with signal 0. A process owned by another user still
// counts as alive.
func (ProcessSignaller) Alive(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("pid %d: %w", pid, ErrPeerUnreachable)
	}
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return nil
	}
	return fmt.Errorf("probe pid %d: %v: %w", pid, err, ErrPeerUnreachable)
}

// Resume sends SIGCONT to pid.
func (ProcessSignaller) Resume(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("resume pid %d: %w", pid, ErrPeerUnreachable)
	}
	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("resume pid %d: %v: %w", pid, err, ErrPeerUnreachable)
	}
	return nil
}

// WaitForPeer resumes pid and stops this process. The call returns once
// the peer continues it.
func (s ProcessSignaller) WaitForPeer(pid int) error {
	if err := s.Resume(pid); err != nil {
		return err
	}
	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		return fmt.Errorf("suspend self: %w", err)
	}
	return nil
}
