package emane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// Defaults of the emulator's event service endpoint.
const (
	DefaultGroup  = "224.1.2.8:45703"
	DefaultDevice = "control0"
	DefaultTTL    = 32
)

// ErrChannelUnavailable indicates the event channel could not be opened.
var ErrChannelUnavailable = errors.New("event channel unavailable")

// Channel delivers encoded event frames.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// ChannelConfig describes the multicast event channel.
type ChannelConfig struct {
	// Group is the destination host:port, normally a multicast group.
	Group string
	// Device names the interface multicast traffic leaves through. Empty
	// leaves the choice to the routing table.
	Device string
	// TTL is the multicast hop limit. Zero selects DefaultTTL.
	TTL int
	// Loopback delivers frames to listeners on this host as well.
	Loopback bool
	// WriteTimeout bounds each send. Zero means no deadline.
	WriteTimeout time.Duration
}

// MulticastChannel sends frames to the event service over UDP multicast.
type MulticastChannel struct {
	conn         *ipv4.PacketConn
	dst          *net.UDPAddr
	writeTimeout time.Duration
}

// OpenChannel opens the event channel. Failure means the emulator's event
// service cannot be reached from this host and wraps ErrChannelUnavailable.
func OpenChannel(cfg ChannelConfig) (*MulticastChannel, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	dst, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrChannelUnavailable, cfg.Group, err)
	}

	var ifi *net.Interface
	if cfg.Device != "" {
		ifi, err = net.InterfaceByName(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: device %q: %v", ErrChannelUnavailable, cfg.Device, err)
		}
	}

	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("%w: open socket: %v", ErrChannelUnavailable, err)
	}
	pc := ipv4.NewPacketConn(c)

	if dst.IP.IsMulticast() {
		if ifi != nil {
			if err := pc.SetMulticastInterface(ifi); err != nil {
				pc.Close()
				return nil, fmt.Errorf("%w: select interface %q: %v", ErrChannelUnavailable, ifi.Name, err)
			}
		}
		if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
			pc.Close()
			return nil, fmt.Errorf("%w: set ttl: %v", ErrChannelUnavailable, err)
		}
		if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
			pc.Close()
			return nil, fmt.Errorf("%w: set loopback: %v", ErrChannelUnavailable, err)
		}
	}

	return &MulticastChannel{conn: pc, dst: dst, writeTimeout: cfg.WriteTimeout}, nil
}

// Send writes one frame. It does not retry.
func (m *MulticastChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.writeTimeout > 0 {
		if err := m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := m.conn.WriteTo(frame, nil, m.dst); err != nil {
		return fmt.Errorf("send event to %s: %w", m.dst, err)
	}
	return nil
}

// Destination is the address frames are sent to.
func (m *MulticastChannel) Destination() string { return m.dst.String() }

// Close releases the socket.
func (m *MulticastChannel) Close() error {
	return m.conn.Close()
}
