// Package record encodes and decodes the fixed-width records exchanged with
// the simulator over shared memory.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrSchemaMismatch indicates a buffer whose length does not match the record
// width. It means the two processes disagree on the wire format.
var ErrSchemaMismatch = errors.New("record schema mismatch")

// Layout selects how record fields are placed in memory.
type Layout int

const (
	// Packed places fields back to back with no padding.
	Packed Layout = iota
	// Native uses C natural alignment, matching structs compiled by the
	// simulator without packing pragmas.
	Native
)

func (l Layout) String() string {
	switch l {
	case Packed:
		return "packed"
	case Native:
		return "native"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout resolves a configuration string into a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "packed":
		return Packed, nil
	case "native", "aligned":
		return Native, nil
	default:
		return Packed, fmt.Errorf("unknown record layout %q", s)
	}
}

// MetadataRecord carries run-wide parameters and both process ids.
type MetadataRecord struct {
	NumRobot     uint16
	DeltaT       float64
	SimulatorPID int32
	EmulatorPID  int32
	GatewayLat   float64
	GatewayLon   float64
	GatewayAlt   float64
}

// PoseRecord is one slot of the pose segment.
type PoseRecord struct {
	ID  uint32 // simulator-space identifier
	Lat float64
	Lon float64
	Alt float64
}

// field offsets for one layout
type offsets struct {
	metaSize int
	numRobot int
	deltaT   int
	simPID   int
	emuPID   int
	gLat     int
	gLon     int
	gAlt     int

	poseSize int
	id       int
	lat      int
	lon      int
	alt      int
}

var layouts = map[Layout]offsets{
	Packed: {
		metaSize: 42,
		numRobot: 0, deltaT: 2, simPID: 10, emuPID: 14,
		gLat: 18, gLon: 26, gAlt: 34,
		poseSize: 28,
		id: 0, lat: 4, lon: 12, alt: 20,
	},
	// 'Hdiiddd' and 'Iddd' under C alignment rules.
	Native: {
		metaSize: 48,
		numRobot: 0, deltaT: 8, simPID: 16, emuPID: 20,
		gLat: 24, gLon: 32, gAlt: 40,
		poseSize: 32,
		id: 0, lat: 8, lon: 16, alt: 24,
	},
}

// Codec converts records to and from their shared-memory representation.
// All multi-byte fields are little-endian.
type Codec struct {
	layout Layout
	off    offsets
}

// NewCodec returns a codec for the given layout.
func NewCodec(layout Layout) (Codec, error) {
	off, ok := layouts[layout]
	if !ok {
		return Codec{}, fmt.Errorf("unsupported record layout %v", layout)
	}
	return Codec{layout: layout, off: off}, nil
}

// Layout reports the layout this codec was built for.
func (c Codec) Layout() Layout { return c.layout }

// MetadataSize is the byte width of an encoded MetadataRecord.
func (c Codec) MetadataSize() int { return c.off.metaSize }

// PoseSize is the byte width of an encoded PoseRecord.
func (c Codec) PoseSize() int { return c.off.poseSize }

// PoseSegmentSize is the pose segment length for numRobot slots.
func (c Codec) PoseSegmentSize(numRobot int) int { return numRobot * c.off.poseSize }

// DecodeMetadata parses a metadata record. buf must be exactly MetadataSize bytes.
func (c Codec) DecodeMetadata(buf []byte) (MetadataRecord, error) {
	if len(buf) != c.off.metaSize {
		return MetadataRecord{}, fmt.Errorf("%w: metadata is %d bytes, want %d", ErrSchemaMismatch, len(buf), c.off.metaSize)
	}
	le := binary.LittleEndian
	o := c.off
	return MetadataRecord{
		NumRobot:     le.Uint16(buf[o.numRobot:]),
		DeltaT:       math.Float64frombits(le.Uint64(buf[o.deltaT:])),
		SimulatorPID: int32(le.Uint32(buf[o.simPID:])),
		EmulatorPID:  int32(le.Uint32(buf[o.emuPID:])),
		GatewayLat:   math.Float64frombits(le.Uint64(buf[o.gLat:])),
		GatewayLon:   math.Float64frombits(le.Uint64(buf[o.gLon:])),
		GatewayAlt:   math.Float64frombits(le.Uint64(buf[o.gAlt:])),
	}, nil
}

// EncodeMetadata serialises m. Padding bytes are zero.
func (c Codec) EncodeMetadata(m MetadataRecord) []byte {
	buf := make([]byte, c.off.metaSize)
	le := binary.LittleEndian
	o := c.off
	le.PutUint16(buf[o.numRobot:], m.NumRobot)
	le.PutUint64(buf[o.deltaT:], math.Float64bits(m.DeltaT))
	le.PutUint32(buf[o.simPID:], uint32(m.SimulatorPID))
	le.PutUint32(buf[o.emuPID:], uint32(m.EmulatorPID))
	le.PutUint64(buf[o.gLat:], math.Float64bits(m.GatewayLat))
	le.PutUint64(buf[o.gLon:], math.Float64bits(m.GatewayLon))
	le.PutUint64(buf[o.gAlt:], math.Float64bits(m.GatewayAlt))
	return buf
}

// DecodePose parses one pose slot. buf must be exactly PoseSize bytes.
func (c Codec) DecodePose(buf []byte) (PoseRecord, error) {
	if len(buf) != c.off.poseSize {
		return PoseRecord{}, fmt.Errorf("%w: pose is %d bytes, want %d", ErrSchemaMismatch, len(buf), c.off.poseSize)
	}
	le := binary.LittleEndian
	o := c.off
	return PoseRecord{
		ID:  le.Uint32(buf[o.id:]),
		Lat: math.Float64frombits(le.Uint64(buf[o.lat:])),
		Lon: math.Float64frombits(le.Uint64(buf[o.lon:])),
		Alt: math.Float64frombits(le.Uint64(buf[o.alt:])),
	}, nil
}

// EncodePose serialises p. Padding bytes are zero.
func (c Codec) EncodePose(p PoseRecord) []byte {
	buf := make([]byte, c.off.poseSize)
	le := binary.LittleEndian
	o := c.off
	le.PutUint32(buf[o.id:], p.ID)
	le.PutUint64(buf[o.lat:], math.Float64bits(p.Lat))
	le.PutUint64(buf[o.lon:], math.Float64bits(p.Lon))
	le.PutUint64(buf[o.alt:], math.Float64bits(p.Alt))
	return buf
}
