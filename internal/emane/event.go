// Package emane publishes node location updates to the emulator's event
// service.
package emane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/emane-bridge/model"
)

// LocationEventID is the event service identifier of a location event.
const LocationEventID uint32 = 100

// AllNEMs addresses an event to every emulated node.
const AllNEMs uint16 = 0

// maxFrame is the largest payload the 16-bit length prefix can describe.
const maxFrame = math.MaxUint16

// ErrMalformedEvent indicates a frame that could not be decoded.
var ErrMalformedEvent = errors.New("malformed event frame")

// LocationUpdate is the content of one location entry.
type LocationUpdate struct {
	NEMID       uint16
	Position    model.Position
	Orientation model.Orientation
}

// LocationFromNode builds the update for n. Orientation is not modelled and
// stays zero.
func LocationFromNode(n model.Node) LocationUpdate {
	return LocationUpdate{NEMID: n.EmulatorID, Position: n.Position}
}

// Event is a decoded event frame.
type Event struct {
	Sequence       uint64
	Source         uuid.UUID
	Serializations []Serialization
}

// Serialization is one event body within an Event.
type Serialization struct {
	NEMID   uint16
	EventID uint32
	Data    []byte
}

// Field numbers of the event service messages.
const (
	eventSequence       protowire.Number = 1
	eventUUID           protowire.Number = 2
	eventData           protowire.Number = 3
	dataSerialization   protowire.Number = 1
	serializationNEM    protowire.Number = 1
	serializationEvent  protowire.Number = 2
	serializationData   protowire.Number = 3
	locationsField      protowire.Number = 1
	locationNEM         protowire.Number = 1
	locationPosition    protowire.Number = 2
	locationOrientation protowire.Number = 3
	positionLatitude    protowire.Number = 1
	positionLongitude   protowire.Number = 2
	positionAltitude    protowire.Number = 3
	orientationRoll     protowire.Number = 1
	orientationPitch    protowire.Number = 2
	orientationYaw      protowire.Number = 3
)

// EncodeLocationEvent serialises a location event body.
func EncodeLocationEvent(updates ...LocationUpdate) []byte {
	var out []byte
	for _, u := range updates {
		var pos []byte
		pos = appendDouble(pos, positionLatitude, u.Position.Lat)
		pos = appendDouble(pos, positionLongitude, u.Position.Lon)
		pos = appendDouble(pos, positionAltitude, u.Position.Alt)

		var orient []byte
		orient = appendDouble(orient, orientationRoll, u.Orientation.Roll)
		orient = appendDouble(orient, orientationPitch, u.Orientation.Pitch)
		orient = appendDouble(orient, orientationYaw, u.Orientation.Yaw)

		var loc []byte
		loc = protowire.AppendTag(loc, locationNEM, protowire.VarintType)
		loc = protowire.AppendVarint(loc, uint64(u.NEMID))
		loc = protowire.AppendTag(loc, locationPosition, protowire.BytesType)
		loc = protowire.AppendBytes(loc, pos)
		loc = protowire.AppendTag(loc, locationOrientation, protowire.BytesType)
		loc = protowire.AppendBytes(loc, orient)

		out = protowire.AppendTag(out, locationsField, protowire.BytesType)
		out = protowire.AppendBytes(out, loc)
	}
	return out
}

// EncodeFrame wraps event bodies into a length-prefixed event frame.
func EncodeFrame(ev Event) ([]byte, error) {
	var data []byte
	for _, s := range ev.Serializations {
		var ser []byte
		ser = protowire.AppendTag(ser, serializationNEM, protowire.VarintType)
		ser = protowire.AppendVarint(ser, uint64(s.NEMID))
		ser = protowire.AppendTag(ser, serializationEvent, protowire.VarintType)
		ser = protowire.AppendVarint(ser, uint64(s.EventID))
		ser = protowire.AppendTag(ser, serializationData, protowire.BytesType)
		ser = protowire.AppendBytes(ser, s.Data)

		data = protowire.AppendTag(data, dataSerialization, protowire.BytesType)
		data = protowire.AppendBytes(data, ser)
	}

	msg := make([]byte, 2, 2+32+len(data))
	msg = protowire.AppendTag(msg, eventSequence, protowire.VarintType)
	msg = protowire.AppendVarint(msg, ev.Sequence)
	msg = protowire.AppendTag(msg, eventUUID, protowire.BytesType)
	msg = protowire.AppendBytes(msg, ev.Source[:])
	msg = protowire.AppendTag(msg, eventData, protowire.BytesType)
	msg = protowire.AppendBytes(msg, data)

	body := len(msg) - 2
	if body > maxFrame {
		return nil, fmt.Errorf("event frame of %d bytes exceeds %d", body, maxFrame)
	}
	binary.BigEndian.PutUint16(msg[:2], uint16(body))
	return msg, nil
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(frame []byte) (Event, error) {
	if len(frame) < 2 {
		return Event{}, fmt.Errorf("%w: short frame", ErrMalformedEvent)
	}
	size := int(binary.BigEndian.Uint16(frame[:2]))
	if len(frame)-2 != size {
		return Event{}, fmt.Errorf("%w: length prefix %d, body %d", ErrMalformedEvent, size, len(frame)-2)
	}

	var ev Event
	err := walk(frame[2:], func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case eventSequence:
			ev.Sequence = v
		case eventUUID:
			id, err := uuid.FromBytes(b)
			if err != nil {
				return err
			}
			ev.Source = id
		case eventData:
			return walk(b, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
				if num != dataSerialization {
					return nil
				}
				var s Serialization
				err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
					switch num {
					case serializationNEM:
						s.NEMID = uint16(v)
					case serializationEvent:
						s.EventID = uint32(v)
					case serializationData:
						s.Data = append([]byte(nil), b...)
					}
					return nil
				})
				ev.Serializations = append(ev.Serializations, s)
				return err
			})
		}
		return nil
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// DecodeLocationEvent parses a location event body.
func DecodeLocationEvent(body []byte) ([]LocationUpdate, error) {
	var out []LocationUpdate
	err := walk(body, func(num protowire.Number, _ protowire.Type, _ uint64, b []byte) error {
		if num != locationsField {
			return nil
		}
		var u LocationUpdate
		err := walk(b, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
			switch num {
			case locationNEM:
				u.NEMID = uint16(v)
			case locationPosition:
				return walk(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
					switch num {
					case positionLatitude:
						u.Position.Lat = math.Float64frombits(v)
					case positionLongitude:
						u.Position.Lon = math.Float64frombits(v)
					case positionAltitude:
						u.Position.Alt = math.Float64frombits(v)
					}
					return nil
				})
			case locationOrientation:
				return walk(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
					switch num {
					case orientationRoll:
						u.Orientation.Roll = math.Float64frombits(v)
					case orientationPitch:
						u.Orientation.Pitch = math.Float64frombits(v)
					case orientationYaw:
						u.Orientation.Yaw = math.Float64frombits(v)
					}
					return nil
				})
			}
			return nil
		})
		out = append(out, u)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return out, nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// walk visits every field of a serialised message. Varint and fixed64
// values arrive in v; length-delimited values arrive in b.
func walk(msg []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		var (
			v uint64
			b []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(msg)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(msg)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(msg)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		if err := fn(num, typ, v, b); err != nil {
			return err
		}
	}
	return nil
}
