package record

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestRecordWidths(t *testing.T) {
	tests := []struct {
		layout   Layout
		metaSize int
		poseSize int
	}{
		{Packed, 42, 28},
		{Native, 48, 32},
	}
	for _, tt := range tests {
		c, err := NewCodec(tt.layout)
		if err != nil {
			t.Fatalf("NewCodec(%v): %v", tt.layout, err)
		}
		if got := c.MetadataSize(); got != tt.metaSize {
			t.Fatalf("%v MetadataSize() = %d, want %d", tt.layout, got, tt.metaSize)
		}
		if got := c.PoseSize(); got != tt.poseSize {
			t.Fatalf("%v PoseSize() = %d, want %d", tt.layout, got, tt.poseSize)
		}
		if c.Layout() != tt.layout {
			t.Fatalf("Layout() = %v, want %v", c.Layout(), tt.layout)
		}
		if got := c.PoseSegmentSize(3); got != 3*tt.poseSize {
			t.Fatalf("%v PoseSegmentSize(3) = %d, want %d", tt.layout, got, 3*tt.poseSize)
		}
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	in := MetadataRecord{
		NumRobot:     math.MaxUint16,
		DeltaT:       0.1,
		SimulatorPID: 4242,
		EmulatorPID:  -1,
		GatewayLat:   -33.8688,
		GatewayLon:   151.2093,
		GatewayAlt:   math.Inf(-1),
	}
	for _, layout := range []Layout{Packed, Native} {
		c, _ := NewCodec(layout)
		buf := c.EncodeMetadata(in)
		out, err := c.DecodeMetadata(buf)
		if err != nil {
			t.Fatalf("%v DecodeMetadata: %v", layout, err)
		}
		if out != in {
			t.Fatalf("%v round trip = %+v, want %+v", layout, out, in)
		}
		if again := c.EncodeMetadata(out); !bytes.Equal(again, buf) {
			t.Fatalf("%v re-encoded bytes differ", layout)
		}
	}
}

func TestPoseRoundTripPreservesNaNBits(t *testing.T) {
	nan := math.Float64frombits(0x7ff8dead0000beef)
	in := PoseRecord{ID: 7, Lat: nan, Lon: -0.0, Alt: 12.5}
	for _, layout := range []Layout{Packed, Native} {
		c, _ := NewCodec(layout)
		buf := c.EncodePose(in)
		out, err := c.DecodePose(buf)
		if err != nil {
			t.Fatalf("%v DecodePose: %v", layout, err)
		}
		if out.ID != in.ID ||
			math.Float64bits(out.Lat) != math.Float64bits(in.Lat) ||
			math.Float64bits(out.Lon) != math.Float64bits(in.Lon) ||
			math.Float64bits(out.Alt) != math.Float64bits(in.Alt) {
			t.Fatalf("%v round trip not bit exact: %+v vs %+v", layout, out, in)
		}
	}
}

func TestPackedPoseByteLayout(t *testing.T) {
	c, _ := NewCodec(Packed)
	buf := c.EncodePose(PoseRecord{ID: 0x01020304, Lat: 1.0})
	want := []byte{0x04, 0x03, 0x02, 0x01, 0, 0, 0, 0, 0, 0, 0xf0, 0x3f}
	if !bytes.Equal(buf[:12], want) {
		t.Fatalf("packed pose prefix = % x, want % x", buf[:12], want)
	}
}

func TestNativeMetadataPaddingIsZero(t *testing.T) {
	c, _ := NewCodec(Native)
	buf := c.EncodeMetadata(MetadataRecord{NumRobot: 0xffff, DeltaT: 1})
	if buf[0] != 0xff || buf[1] != 0xff {
		t.Fatalf("num_robot bytes = % x", buf[:2])
	}
	for i := 2; i < 8; i++ {
		if buf[i] != 0 {
			t.Fatalf("padding byte %d = %#x, want 0", i, buf[i])
		}
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	c, _ := NewCodec(Packed)
	if _, err := c.DecodeMetadata(make([]byte, 48)); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("DecodeMetadata(48 bytes) err = %v, want ErrSchemaMismatch", err)
	}
	if _, err := c.DecodePose(make([]byte, 27)); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("DecodePose(27 bytes) err = %v, want ErrSchemaMismatch", err)
	}
	if _, err := c.DecodePose(nil); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("DecodePose(nil) err = %v, want ErrSchemaMismatch", err)
	}
}

func TestParseLayout(t *testing.T) {
	tests := map[string]Layout{"": Packed, "packed": Packed, "NATIVE": Native, "aligned": Native}
	for in, want := range tests {
		got, err := ParseLayout(in)
		if err != nil || got != want {
			t.Fatalf("ParseLayout(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLayout("bogus"); err == nil {
		t.Fatalf("ParseLayout(bogus) succeeded, want error")
	}
}
