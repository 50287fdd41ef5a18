// internal/codec/value_test.go
package codec

import (
	"math"
	"testing"
)

func sentinels() []uint16 {
	out := []uint16{0xFFFF, 0x7FFF, 0x7FFE}
	for raw := uint16(0xFFF0); raw <= 0xFFFE; raw++ {
		out = append(out, raw)
	}
	return out
}

func TestDecode_SentinelsAlwaysUnavailable(t *testing.T) {
	kinds := []Kind{
		KindScaledSigned, KindScaledUnsigned, KindBitmask,
		KindBCDVersion, KindEnum, KindRawInt,
	}

	for _, k := range kinds {
		d := Descriptor{Name: "x", Kind: k}
		for _, raw := range sentinels() {
			v := Decode(raw, d)
			if !v.Unavailable {
				t.Fatalf("kind=%s raw=0x%04X: expected Unavailable", k, raw)
			}
		}
	}
}

func TestDecode_ScaledSigned(t *testing.T) {
	d := Descriptor{Name: "outdoor_temp", Kind: KindScaledSigned}

	cases := []struct {
		raw  uint16
		want float64
	}{
		{0x0000, 0},
		{0x00D2, 21.0},
		{0xFF9C, -10.0}, // two's complement of -100
		{0x8000, -3276.8},
	}
	for _, c := range cases {
		v := Decode(c.raw, d)
		if v.Unavailable || v.Num != c.want {
			t.Fatalf("raw=0x%04X: got %v want %g", c.raw, v, c.want)
		}
	}
}

func TestDecode_ScaledUnsigned(t *testing.T) {
	d := Descriptor{Name: "room_humidity", Kind: KindScaledUnsigned}

	v := Decode(455, d)
	if v.Num != 45.5 {
		t.Fatalf("expected 45.5, got %g", v.Num)
	}
}

func TestDecode_BCDVersion(t *testing.T) {
	d := Descriptor{Name: "firmware_version", Kind: KindBCDVersion}

	cases := []struct {
		raw  uint16
		want string
	}{
		{0x0102, "1.2"},
		{0x1025, "10.25"},
	}
	for _, c := range cases {
		if got := Decode(c.raw, d).Str; got != c.want {
			t.Fatalf("raw=0x%04X: got %q want %q", c.raw, got, c.want)
		}
	}
}

func TestDecode_EnumLabels(t *testing.T) {
	d := Descriptor{
		Name: "operating_mode", Kind: KindEnum,
		Labels: map[uint16]string{0: "off", 2: "heating"},
	}

	if got := Decode(2, d).Str; got != "heating" {
		t.Fatalf("expected heating, got %q", got)
	}
	if got := Decode(9, d).Str; got != "unknown(9)" {
		t.Fatalf("expected unknown(9), got %q", got)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		kind   Kind
		values []float64
	}{
		{KindScaledSigned, []float64{-25.5, -0.1, 0, 10.4, 35}},
		{KindScaledUnsigned, []float64{0, 0.1, 99.9}},
		{KindRawInt, []float64{0, 1, 100, 1000}},
		{KindBitmask, []float64{0, 5, 255}},
		{KindEnum, []float64{0, 1, 4}},
	}

	for _, c := range cases {
		d := Descriptor{
			Name: "rt", Kind: c.kind,
			Labels: map[uint16]string{0: "a", 1: "b", 4: "c"},
		}
		for _, want := range c.values {
			raw, err := Encode(want, d)
			if err != nil {
				t.Fatalf("kind=%s value=%g: Encode err=%v", c.kind, want, err)
			}
			got := Decode(raw, d)
			if got.Unavailable {
				t.Fatalf("kind=%s value=%g: decoded Unavailable", c.kind, want)
			}
			if math.Abs(got.Num-want) > 1e-9 {
				t.Fatalf("kind=%s: round trip %g -> 0x%04X -> %g", c.kind, want, raw, got.Num)
			}
		}
	}
}

func TestEncode_NegativeTwosComplement(t *testing.T) {
	d := Descriptor{Name: "target_temp", Kind: KindScaledSigned}

	raw, err := Encode(-10.0, d)
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	if raw != 0xFF9C {
		t.Fatalf("expected 0xFF9C, got 0x%04X", raw)
	}
}

func TestEncode_OutOfRange(t *testing.T) {
	d := Descriptor{Name: "x", Kind: KindScaledUnsigned}
	if _, err := Encode(-1, d); err == nil {
		t.Fatal("expected error for negative unsigned value")
	}

	d.Kind = KindScaledSigned
	if _, err := Encode(99999, d); err == nil {
		t.Fatal("expected error for oversized signed value")
	}
}

func TestEncodeValue_UnavailableSentinel(t *testing.T) {
	d := Descriptor{Name: "x", Kind: KindScaledSigned}

	if got := EncodeValue(Value{Unavailable: true}, d); got != SentinelUnavailable {
		t.Fatalf("expected 0xFFFF, got 0x%04X", got)
	}

	v := Decode(0x00D2, d)
	if got := EncodeValue(v, d); got != 0x00D2 {
		t.Fatalf("expected lossless raw, got 0x%04X", got)
	}
}
