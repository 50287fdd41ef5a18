// internal/codec/value.go
package codec

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind selects the physical encoding of one register.
type Kind int

const (
	// KindScaledSigned is a two's-complement value in tenths.
	KindScaledSigned Kind = iota
	// KindScaledUnsigned is an unsigned value in tenths.
	KindScaledUnsigned
	// KindBitmask passes the raw word through (alarm/status flags).
	KindBitmask
	// KindBCDVersion decodes high/low byte as major.minor.
	KindBCDVersion
	// KindEnum maps the raw word to a fixed label set.
	KindEnum
	// KindRawInt passes the raw word through as an integer.
	KindRawInt
)

func (k Kind) String() string {
	switch k {
	case KindScaledSigned:
		return "scaled_signed"
	case KindScaledUnsigned:
		return "scaled_unsigned"
	case KindBitmask:
		return "bitmask"
	case KindBCDVersion:
		return "bcd_version"
	case KindEnum:
		return "enum"
	case KindRawInt:
		return "raw_int"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WriteSpec describes the valid range and required access level of a
// writable register. Registers without one are read-only.
type WriteSpec struct {
	Min         float64
	Max         float64
	AccessLevel int
}

// Descriptor is the static metadata for one addressable register.
type Descriptor struct {
	Name     string
	Address  uint16
	Function Function
	Kind     Kind
	Labels   map[uint16]string // KindEnum only
	Write    *WriteSpec        // nil for read-only registers
}

// Writable reports whether the register accepts write commands.
func (d Descriptor) Writable() bool {
	return d.Write != nil
}

// Sentinel raw values meaning "value unavailable": sensor disconnected,
// uninitialized or erroring. They decode to Unavailable for every kind.
func IsSentinel(raw uint16) bool {
	switch {
	case raw == 0xFFFF, raw == 0x7FFF, raw == 0x7FFE:
		return true
	case raw >= 0xFFF0 && raw <= 0xFFFE:
		return true
	}
	return false
}

// SentinelUnavailable is the canonical sentinel used when re-exposing an
// unavailable value on the wire.
const SentinelUnavailable uint16 = 0xFFFF

// Value is one decoded register value. Exactly one of Num/Str is
// meaningful depending on the kind; Unavailable overrides both.
type Value struct {
	Raw         uint16
	Kind        Kind
	Unavailable bool
	Num         float64 // scaled, bitmask, raw-int, enum ordinal fallback
	Str         string  // enum label, bcd version
}

// MarshalJSON renders the value the way snapshot consumers expect:
// {"raw": n, "value": number|string|null}.
func (v Value) MarshalJSON() ([]byte, error) {
	out := struct {
		Raw   uint16      `json:"raw"`
		Value interface{} `json:"value"`
	}{Raw: v.Raw}

	switch {
	case v.Unavailable:
		out.Value = nil
	case v.Str != "":
		out.Value = v.Str
	default:
		out.Value = v.Num
	}
	return json.Marshal(out)
}

// bcdByte decodes one binary-coded-decimal byte (two digits).
func bcdByte(b uint8) int {
	return int(b>>4)*10 + int(b&0x0F)
}

// Decode turns a raw register word into a physical value per descriptor.
// Sentinel words decode to Unavailable regardless of kind.
func Decode(raw uint16, d Descriptor) Value {
	v := Value{Raw: raw, Kind: d.Kind}

	if IsSentinel(raw) {
		v.Unavailable = true
		return v
	}

	switch d.Kind {
	case KindScaledSigned:
		n := int32(raw)
		if raw >= 0x8000 {
			n -= 0x10000
		}
		v.Num = float64(n) / 10
	case KindScaledUnsigned:
		v.Num = float64(raw) / 10
	case KindBCDVersion:
		v.Str = fmt.Sprintf("%d.%d", bcdByte(uint8(raw>>8)), bcdByte(uint8(raw&0xFF)))
		v.Num = float64(raw)
	case KindEnum:
		v.Num = float64(raw)
		if label, ok := d.Labels[raw]; ok {
			v.Str = label
		} else {
			v.Str = fmt.Sprintf("unknown(%d)", raw)
		}
	case KindBitmask, KindRawInt:
		v.Num = float64(raw)
	default:
		v.Num = float64(raw)
	}
	return v
}

// Encode is the exact inverse of Decode for every writable kind.
// The input is the physical value as submitted by a caller.
func Encode(value float64, d Descriptor) (uint16, error) {
	switch d.Kind {
	case KindScaledSigned:
		n := int64(math.Round(value * 10))
		if n < -0x8000 || n > 0x7FFF {
			return 0, fmt.Errorf("codec: value %g out of signed range for %s", value, d.Name)
		}
		return uint16(n) & 0xFFFF, nil

	case KindScaledUnsigned:
		n := int64(math.Round(value * 10))
		if n < 0 || n > 0xFFFF {
			return 0, fmt.Errorf("codec: value %g out of unsigned range for %s", value, d.Name)
		}
		return uint16(n), nil

	case KindBitmask, KindRawInt, KindEnum:
		n := int64(math.Round(value))
		if n < 0 || n > 0xFFFF {
			return 0, fmt.Errorf("codec: value %g out of register range for %s", value, d.Name)
		}
		return uint16(n), nil

	case KindBCDVersion:
		return 0, fmt.Errorf("codec: %s: bcd version registers are not writable", d.Name)

	default:
		return 0, fmt.Errorf("codec: %s: unsupported kind %s", d.Name, d.Kind)
	}
}

// EncodeValue re-encodes a decoded value for onward relay. Unavailable
// values map to the canonical sentinel so the round trip stays lossless
// for everything outside the sentinel set.
func EncodeValue(v Value, d Descriptor) uint16 {
	if v.Unavailable {
		return SentinelUnavailable
	}
	return v.Raw
}
