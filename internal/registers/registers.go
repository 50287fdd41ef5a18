// internal/registers/registers.go
package registers

import (
	"sort"

	"github.com/nordvent/climabus/internal/codec"
)

// Static register table for the controller family. Addresses, scales and
// ranges come from the vendor register map; this is the single source of
// truth for both decode and onward re-encode.

var operatingModes = map[uint16]string{
	0: "off",
	1: "auto",
	2: "heating",
	3: "cooling",
	4: "hot_water",
}

var table = []codec.Descriptor{
	// ---- telemetry (input registers) ----
	{Name: "outdoor_temp", Address: 0x0001, Function: codec.FuncReadInput, Kind: codec.KindScaledSigned},
	{Name: "supply_temp", Address: 0x0002, Function: codec.FuncReadInput, Kind: codec.KindScaledSigned},
	{Name: "return_temp", Address: 0x0003, Function: codec.FuncReadInput, Kind: codec.KindScaledSigned},
	{Name: "hot_water_temp", Address: 0x0004, Function: codec.FuncReadInput, Kind: codec.KindScaledSigned},
	{Name: "room_temp", Address: 0x0005, Function: codec.FuncReadInput, Kind: codec.KindScaledSigned},
	{Name: "exhaust_temp", Address: 0x0006, Function: codec.FuncReadInput, Kind: codec.KindScaledSigned},
	{Name: "room_humidity", Address: 0x0007, Function: codec.FuncReadInput, Kind: codec.KindScaledUnsigned},
	{Name: "fan_speed", Address: 0x0010, Function: codec.FuncReadInput, Kind: codec.KindRawInt},
	{Name: "compressor_freq", Address: 0x0011, Function: codec.FuncReadInput, Kind: codec.KindScaledUnsigned},
	{Name: "alarm_bits", Address: 0x0020, Function: codec.FuncReadInput, Kind: codec.KindBitmask},
	{Name: "status_bits", Address: 0x0021, Function: codec.FuncReadInput, Kind: codec.KindBitmask},
	{Name: "firmware_version", Address: 0x0030, Function: codec.FuncReadInput, Kind: codec.KindBCDVersion},

	// ---- setpoints and controls (holding registers) ----
	{
		Name: "operating_mode", Address: 0x0100, Function: codec.FuncReadHolding,
		Kind: codec.KindEnum, Labels: operatingModes,
		Write: &codec.WriteSpec{Min: 0, Max: 4, AccessLevel: 1},
	},
	{
		Name: "target_temp", Address: 0x0101, Function: codec.FuncReadHolding,
		Kind:  codec.KindScaledSigned,
		Write: &codec.WriteSpec{Min: 5, Max: 35, AccessLevel: 1},
	},
	{
		Name: "hot_water_target", Address: 0x0102, Function: codec.FuncReadHolding,
		Kind:  codec.KindScaledSigned,
		Write: &codec.WriteSpec{Min: 20, Max: 65, AccessLevel: 1},
	},
	{
		Name: "fan_speed_override", Address: 0x0103, Function: codec.FuncReadHolding,
		Kind:  codec.KindRawInt,
		Write: &codec.WriteSpec{Min: 0, Max: 100, AccessLevel: 2},
	},
	{
		Name: "eco_mode", Address: 0x0104, Function: codec.FuncReadHolding,
		Kind:  codec.KindRawInt,
		Write: &codec.WriteSpec{Min: 0, Max: 1, AccessLevel: 1},
	},
	{
		Name: "reset_alarms", Address: 0x0105, Function: codec.FuncReadHolding,
		Kind:  codec.KindRawInt,
		Write: &codec.WriteSpec{Min: 0, Max: 1, AccessLevel: 2},
	},
	{
		Name: "holiday_mode", Address: 0x0106, Function: codec.FuncReadHolding,
		Kind:  codec.KindRawInt,
		Write: &codec.WriteSpec{Min: 0, Max: 1, AccessLevel: 1},
	},
}

var (
	byName    map[string]codec.Descriptor
	byAddress map[uint16]codec.Descriptor
)

func init() {
	byName = make(map[string]codec.Descriptor, len(table))
	byAddress = make(map[uint16]codec.Descriptor, len(table))
	for _, d := range table {
		byName[d.Name] = d
		byAddress[d.Address] = d
	}
}

// All returns every descriptor in table order.
func All() []codec.Descriptor {
	out := make([]codec.Descriptor, len(table))
	copy(out, table)
	return out
}

// ByName looks a descriptor up by its semantic name.
func ByName(name string) (codec.Descriptor, bool) {
	d, ok := byName[name]
	return d, ok
}

// ByAddress looks a descriptor up by its wire address.
func ByAddress(addr uint16) (codec.Descriptor, bool) {
	d, ok := byAddress[addr]
	return d, ok
}

// Writable returns the writable whitelist sorted by name.
func Writable() []codec.Descriptor {
	var out []codec.Descriptor
	for _, d := range table {
		if d.Writable() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
