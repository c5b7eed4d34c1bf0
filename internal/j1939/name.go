package j1939

import (
	"errors"
	"fmt"
)

// ErrMalformedName is returned when a NAME field exceeds its bit width.
var ErrMalformedName = errors.New("malformed J1939 NAME")

// Name is the 64-bit J1939 NAME identifying a node on the network.
type Name struct {
	IdentityNumber          uint32 `yaml:"identity_number"`
	ManufacturerCode        uint16 `yaml:"manufacturer_code"`
	ECUInstance             uint8  `yaml:"ecu_instance"`
	FunctionInstance        uint8  `yaml:"function_instance"`
	Function                uint8  `yaml:"function"`
	VehicleSystem           uint8  `yaml:"vehicle_system"`
	VehicleSystemInstance   uint8  `yaml:"vehicle_system_instance"`
	IndustryGroup           uint8  `yaml:"industry_group"`
	ArbitraryAddressCapable bool   `yaml:"arbitrary_address_capable"`
}

// Validate checks every field against its width in the NAME layout.
func (n Name) Validate() error {
	checks := []struct {
		field string
		value uint32
		bits  uint
	}{
		{"identity_number", n.IdentityNumber, 21},
		{"manufacturer_code", uint32(n.ManufacturerCode), 11},
		{"ecu_instance", uint32(n.ECUInstance), 3},
		{"function_instance", uint32(n.FunctionInstance), 5},
		{"vehicle_system", uint32(n.VehicleSystem), 7},
		{"vehicle_system_instance", uint32(n.VehicleSystemInstance), 4},
		{"industry_group", uint32(n.IndustryGroup), 3},
	}
	for _, c := range checks {
		if c.value >= 1<<c.bits {
			return fmt.Errorf("%w: %s %d exceeds %d bits", ErrMalformedName, c.field, c.value, c.bits)
		}
	}
	return nil
}

// Uint64 packs the NAME in its wire layout.
func (n Name) Uint64() uint64 {
	v := uint64(n.IdentityNumber&0x1FFFFF) |
		uint64(n.ManufacturerCode&0x7FF)<<21 |
		uint64(n.ECUInstance&0x7)<<32 |
		uint64(n.FunctionInstance&0x1F)<<35 |
		uint64(n.Function)<<40 |
		uint64(n.VehicleSystem&0x7F)<<49 |
		uint64(n.VehicleSystemInstance&0xF)<<56 |
		uint64(n.IndustryGroup&0x7)<<60
	if n.ArbitraryAddressCapable {
		v |= 1 << 63
	}
	return v
}

// NameFromUint64 unpacks a NAME received in an address claim.
func NameFromUint64(v uint64) Name {
	return Name{
		IdentityNumber:          uint32(v & 0x1FFFFF),
		ManufacturerCode:        uint16(v>>21) & 0x7FF,
		ECUInstance:             uint8(v>>32) & 0x7,
		FunctionInstance:        uint8(v>>35) & 0x1F,
		Function:                uint8(v >> 40),
		VehicleSystem:           uint8(v>>49) & 0x7F,
		VehicleSystemInstance:   uint8(v>>56) & 0xF,
		IndustryGroup:           uint8(v>>60) & 0x7,
		ArbitraryAddressCapable: v>>63 == 1,
	}
}
