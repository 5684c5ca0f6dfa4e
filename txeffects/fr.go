package txeffects

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// frModulus is the order of the BN254 scalar field.
var frModulus = uint256.MustFromHex("0x30644e72e131a029b85045b68181585d2833e84879b9709143e1f593f0000001")

// Fr is an element of the BN254 scalar field. The zero value is the field zero.
type Fr struct {
	v uint256.Int
}

// NewFr returns the field element for x.
func NewFr(x uint64) Fr {
	var f Fr
	f.v.SetUint64(x)
	return f
}

// FrFromBytes interprets b as a big-endian integer and reduces it into the field.
// Inputs longer than 32 bytes are truncated to their last 32 bytes.
func FrFromBytes(b []byte) Fr {
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	var f Fr
	f.v.SetBytes(b)
	f.v.Mod(&f.v, frModulus)
	return f
}

// Add returns f + o in the field.
func (f Fr) Add(o Fr) Fr {
	var r Fr
	r.v.AddMod(&f.v, &o.v, frModulus)
	return r
}

// IsZero reports whether f is the field zero.
func (f Fr) IsZero() bool {
	return f.v.IsZero()
}

// Equal reports whether f and o are the same element.
func (f Fr) Equal(o Fr) bool {
	return f.v.Eq(&o.v)
}

// Uint64 returns the lower 64 bits of f.
func (f Fr) Uint64() uint64 {
	return f.v.Uint64()
}

// Bytes32 returns the big-endian encoding of f.
func (f Fr) Bytes32() [32]byte {
	return f.v.Bytes32()
}

func (f Fr) String() string {
	return f.v.Hex()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f Fr) MarshalBinary() ([]byte, error) {
	b := f.v.Bytes32()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Fr) UnmarshalBinary(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("fr: invalid length %d", len(b))
	}
	var v uint256.Int
	v.SetBytes(b)
	if !v.Lt(frModulus) {
		return fmt.Errorf("fr: value %s not in field", v.Hex())
	}
	f.v = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (f Fr) MarshalText() ([]byte, error) {
	b := f.v.Bytes32()
	return []byte(hexutil.Encode(b[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fr) UnmarshalText(input []byte) error {
	b, err := hexutil.Decode(string(input))
	if err != nil {
		return fmt.Errorf("fr: %w", err)
	}
	if len(b) > 32 {
		return fmt.Errorf("fr: value too long (%d bytes)", len(b))
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return f.UnmarshalBinary(padded)
}
