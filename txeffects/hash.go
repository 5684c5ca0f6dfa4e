package txeffects

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// encMode is a deterministic CBOR encoding used wherever bytes are hashed.
var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// keccak256 hashes the concatenation of data.
func keccak256(data ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// hashEncoded returns the Keccak-256 hash of the canonical CBOR encoding of v.
func hashEncoded(v interface{}) (common.Hash, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return common.Hash{}, err
	}
	return keccak256(b), nil
}

// Encode returns the canonical CBOR encoding of v.
func Encode(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode decodes CBOR data produced by Encode into v.
func Decode(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
