// Package core holds the primitive data types shared by every subsystem of
// the kernel: addresses, hashes and the block context handed to a Wasm
// invocation. It deliberately carries no storage, consensus or sandbox logic
// of its own — those live in internal/ under their own packages.
package core

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Address identifies a module or externally owned account by the low 20
// bytes of a Keccak-256 digest.
type Address [20]byte

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Hash is a 32-byte digest: a root hash, a tx hash or a block hash.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// BytesToAddress keeps the last 20 bytes of b (dropping any leading bytes),
// left-padding with zero bytes if b is shorter.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) >= len(a) {
		copy(a[:], b[len(b)-len(a):])
	} else {
		copy(a[len(a)-len(b):], b)
	}
	return a
}

// BytesToHash keeps the last 32 bytes of b (dropping any leading bytes),
// left-padding with zero bytes if b is shorter.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= len(h) {
		copy(h[:], b[len(b)-len(h):])
	} else {
		copy(h[len(h)-len(b):], b)
	}
	return h
}

// DeriveModuleAddress derives the address a module record is filed under from
// its role and Wasm bytes (Keccak-256 of the role/code tuple).
func DeriveModuleAddress(role string, code []byte) Address {
	buf := make([]byte, 0, len(role)+len(code))
	buf = append(buf, role...)
	buf = append(buf, code...)
	return BytesToAddress(crypto.Keccak256(buf))
}

// BlockContext is the per-block data every Wasm invocation receives.
type BlockContext struct {
	Height      uint64  `json:"height"`
	TimeUnix    uint64  `json:"time_unix"`
	ChainID     string  `json:"chain_id"`
	Proposer    Address `json:"proposer"`
	GasLimit    uint64  `json:"gas_limit"`
	MinGasPrice uint64  `json:"min_gas_price"`
}

// Validate enforces the chain-id length bound from the data model.
func (b BlockContext) Validate() error {
	if len(b.ChainID) > 48 {
		return fmt.Errorf("chain_id exceeds 48 ASCII characters: %q", b.ChainID)
	}
	return nil
}
