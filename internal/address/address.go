// Package address derives the deterministic, program-owned addresses every
// ledger record is keyed by. Unlike internal/idgen (cryptographically
// random, used for event IDs and salts), every address here is a pure
// function of its seed tuple: re-deriving from the same inputs always
// yields the same address and bump.
package address

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the byte length of a derived address.
const Size = 32

// Address is a deterministic, program-owned identifier. It holds no private
// key; only the program that derived it may authorize transfers from the
// record it addresses.
type Address [Size]byte

// String returns the hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// canonicalBump is fixed rather than searched: this derivation has no
// elliptic-curve membership constraint to avoid, so there is exactly one
// valid bump per seed tuple. It is still part of the returned tuple because
// escrow records persist it as wire state.
const canonicalBump = 255

// Derive computes a deterministic address and bump from a seed tuple and the
// owning program's identifier. It is the single hashing primitive behind
// EscrowAddress, ReputationAddress, and RateLimitAddress — every caller
// supplies its own seed tag so addresses never collide across record kinds.
func Derive(hashKey []byte, programID string, seeds ...string) (Address, byte, error) {
	addr, err := hashSeeds(hashKey, programID, seeds, canonicalBump)
	if err != nil {
		return Address{}, 0, err
	}
	return addr, canonicalBump, nil
}

func hashSeeds(hashKey []byte, programID string, seeds []string, bump byte) (Address, error) {
	h, err := blake2b.New256(hashKey)
	if err != nil {
		return Address{}, fmt.Errorf("address: init hash: %w", err)
	}
	for _, seed := range seeds {
		h.Write([]byte(seed))
		h.Write([]byte{0}) // separator, prevents seed concatenation ambiguity
	}
	h.Write([]byte(programID))
	h.Write([]byte{bump})

	var out Address
	copy(out[:], h.Sum(nil))
	return out, nil
}

// EscrowAddress derives the address of an escrow record: hash("escrow",
// transaction_id, program_id).
func EscrowAddress(hashKey []byte, programID, transactionID string) (Address, byte, error) {
	return Derive(hashKey, programID, "escrow", transactionID)
}

// ReputationAddress derives the address of an entity's reputation record:
// hash("reputation", entity, program_id).
func ReputationAddress(hashKey []byte, programID, entity string) (Address, byte, error) {
	return Derive(hashKey, programID, "reputation", entity)
}

// RateLimitAddress derives the address of an entity's rate-limiter record:
// hash("rate_limit", entity, program_id).
func RateLimitAddress(hashKey []byte, programID, entity string) (Address, byte, error) {
	return Derive(hashKey, programID, "rate_limit", entity)
}
