// Package attestation verifies the oracle assertion a dispute resolves
// against. Two variants reduce to the same output — a quality score bound
// to an escrow's transaction id — by different means: a single-signer
// Ed25519 signature co-submitted with the resolve call, or a quorum-feed
// account read from an external oracle program.
package attestation

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// Attestation is the verified, bound output of either variant: a quality
// score in [0,100] tied to a specific transaction id.
type Attestation struct {
	TransactionID string
	QualityScore uint8
}

// Message returns the exact UTF-8 byte string a signed attestation must
// sign: "{transaction_id}:{quality_score}", no leading zeros, no whitespace.
func Message(transactionID string, qualityScore uint8) []byte {
	return []byte(fmt.Sprintf("%s:%d", transactionID, qualityScore))
}

// SignedVerifier verifies variant (a): a sibling Ed25519-verify instruction
// co-submitted in the same transaction, whose signer must match the
// escrow's configured verifier identity and whose message must be bound to
// this exact transaction id and quality score.
type SignedVerifier struct {
	// VerifierKey is the escrow's configured Ed25519 public key. Only
	// attestations signed by this key resolve the escrow.
	VerifierKey ed25519.PublicKey
}

// NewSignedVerifier builds a SignedVerifier from a hex-encoded Ed25519
// public key.
func NewSignedVerifier(hexKey string) (*SignedVerifier, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("attestation: invalid verifier key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attestation: verifier key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &SignedVerifier{VerifierKey: ed25519.PublicKey(raw)}, nil
}

// SiblingInstruction models the runtime's instruction-introspection read of
// the co-submitted Ed25519-verify instruction.
type SiblingInstruction struct {
	Signature []byte
	PublicKey []byte
	Message []byte
}

// Verify checks the sibling instruction against the escrow's transaction id
// and the claimed quality score:
// 1. the sibling's public key equals the configured verifier identity,
// 2. the sibling's message equals Message(transactionID, qualityScore),
// 3. the sibling's signature is a valid Ed25519 signature of that message
//    under the configured key.
//
// Re-deriving and comparing the bound fields means a signature valid for a
// different (transaction, score) pair cannot be replayed against this
// escrow.
func (v *SignedVerifier) Verify(sib SiblingInstruction, transactionID string, qualityScore uint8) (Attestation, error) {
	if len(v.VerifierKey) != ed25519.PublicKeySize || !publicKeyEqual(sib.PublicKey, v.VerifierKey) {
		return Attestation{}, escrowerr.New(escrowerr.InvalidSignature)
	}

	want := Message(transactionID, qualityScore)
	if !bytesEqual(sib.Message, want) {
		return Attestation{}, escrowerr.New(escrowerr.InvalidSignature)
	}

	if !ed25519.Verify(v.VerifierKey, sib.Message, sib.Signature) {
		return Attestation{}, escrowerr.New(escrowerr.InvalidSignature)
	}

	return Attestation{TransactionID: transactionID, QualityScore: qualityScore}, nil
}

// FeedRecord is the persisted record of an external quorum-oracle account,
// as the core parses it.
type FeedRecord struct {
	Owner string
	Value uint8
	LastUpdateUnix int64
}

// QuorumVerifier verifies variant (b): a feed account owned by a configured
// oracle program, fresh within a bounded window, carrying a value in
// [0,100].
type QuorumVerifier struct {
	ExpectedOwner string
	Freshness time.Duration
	Now func() time.Time
}

// NewQuorumVerifier builds a QuorumVerifier with the given expected feed
// owner and freshness window.
func NewQuorumVerifier(expectedOwner string, freshness time.Duration) *QuorumVerifier {
	return &QuorumVerifier{ExpectedOwner: expectedOwner, Freshness: freshness, Now: time.Now}
}

// Verify checks a feed record against the owner, freshness, and range
// constraints the core requires before trusting its value.
func (v *QuorumVerifier) Verify(feed FeedRecord, transactionID string) (Attestation, error) {
	if feed.Owner != v.ExpectedOwner {
		return Attestation{}, escrowerr.New(escrowerr.InvalidFeedOwner)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	age := now().Unix() - feed.LastUpdateUnix
	if age < 0 || time.Duration(age)*time.Second > v.Freshness {
		return Attestation{}, escrowerr.New(escrowerr.StaleAttestation)
	}

	if feed.Value > 100 {
		return Attestation{}, escrowerr.New(escrowerr.ValueOutOfRange)
	}

	return Attestation{TransactionID: transactionID, QualityScore: feed.Value}, nil
}

func publicKeyEqual(a []byte, b ed25519.PublicKey) bool {
	return bytesEqual(a, []byte(b))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
