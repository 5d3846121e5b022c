package runtime

import (
	"fmt"

	"github.com/mbd888/escrowd/internal/attestation"
)

// SubmittedInstruction is one entry of the transaction's instruction list,
// as the runtime's introspection sysvar would expose it. The signed-resolve
// path reads index 0 here to find its companion Ed25519-verify instruction.
type SubmittedInstruction struct {
	ProgramID string
	PublicKey []byte
	Signature []byte
	Message []byte
}

// InstructionIntrospection is the caller-supplied stand-in for the
// runtime's native instruction-introspection account: the full list of
// instructions submitted alongside the current one, in transaction order.
type InstructionIntrospection []SubmittedInstruction

// Ed25519At returns the sibling instruction at index as an
// attestation.SiblingInstruction, failing if index is out of range or the
// entry isn't tagged as the native Ed25519 verifier program.
func (ii InstructionIntrospection) Ed25519At(index int, ed25519ProgramID string) (attestation.SiblingInstruction, error) {
	if index < 0 || index >= len(ii) {
		return attestation.SiblingInstruction{}, fmt.Errorf("runtime: no instruction at index %d", index)
	}
	sib := ii[index]
	if sib.ProgramID != ed25519ProgramID {
		return attestation.SiblingInstruction{}, fmt.Errorf("runtime: instruction at index %d is not the Ed25519 verifier", index)
	}
	return attestation.SiblingInstruction{
		Signature: sib.Signature,
		PublicKey: sib.PublicKey,
		Message: sib.Message,
	}, nil
}
