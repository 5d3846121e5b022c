// Package instruction defines the wire envelope every escrow operation is
// submitted as: an 8-byte discriminator identifying the operation, followed
// by a packed little-endian argument record. The HTTP handlers in
// internal/escrow bind each request's JSON body to a Go struct, encode it
// into one of these envelopes and decode it again, and pass the decoded
// arguments to the service, so every HTTP call goes through the
// instruction-submission contract.
package instruction

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Discriminator is the 8-byte operation tag every instruction leads with.
type Discriminator [8]byte

// One constant per operation, assigned sequentially rather than hashed:
// there is no collision risk to guard against since this program defines
// its own closed instruction set.
var (
	Create = Discriminator{1}
	Release = Discriminator{2}
	MarkDisputed = Discriminator{3}
	ResolveDisputeSigned = Discriminator{4}
	ResolveDisputeQuorum = Discriminator{5}
)

var names = map[Discriminator]string{
	Create: "create",
	Release: "release",
	MarkDisputed: "mark_disputed",
	ResolveDisputeSigned: "resolve_dispute_signed",
	ResolveDisputeQuorum: "resolve_dispute_quorum",
}

func (d Discriminator) String() string {
	if name, ok := names[d]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%x)", [8]byte(d))
}

// CreateArgs is the packed argument record for the create instruction.
type CreateArgs struct {
	Agent string
	API string
	TransactionID string
	Amount uint64
	TimeLockSeconds int64
}

// EncodeCreate packs a and returns Create's discriminator plus its argument
// record.
func EncodeCreate(a CreateArgs) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(Create[:])
	if err := writeString(buf, a.Agent); err != nil {
		return nil, err
	}
	if err := writeString(buf, a.API); err != nil {
		return nil, err
	}
	if err := writeString(buf, a.TransactionID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, a.Amount); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, a.TimeLockSeconds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCreate unpacks a raw instruction previously produced by EncodeCreate.
func DecodeCreate(raw []byte) (CreateArgs, error) {
	var a CreateArgs
	disc, body, err := split(raw)
	if err != nil {
		return a, err
	}
	if disc != Create {
		return a, fmt.Errorf("instruction: expected create, got %s", disc)
	}
	r := bytes.NewReader(body)
	if a.Agent, err = readString(r); err != nil {
		return a, err
	}
	if a.API, err = readString(r); err != nil {
		return a, err
	}
	if a.TransactionID, err = readString(r); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.LittleEndian, &a.Amount); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.LittleEndian, &a.TimeLockSeconds); err != nil {
		return a, err
	}
	return a, nil
}

// ReleaseArgs is the packed argument record for the release instruction.
type ReleaseArgs struct {
	Escrow string
	Caller string
}

func EncodeRelease(a ReleaseArgs) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(Release[:])
	if err := writeString(buf, a.Escrow); err != nil {
		return nil, err
	}
	if err := writeString(buf, a.Caller); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeRelease(raw []byte) (ReleaseArgs, error) {
	var a ReleaseArgs
	disc, body, err := split(raw)
	if err != nil {
		return a, err
	}
	if disc != Release {
		return a, fmt.Errorf("instruction: expected release, got %s", disc)
	}
	r := bytes.NewReader(body)
	if a.Escrow, err = readString(r); err != nil {
		return a, err
	}
	if a.Caller, err = readString(r); err != nil {
		return a, err
	}
	return a, nil
}

// MarkDisputedArgs is the packed argument record for the mark_disputed
// instruction.
type MarkDisputedArgs struct {
	Escrow string
	Agent string
}

func EncodeMarkDisputed(a MarkDisputedArgs) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(MarkDisputed[:])
	if err := writeString(buf, a.Escrow); err != nil {
		return nil, err
	}
	if err := writeString(buf, a.Agent); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeMarkDisputed(raw []byte) (MarkDisputedArgs, error) {
	var a MarkDisputedArgs
	disc, body, err := split(raw)
	if err != nil {
		return a, err
	}
	if disc != MarkDisputed {
		return a, fmt.Errorf("instruction: expected mark_disputed, got %s", disc)
	}
	r := bytes.NewReader(body)
	if a.Escrow, err = readString(r); err != nil {
		return a, err
	}
	if a.Agent, err = readString(r); err != nil {
		return a, err
	}
	return a, nil
}

// ResolveArgs is the packed argument record shared by both resolve
// variants: the quality score and refund percentage are caller-supplied and
// cross-checked against the refund calculator regardless of which verifier
// variant attests them.
type ResolveArgs struct {
	Escrow string
	QualityScore uint8
	RefundPercentage uint8
}

func encodeResolve(buf *bytes.Buffer, a ResolveArgs) error {
	if err := writeString(buf, a.Escrow); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, a.QualityScore); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, a.RefundPercentage)
}

func decodeResolve(r *bytes.Reader) (ResolveArgs, error) {
	var a ResolveArgs
	var err error
	if a.Escrow, err = readString(r); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.LittleEndian, &a.QualityScore); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.LittleEndian, &a.RefundPercentage); err != nil {
		return a, err
	}
	return a, nil
}

// ResolveSignedArgs additionally carries the sibling Ed25519-verify
// instruction's public key and signature.
type ResolveSignedArgs struct {
	ResolveArgs
	PublicKey []byte
	Signature []byte
}

func EncodeResolveSigned(a ResolveSignedArgs) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(ResolveDisputeSigned[:])
	if err := encodeResolve(buf, a.ResolveArgs); err != nil {
		return nil, err
	}
	if err := writeBytes(buf, a.PublicKey); err != nil {
		return nil, err
	}
	if err := writeBytes(buf, a.Signature); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeResolveSigned(raw []byte) (ResolveSignedArgs, error) {
	var a ResolveSignedArgs
	disc, body, err := split(raw)
	if err != nil {
		return a, err
	}
	if disc != ResolveDisputeSigned {
		return a, fmt.Errorf("instruction: expected resolve_dispute_signed, got %s", disc)
	}
	r := bytes.NewReader(body)
	if a.ResolveArgs, err = decodeResolve(r); err != nil {
		return a, err
	}
	if a.PublicKey, err = readBytes(r); err != nil {
		return a, err
	}
	if a.Signature, err = readBytes(r); err != nil {
		return a, err
	}
	return a, nil
}

// ResolveQuorumArgs additionally carries the parsed quorum-feed record.
type ResolveQuorumArgs struct {
	ResolveArgs
	FeedOwner string
	FeedValue uint8
	FeedLastUpdate int64
}

func EncodeResolveQuorum(a ResolveQuorumArgs) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(ResolveDisputeQuorum[:])
	if err := encodeResolve(buf, a.ResolveArgs); err != nil {
		return nil, err
	}
	if err := writeString(buf, a.FeedOwner); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, a.FeedValue); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, a.FeedLastUpdate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeResolveQuorum(raw []byte) (ResolveQuorumArgs, error) {
	var a ResolveQuorumArgs
	disc, body, err := split(raw)
	if err != nil {
		return a, err
	}
	if disc != ResolveDisputeQuorum {
		return a, fmt.Errorf("instruction: expected resolve_dispute_quorum, got %s", disc)
	}
	r := bytes.NewReader(body)
	if a.ResolveArgs, err = decodeResolve(r); err != nil {
		return a, err
	}
	if a.FeedOwner, err = readString(r); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.LittleEndian, &a.FeedValue); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.LittleEndian, &a.FeedLastUpdate); err != nil {
		return a, err
	}
	return a, nil
}

func split(raw []byte) (Discriminator, []byte, error) {
	if len(raw) < 8 {
		return Discriminator{}, nil, fmt.Errorf("instruction: envelope too short (%d bytes)", len(raw))
	}
	var d Discriminator
	copy(d[:], raw[:8])
	return d, raw[8:], nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("instruction: field too long (%d bytes)", len(b))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
