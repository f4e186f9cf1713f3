package merkle

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opentlog/tlogd/pkg/cose"
)

// CheckpointPayload is the CBOR map signed inside a checkpoint's COSE Sign1
// envelope: a commitment to the tree's size and root at a point in time.
type CheckpointPayload struct {
	Origin    string         `cbor:"origin"`
	TreeSize  int64          `cbor:"tree_size"`
	RootHash  [HashSize]byte `cbor:"root_hash"`
	Timestamp int64          `cbor:"timestamp"`
}

// Checkpoint is a signed tree head: a CheckpointPayload wrapped in a COSE
// Sign1 envelope, the same envelope shape used for registered statements.
type Checkpoint struct {
	Payload CheckpointPayload
	Sign1   *cose.CoseSign1
}

// CreateCheckpoint signs a new checkpoint over the given tree state.
func CreateCheckpoint(treeSize int64, rootHash [HashSize]byte, timestamp int64, origin string, privateKey *ecdsa.PrivateKey, kid string) (*Checkpoint, error) {
	payload := CheckpointPayload{
		Origin:    origin,
		TreeSize:  treeSize,
		RootHash:  rootHash,
		Timestamp: timestamp,
	}

	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint payload: %w", err)
	}

	signer, err := cose.NewES256Signer(privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint signer: %w", err)
	}

	protected := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{
		Alg: cose.AlgorithmES256,
		Kid: kid,
		Cty: "application/cbor",
	})
	protected[cose.HeaderLabelVerifiableDataStructure] = "RFC9162_SHA256"

	sign1, err := cose.CreateCoseSign1(protected, payloadBytes, signer, cose.CoseSign1Options{})
	if err != nil {
		return nil, fmt.Errorf("signing checkpoint: %w", err)
	}

	return &Checkpoint{Payload: payload, Sign1: sign1}, nil
}

// VerifyCheckpoint checks the checkpoint's COSE Sign1 signature.
func VerifyCheckpoint(checkpoint *Checkpoint, publicKey *ecdsa.PublicKey) (bool, error) {
	verifier, err := cose.NewES256Verifier(publicKey)
	if err != nil {
		return false, fmt.Errorf("creating checkpoint verifier: %w", err)
	}
	return cose.VerifyCoseSign1(checkpoint.Sign1, verifier, nil)
}

// EncodeCheckpoint serializes a checkpoint to its COSE Sign1 CBOR wire form.
func EncodeCheckpoint(checkpoint *Checkpoint) ([]byte, error) {
	return cose.EncodeCoseSign1(checkpoint.Sign1)
}

// DecodeCheckpoint parses a COSE Sign1 CBOR checkpoint and its payload.
func DecodeCheckpoint(encoded []byte) (*Checkpoint, error) {
	sign1, err := cose.DecodeCoseSign1(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint envelope: %w", err)
	}

	if sign1.Payload == nil {
		return nil, fmt.Errorf("checkpoint envelope has no payload")
	}

	var payload CheckpointPayload
	if err := cbor.Unmarshal(sign1.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding checkpoint payload: %w", err)
	}

	return &Checkpoint{Payload: payload, Sign1: sign1}, nil
}
