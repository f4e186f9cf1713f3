package merkle

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opentlog/tlogd/pkg/cose"
)

// ReceiptPayload is the CBOR map signed inside a receipt's COSE Sign1
// envelope: the inclusion proof issued at registration time.
type ReceiptPayload struct {
	LeafIndex     int64            `cbor:"leaf_index"`
	InclusionPath [][HashSize]byte `cbor:"inclusion_path"`
}

// Receipt is a signed inclusion proof: a ReceiptPayload wrapped in a COSE
// Sign1 envelope whose protected header pins the tree_size the proof was
// computed against.
type Receipt struct {
	Payload  ReceiptPayload
	TreeSize int64
	Sign1    *cose.CoseSign1
}

// CreateReceipt signs an inclusion proof for leafIndex against treeSize.
func CreateReceipt(leafIndex, treeSize int64, inclusionPath [][HashSize]byte, privateKey *ecdsa.PrivateKey, kid string) (*Receipt, error) {
	payload := ReceiptPayload{
		LeafIndex:     leafIndex,
		InclusionPath: inclusionPath,
	}

	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding receipt payload: %w", err)
	}

	signer, err := cose.NewES256Signer(privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating receipt signer: %w", err)
	}

	protected := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{
		Alg: cose.AlgorithmES256,
		Kid: kid,
		Cty: "application/cbor",
	})
	protected[cose.HeaderLabelVerifiableDataStructure] = "RFC9162_SHA256"
	protected["tree_size"] = treeSize

	sign1, err := cose.CreateCoseSign1(protected, payloadBytes, signer, cose.CoseSign1Options{})
	if err != nil {
		return nil, fmt.Errorf("signing receipt: %w", err)
	}

	return &Receipt{Payload: payload, TreeSize: treeSize, Sign1: sign1}, nil
}

// VerifyReceiptSignature checks the receipt's COSE Sign1 signature.
func VerifyReceiptSignature(receipt *Receipt, publicKey *ecdsa.PublicKey) (bool, error) {
	verifier, err := cose.NewES256Verifier(publicKey)
	if err != nil {
		return false, fmt.Errorf("creating receipt verifier: %w", err)
	}
	return cose.VerifyCoseSign1(receipt.Sign1, verifier, nil)
}

// EncodeReceipt serializes a receipt to its COSE Sign1 CBOR wire form.
func EncodeReceipt(receipt *Receipt) ([]byte, error) {
	return cose.EncodeCoseSign1(receipt.Sign1)
}

// DecodeReceipt parses a COSE Sign1 CBOR receipt, its payload, and the
// tree_size pinned in its protected header.
func DecodeReceipt(encoded []byte) (*Receipt, error) {
	sign1, err := cose.DecodeCoseSign1(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding receipt envelope: %w", err)
	}
	if sign1.Payload == nil {
		return nil, fmt.Errorf("receipt envelope has no payload")
	}

	var payload ReceiptPayload
	if err := cbor.Unmarshal(sign1.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding receipt payload: %w", err)
	}

	headers, err := cose.GetProtectedHeaders(sign1)
	if err != nil {
		return nil, fmt.Errorf("decoding receipt headers: %w", err)
	}

	var treeSize int64
	switch v := headers["tree_size"].(type) {
	case int64:
		treeSize = v
	case uint64:
		treeSize = int64(v)
	}

	return &Receipt{Payload: payload, TreeSize: treeSize, Sign1: sign1}, nil
}
