// Package cose provides COSE (RFC 8152/9052) cryptographic operations
package cose

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	gocose "github.com/veraison/go-cose"
)

// Signer interface for creating signatures
// This abstraction allows for HSM integration in the future
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier interface for validating signatures
type Verifier interface {
	Verify(data []byte, signature []byte) (bool, error)
}

// ES256Signer signs with ECDSA P-256 + SHA-256, producing IEEE P1363
// (r || s) signatures via go-cose's ES256 implementation.
type ES256Signer struct {
	inner gocose.Signer
}

// NewES256Signer creates a new ES256 signer from a private key
func NewES256Signer(privateKey *ecdsa.PrivateKey) (*ES256Signer, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is nil")
	}
	inner, err := gocose.NewSigner(gocose.AlgorithmES256, privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating ES256 signer: %w", err)
	}
	return &ES256Signer{inner: inner}, nil
}

// Sign signs the data using ECDSA P-256 with SHA-256
func (s *ES256Signer) Sign(data []byte) ([]byte, error) {
	signature, err := s.inner.Sign(rand.Reader, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// ES256Verifier verifies ECDSA P-256 + SHA-256 signatures in IEEE P1363
// format.
type ES256Verifier struct {
	inner gocose.Verifier
}

// NewES256Verifier creates a new ES256 verifier from a public key
func NewES256Verifier(publicKey *ecdsa.PublicKey) (*ES256Verifier, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("public key is nil")
	}
	inner, err := gocose.NewVerifier(gocose.AlgorithmES256, publicKey)
	if err != nil {
		return nil, fmt.Errorf("creating ES256 verifier: %w", err)
	}
	return &ES256Verifier{inner: inner}, nil
}

// Verify reports whether signature is a valid ES256 signature over data.
// A well-formed but wrong signature returns (false, nil); only malformed
// inputs produce an error.
func (v *ES256Verifier) Verify(data []byte, signature []byte) (bool, error) {
	if len(signature) != 64 {
		return false, fmt.Errorf("invalid signature length: expected 64 bytes, got %d", len(signature))
	}
	if err := v.inner.Verify(data, signature); err != nil {
		if errors.Is(err, gocose.ErrVerification) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
