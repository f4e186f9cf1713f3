package cose_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentlog/tlogd/pkg/cose"
)

func newSignerPair(t *testing.T) (*cose.ES256Signer, *cose.ES256Verifier) {
	t.Helper()
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := cose.NewES256Signer(pair.Private)
	require.NoError(t, err)
	verifier, err := cose.NewES256Verifier(pair.Public)
	require.NoError(t, err)
	return signer, verifier
}

func TestCWTClaims(t *testing.T) {
	claims := cose.CreateCWTClaims(cose.CWTClaimsOptions{
		Iss: "https://issuer.example.com",
		Sub: "dataset-7",
	})

	assert.Equal(t, "https://issuer.example.com", claims[cose.CWTClaimIss])
	assert.Equal(t, "dataset-7", claims[cose.CWTClaimSub])
	assert.NotContains(t, claims, cose.CWTClaimAud, "unset claims stay absent")
}

func TestProtectedHeaders(t *testing.T) {
	headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{
		Alg: cose.AlgorithmES256,
		Kid: "key-1",
		Cty: "application/json",
	})

	assert.Equal(t, cose.AlgorithmES256, headers[cose.HeaderLabelAlg])
	assert.Equal(t, "key-1", headers[cose.HeaderLabelKid])
	assert.Equal(t, "application/json", headers[cose.HeaderLabelContentType])
	assert.NotContains(t, headers, cose.HeaderLabelTyp)
}

func TestSignAndVerify(t *testing.T) {
	signer, verifier := newSignerPair(t)
	headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{Alg: cose.AlgorithmES256})
	payload := []byte("statement payload")

	sign1, err := cose.CreateCoseSign1(headers, payload, signer, cose.CoseSign1Options{})
	require.NoError(t, err)
	assert.Equal(t, payload, sign1.Payload)
	assert.Len(t, sign1.Signature, 64, "ES256 signatures are 64-byte r||s")

	t.Run("verifies with the right key", func(t *testing.T) {
		valid, err := cose.VerifyCoseSign1(sign1, verifier, nil)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("fails with a different key", func(t *testing.T) {
		_, wrongVerifier := newSignerPair(t)
		valid, err := cose.VerifyCoseSign1(sign1, wrongVerifier, nil)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("fails when the payload is swapped", func(t *testing.T) {
		tampered := *sign1
		tampered.Payload = []byte("forged payload")
		valid, _ := cose.VerifyCoseSign1(&tampered, verifier, nil)
		assert.False(t, valid)
	})

	t.Run("fails when the protected header changes", func(t *testing.T) {
		otherHeaders := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{
			Alg: cose.AlgorithmES256,
			Kid: "attacker-key",
		})
		resigned, err := cose.CreateCoseSign1(otherHeaders, payload, signer, cose.CoseSign1Options{})
		require.NoError(t, err)

		spliced := *sign1
		spliced.Protected = resigned.Protected
		valid, _ := cose.VerifyCoseSign1(&spliced, verifier, nil)
		assert.False(t, valid)
	})
}

func TestDetachedPayload(t *testing.T) {
	signer, verifier := newSignerPair(t)
	headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{Alg: cose.AlgorithmES256})
	payload := []byte("detached content")

	sign1, err := cose.CreateCoseSign1(headers, payload, signer, cose.CoseSign1Options{Detached: true})
	require.NoError(t, err)
	assert.Nil(t, sign1.Payload, "detached structure carries no payload")

	valid, err := cose.VerifyCoseSign1(sign1, verifier, payload)
	require.NoError(t, err)
	assert.True(t, valid)

	t.Run("verification needs the external payload", func(t *testing.T) {
		_, err := cose.VerifyCoseSign1(sign1, verifier, nil)
		assert.Error(t, err)
	})

	t.Run("wrong external payload fails", func(t *testing.T) {
		valid, err := cose.VerifyCoseSign1(sign1, verifier, []byte("different content"))
		require.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	signer, verifier := newSignerPair(t)
	headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{
		Alg: cose.AlgorithmES256,
		CWTClaims: cose.CreateCWTClaims(cose.CWTClaimsOptions{
			Iss: "https://issuer.example.com",
		}),
	})

	sign1, err := cose.CreateCoseSign1(headers, []byte("round trip"), signer, cose.CoseSign1Options{})
	require.NoError(t, err)

	encoded, err := cose.EncodeCoseSign1(sign1)
	require.NoError(t, err)

	decoded, err := cose.DecodeCoseSign1(encoded)
	require.NoError(t, err)
	assert.Equal(t, sign1.Payload, decoded.Payload)
	assert.Equal(t, sign1.Signature, decoded.Signature)
	assert.Equal(t, sign1.Protected, decoded.Protected)

	t.Run("signature still verifies after the round trip", func(t *testing.T) {
		valid, err := cose.VerifyCoseSign1(decoded, verifier, nil)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("decoded protected headers keep their values", func(t *testing.T) {
		parsed, err := cose.GetProtectedHeaders(decoded)
		require.NoError(t, err)

		// CBOR integer keys come back as uint64, negative values as int64.
		assert.Equal(t, int64(cose.AlgorithmES256), parsed[uint64(cose.HeaderLabelAlg)])

		claims, ok := parsed[uint64(cose.HeaderLabelCWTClaims)].(map[interface{}]interface{})
		require.True(t, ok)
		assert.Equal(t, "https://issuer.example.com", claims[uint64(cose.CWTClaimIss)])
	})
}

func TestDecodeCoseSign1Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           nil,
		"not cbor":        []byte("plain text"),
		"wrong arity":     {0x82, 0x01, 0x02},       // [1, 2]
		"non-bstr fields": {0x84, 0x01, 0x02, 0x03, 0x04}, // [1, 2, 3, 4]
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := cose.DecodeCoseSign1(data)
			assert.Error(t, err)
		})
	}
}
