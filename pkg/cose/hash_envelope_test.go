package cose_test

import (
	"crypto/sha256"
	"crypto/sha512"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentlog/tlogd/pkg/cose"
)

func TestHashData(t *testing.T) {
	artifact := []byte("artifact bytes")

	t.Run("sha-256", func(t *testing.T) {
		got, err := cose.HashData(artifact, cose.HashAlgorithmSHA256)
		require.NoError(t, err)
		want := sha256.Sum256(artifact)
		assert.Equal(t, want[:], got)
	})

	t.Run("sha-384", func(t *testing.T) {
		got, err := cose.HashData(artifact, cose.HashAlgorithmSHA384)
		require.NoError(t, err)
		want := sha512.Sum384(artifact)
		assert.Equal(t, want[:], got)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := cose.HashData(artifact, 12345)
		assert.Error(t, err)
	})
}

func TestStreamHashFromFile(t *testing.T) {
	content := []byte("large artifact simulated small")
	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))

	got, err := cose.StreamHashFromFile(path, cose.HashAlgorithmSHA256)
	require.NoError(t, err)
	want := sha256.Sum256(content)
	assert.Equal(t, want[:], got)

	t.Run("missing file", func(t *testing.T) {
		_, err := cose.StreamHashFromFile(filepath.Join(t.TempDir(), "absent"), cose.HashAlgorithmSHA256)
		assert.Error(t, err)
	})
}

func TestCreateAndValidateHashEnvelope(t *testing.T) {
	artifact := []byte("dataset contents")

	envelope, err := cose.CreateHashEnvelope(artifact, cose.HashEnvelopeOptions{
		ContentType: "application/vnd.apache.parquet",
		Location:    "https://data.example.com/d.parquet",
	})
	require.NoError(t, err)

	assert.Equal(t, cose.HashAlgorithmSHA256, envelope.PayloadHashAlg, "SHA-256 is the default")
	assert.Equal(t, "application/vnd.apache.parquet", envelope.PreimageContentType)
	assert.Equal(t, "https://data.example.com/d.parquet", envelope.PayloadLocation)
	want := sha256.Sum256(artifact)
	assert.Equal(t, want[:], envelope.PayloadHash)

	t.Run("validates the matching artifact", func(t *testing.T) {
		ok, err := cose.ValidateHashEnvelope(envelope, artifact)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("rejects a different artifact", func(t *testing.T) {
		ok, err := cose.ValidateHashEnvelope(envelope, []byte("tampered contents"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSignHashEnvelope(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := cose.NewES256Signer(pair.Private)
	require.NoError(t, err)
	verifier, err := cose.NewES256Verifier(pair.Public)
	require.NoError(t, err)

	artifact := []byte("signed dataset")
	opts := cose.HashEnvelopeOptions{
		ContentType: "application/octet-stream",
		Location:    "https://data.example.com/a",
	}
	claims := cose.CreateCWTClaims(cose.CWTClaimsOptions{
		Iss: "https://issuer.example.com",
		Sub: "dataset-a",
	})

	sign1, err := cose.SignHashEnvelope(artifact, opts, signer, []byte("issuer-kid"), claims, false)
	require.NoError(t, err)

	t.Run("payload is the artifact hash, not the artifact", func(t *testing.T) {
		want := sha256.Sum256(artifact)
		assert.Equal(t, want[:], sign1.Payload)
	})

	t.Run("protected headers carry the envelope labels and kid", func(t *testing.T) {
		headers, err := cose.GetProtectedHeaders(sign1)
		require.NoError(t, err)
		assert.Equal(t, int64(cose.HashAlgorithmSHA256), headers[uint64(cose.HeaderLabelPayloadHashAlg)])
		assert.Equal(t, "application/octet-stream", headers[uint64(cose.HeaderLabelPayloadPreimageContentType)])
		assert.Equal(t, "https://data.example.com/a", headers[uint64(cose.HeaderLabelPayloadLocation)])
		assert.Equal(t, []byte("issuer-kid"), headers[uint64(cose.HeaderLabelKid)])
	})

	t.Run("verifies signature and hash together", func(t *testing.T) {
		result, err := cose.VerifyHashEnvelope(sign1, artifact, verifier)
		require.NoError(t, err)
		assert.True(t, result.SignatureValid)
		assert.True(t, result.HashValid)
	})

	t.Run("wrong artifact fails only the hash check", func(t *testing.T) {
		result, err := cose.VerifyHashEnvelope(sign1, []byte("other artifact"), verifier)
		require.NoError(t, err)
		assert.True(t, result.SignatureValid)
		assert.False(t, result.HashValid)
	})

	t.Run("wrong key fails only the signature check", func(t *testing.T) {
		otherPair, err := cose.GenerateES256KeyPair()
		require.NoError(t, err)
		otherVerifier, err := cose.NewES256Verifier(otherPair.Public)
		require.NoError(t, err)

		result, err := cose.VerifyHashEnvelope(sign1, artifact, otherVerifier)
		require.NoError(t, err)
		assert.False(t, result.SignatureValid)
		assert.True(t, result.HashValid)
	})

	t.Run("round trips through wire encoding", func(t *testing.T) {
		encoded, err := cose.EncodeCoseSign1(sign1)
		require.NoError(t, err)
		decoded, err := cose.DecodeCoseSign1(encoded)
		require.NoError(t, err)

		result, err := cose.VerifyHashEnvelope(decoded, artifact, verifier)
		require.NoError(t, err)
		assert.True(t, result.SignatureValid)
		assert.True(t, result.HashValid)
	})
}

func TestExtractHashEnvelopeParams(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := cose.NewES256Signer(pair.Private)
	require.NoError(t, err)

	t.Run("extracts the envelope fields", func(t *testing.T) {
		sign1, err := cose.SignHashEnvelope([]byte("x"), cose.HashEnvelopeOptions{
			ContentType: "text/plain",
		}, signer, nil, nil, false)
		require.NoError(t, err)

		params, err := cose.ExtractHashEnvelopeParams(sign1)
		require.NoError(t, err)
		assert.Equal(t, cose.HashAlgorithmSHA256, params.PayloadHashAlg)
		assert.Equal(t, "text/plain", params.PreimageContentType)
	})

	t.Run("fails on a plain signature without envelope labels", func(t *testing.T) {
		headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{Alg: cose.AlgorithmES256})
		sign1, err := cose.CreateCoseSign1(headers, []byte("p"), signer, cose.CoseSign1Options{})
		require.NoError(t, err)

		_, err = cose.ExtractHashEnvelopeParams(sign1)
		assert.Error(t, err)
	})
}
