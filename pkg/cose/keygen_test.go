package cose_test

import (
	"crypto/elliptic"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentlog/tlogd/pkg/cose"
)

func TestGenerateES256KeyPair(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	require.NotNil(t, pair.Private)
	require.NotNil(t, pair.Public)

	assert.Equal(t, elliptic.P256(), pair.Private.Curve)
	assert.Equal(t, pair.Private.X, pair.Public.X)

	other, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, pair.Private.D, other.Private.D, "two generations must differ")
}

func TestJWKRoundTrip(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)

	jwk, err := cose.ExportPublicKeyToJWK(pair.Public)
	require.NoError(t, err)
	assert.Equal(t, "EC", jwk.Kty)
	assert.Equal(t, "P-256", jwk.Crv)
	assert.NotEmpty(t, jwk.X)
	assert.NotEmpty(t, jwk.Y)
	assert.Empty(t, jwk.D, "public JWK must not carry the private scalar")

	imported, err := cose.ImportPublicKeyFromJWK(jwk)
	require.NoError(t, err)
	assert.Equal(t, pair.Public.X, imported.X)
	assert.Equal(t, pair.Public.Y, imported.Y)

	t.Run("survives JSON marshalling", func(t *testing.T) {
		raw, err := cose.MarshalJWK(jwk)
		require.NoError(t, err)

		parsed, err := cose.UnmarshalJWK(raw)
		require.NoError(t, err)
		assert.Equal(t, jwk.X, parsed.X)
		assert.Equal(t, jwk.Y, parsed.Y)
	})

	t.Run("rejects nil key", func(t *testing.T) {
		_, err := cose.ExportPublicKeyToJWK(nil)
		assert.Error(t, err)
	})
}

func TestPEMRoundTrip(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)

	pemText, err := cose.ExportPrivateKeyToPEM(pair.Private)
	require.NoError(t, err)
	assert.True(t, strings.Contains(pemText, "BEGIN"), "expected a PEM block")

	imported, err := cose.ImportPrivateKeyFromPEM(pemText)
	require.NoError(t, err)
	assert.Equal(t, pair.Private.D, imported.D)
	assert.Equal(t, pair.Private.X, imported.X)

	t.Run("public PEM export", func(t *testing.T) {
		pubPEM, err := cose.ExportPublicKeyToPEM(pair.Public)
		require.NoError(t, err)
		assert.True(t, strings.Contains(pubPEM, "BEGIN"))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := cose.ImportPrivateKeyFromPEM("not pem at all")
		assert.Error(t, err)
	})
}

func TestCOSEKeyCBORRoundTrip(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)

	t.Run("private key", func(t *testing.T) {
		cborData, err := cose.ExportPrivateKeyToCOSECBOR(pair.Private)
		require.NoError(t, err)

		imported, err := cose.ImportPrivateKeyFromCOSECBOR(cborData)
		require.NoError(t, err)
		assert.Equal(t, pair.Private.D, imported.D)
	})

	t.Run("public key", func(t *testing.T) {
		cborData, err := cose.ExportPublicKeyToCOSECBOR(pair.Public)
		require.NoError(t, err)

		imported, err := cose.ImportPublicKeyFromCOSECBOR(cborData)
		require.NoError(t, err)
		assert.Equal(t, pair.Public.X, imported.X)
		assert.Equal(t, pair.Public.Y, imported.Y)
	})

	t.Run("public CBOR does not import as private", func(t *testing.T) {
		cborData, err := cose.ExportPublicKeyToCOSECBOR(pair.Public)
		require.NoError(t, err)

		_, err = cose.ImportPrivateKeyFromCOSECBOR(cborData)
		assert.Error(t, err)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := cose.ImportPublicKeyFromCOSECBOR(nil)
		assert.Error(t, err)
	})
}

func TestThumbprints(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)

	jwk, err := cose.ExportPublicKeyToJWK(pair.Public)
	require.NoError(t, err)

	t.Run("JWK thumbprint is deterministic", func(t *testing.T) {
		a, err := cose.ComputeKeyThumbprint(jwk)
		require.NoError(t, err)
		b, err := cose.ComputeKeyThumbprint(jwk)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.NotEmpty(t, a)
	})

	t.Run("COSE key thumbprint is deterministic and key-specific", func(t *testing.T) {
		a, err := cose.ComputeCOSEKeyThumbprint(pair.Public)
		require.NoError(t, err)
		b, err := cose.ComputeCOSEKeyThumbprint(pair.Public)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		other, err := cose.GenerateES256KeyPair()
		require.NoError(t, err)
		c, err := cose.ComputeCOSEKeyThumbprint(other.Public)
		require.NoError(t, err)
		assert.NotEqual(t, a, c)
	})
}

func TestGetKidFromCOSEKey(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)

	t.Run("falls back to the key thumbprint when no kid is set", func(t *testing.T) {
		cborData, err := cose.ExportPublicKeyToCOSECBOR(pair.Public)
		require.NoError(t, err)

		kid, err := cose.GetKidFromCOSEKey(cborData)
		require.NoError(t, err)

		thumbprint, err := cose.ComputeCOSEKeyThumbprint(pair.Public)
		require.NoError(t, err)
		assert.Equal(t, []byte(thumbprint), kid)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := cose.GetKidFromCOSEKey(nil)
		assert.Error(t, err)
	})
}

func TestJWKCOSEKeyConversion(t *testing.T) {
	pair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	jwk, err := cose.ExportPublicKeyToJWK(pair.Public)
	require.NoError(t, err)

	coseKey, err := cose.JWKToCOSEKey(jwk)
	require.NoError(t, err)

	back, err := cose.COSEKeyToJWK(coseKey)
	require.NoError(t, err)
	assert.Equal(t, jwk.X, back.X)
	assert.Equal(t, jwk.Y, back.Y)
	assert.Equal(t, jwk.Crv, back.Crv)
}
