package cli_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentlog/tlogd/internal/cli"
	"github.com/opentlog/tlogd/pkg/cose"
)

func TestIssuerCommandTree(t *testing.T) {
	root := cli.NewRootCommand("test", "none", "today")

	issuerCmd, _, err := root.Find([]string{"issuer"})
	require.NoError(t, err)
	assert.Equal(t, "issuer", issuerCmd.Use)

	generateCmd, _, err := root.Find([]string{"issuer", "key", "generate"})
	require.NoError(t, err)
	assert.Equal(t, "generate", generateCmd.Use)

	assert.NotNil(t, generateCmd.Flags().Lookup("private-key"))
	assert.NotNil(t, generateCmd.Flags().Lookup("public-key"))
}

func TestIssuerKeyGenerate(t *testing.T) {
	tmpDir := t.TempDir()
	privPath := filepath.Join(tmpDir, "issuer.cbor")
	pubPath := filepath.Join(tmpDir, "issuer-pub.cbor")

	root := cli.NewRootCommand("test", "none", "today")
	root.SetArgs([]string{"issuer", "key", "generate",
		"--private-key", privPath,
		"--public-key", pubPath,
	})
	require.NoError(t, root.Execute())

	t.Run("generated keys are importable COSE_Key CBOR", func(t *testing.T) {
		privBytes, err := os.ReadFile(privPath)
		require.NoError(t, err)
		privateKey, err := cose.ImportPrivateKeyFromCOSECBOR(privBytes)
		require.NoError(t, err)

		pubBytes, err := os.ReadFile(pubPath)
		require.NoError(t, err)
		publicKey, err := cose.ImportPublicKeyFromCOSECBOR(pubBytes)
		require.NoError(t, err)

		assert.Equal(t, privateKey.X, publicKey.X, "key pair halves must match")
		assert.Equal(t, privateKey.Y, publicKey.Y)
	})

	t.Run("generated pair signs and verifies", func(t *testing.T) {
		privBytes, err := os.ReadFile(privPath)
		require.NoError(t, err)
		privateKey, err := cose.ImportPrivateKeyFromCOSECBOR(privBytes)
		require.NoError(t, err)

		signer, err := cose.NewES256Signer(privateKey)
		require.NoError(t, err)
		verifier, err := cose.NewES256Verifier(&privateKey.PublicKey)
		require.NoError(t, err)

		signature, err := signer.Sign([]byte("issuer self-check"))
		require.NoError(t, err)
		valid, err := verifier.Verify([]byte("issuer self-check"), signature)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("two generations produce distinct keys", func(t *testing.T) {
		otherPriv := filepath.Join(tmpDir, "other.cbor")
		otherPub := filepath.Join(tmpDir, "other-pub.cbor")

		again := cli.NewRootCommand("test", "none", "today")
		again.SetArgs([]string{"issuer", "key", "generate",
			"--private-key", otherPriv,
			"--public-key", otherPub,
		})
		require.NoError(t, again.Execute())

		firstBytes, err := os.ReadFile(privPath)
		require.NoError(t, err)
		secondBytes, err := os.ReadFile(otherPriv)
		require.NoError(t, err)
		assert.NotEqual(t, firstBytes, secondBytes)
	})
}
