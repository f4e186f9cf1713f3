package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentlog/tlogd/internal/config"
	"github.com/opentlog/tlogd/internal/service"
	"github.com/opentlog/tlogd/pkg/cose"
)

func newTestService(t *testing.T) *service.TransparencyService {
	t.Helper()
	tmpDir := t.TempDir()

	keyPair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)

	privatePEM, err := cose.ExportPrivateKeyToPEM(keyPair.Private)
	require.NoError(t, err)
	privateKeyPath := filepath.Join(tmpDir, "key.pem")
	require.NoError(t, os.WriteFile(privateKeyPath, []byte(privatePEM), 0600))

	publicJWK, err := cose.ExportPublicKeyToJWK(keyPair.Public)
	require.NoError(t, err)
	publicJWKBytes, err := cose.MarshalJWK(publicJWK)
	require.NoError(t, err)
	publicKeyPath := filepath.Join(tmpDir, "key.jwk")
	require.NoError(t, os.WriteFile(publicKeyPath, publicJWKBytes, 0644))

	svc, err := service.NewTransparencyService(&config.Config{
		Origin: "https://svc.example.com",
		Database: config.DatabaseConfig{
			Path:      filepath.Join(tmpDir, "svc.db"),
			EnableWAL: true,
		},
		Storage: config.StorageConfig{Type: "memory"},
		Keys: config.KeysConfig{
			Private: privateKeyPath,
			Public:  publicKeyPath,
			Kid:     "svc-key",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func signedStatement(t *testing.T, subject string) []byte {
	t.Helper()

	keyPair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := cose.NewES256Signer(keyPair.Private)
	require.NoError(t, err)

	payload, err := cose.HashData([]byte("artifact "+subject), cose.HashAlgorithmSHA256)
	require.NoError(t, err)

	headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{
		Alg: cose.AlgorithmES256,
		CWTClaims: cose.CreateCWTClaims(cose.CWTClaimsOptions{
			Iss: "https://issuer.example.com",
			Sub: subject,
		}),
	})
	headers[cose.HeaderLabelPayloadHashAlg] = cose.HashAlgorithmSHA256

	sign1, err := cose.CreateCoseSign1(headers, payload, signer, cose.CoseSign1Options{})
	require.NoError(t, err)
	statement, err := cose.EncodeCoseSign1(sign1)
	require.NoError(t, err)
	return statement
}

func TestRegisterAssignsDensePositions(t *testing.T) {
	svc := newTestService(t)

	for i := 0; i < 6; i++ {
		outcome, err := svc.Register(context.Background(), signedStatement(t, fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
		require.Equal(t, service.StatusAccepted, outcome.Status)
		assert.Equal(t, int64(i), outcome.Position)
		assert.NotEmpty(t, outcome.ReceiptBytes)
	}

	size, err := svc.TreeSize()
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
}

func TestRegisterDuplicateKeepsPositionAndSize(t *testing.T) {
	svc := newTestService(t)
	statement := signedStatement(t, "dup")

	first, err := svc.Register(context.Background(), statement)
	require.NoError(t, err)
	require.Equal(t, service.StatusAccepted, first.Status)

	second, err := svc.Register(context.Background(), statement)
	require.NoError(t, err)
	assert.Equal(t, service.StatusDuplicate, second.Status)
	assert.Equal(t, first.Position, second.Position)

	size, err := svc.TreeSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestRegisterConcurrentDuplicate(t *testing.T) {
	svc := newTestService(t)
	statement := signedStatement(t, "race")

	const attempts = 4
	outcomes := make([]*service.RegistrationOutcome, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Register(context.Background(), statement)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		switch outcome.Status {
		case service.StatusAccepted:
			accepted++
		case service.StatusDuplicate:
		default:
			t.Fatalf("unexpected outcome %q", outcome.Status)
		}
		assert.Equal(t, int64(0), outcome.Position)
	}
	assert.Equal(t, 1, accepted, "exactly one submission should win the append")

	size, err := svc.TreeSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestRegisterRejectsOversizeStatement(t *testing.T) {
	svc := newTestService(t)

	huge := make([]byte, (1<<20)+1)
	outcome, err := svc.Register(context.Background(), huge)
	require.NoError(t, err)
	assert.Equal(t, service.StatusRejected, outcome.Status)
	assert.Equal(t, service.ReasonInvalidCose, outcome.RejectReason)

	size, err := svc.TreeSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRegisterRejectsWrongAlgorithm(t *testing.T) {
	svc := newTestService(t)

	keyPair, err := cose.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := cose.NewES256Signer(keyPair.Private)
	require.NoError(t, err)

	headers := cose.CreateProtectedHeaders(cose.ProtectedHeadersOptions{Alg: cose.AlgorithmEdDSA})
	headers[cose.HeaderLabelPayloadHashAlg] = cose.HashAlgorithmSHA256
	sign1, err := cose.CreateCoseSign1(headers, []byte("p"), signer, cose.CoseSign1Options{})
	require.NoError(t, err)
	statement, err := cose.EncodeCoseSign1(sign1)
	require.NoError(t, err)

	outcome, err := svc.Register(context.Background(), statement)
	require.NoError(t, err)
	assert.Equal(t, service.StatusRejected, outcome.Status)
	assert.Equal(t, service.ReasonUnsupportedAlgorithm, outcome.RejectReason)

	size, err := svc.TreeSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestGetReceiptReproducible(t *testing.T) {
	svc := newTestService(t)

	outcome, err := svc.Register(context.Background(), signedStatement(t, "reread"))
	require.NoError(t, err)
	require.Equal(t, service.StatusAccepted, outcome.Status)

	receipt, err := svc.GetReceipt(outcome.Position)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt)

	_, err = svc.GetReceipt(99)
	assert.ErrorIs(t, err, service.ErrNotFound)
}
