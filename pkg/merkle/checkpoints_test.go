package merkle_test

import (
	"testing"
	"time"

	"github.com/opentlog/tlogd/pkg/cose"
	"github.com/opentlog/tlogd/pkg/merkle"
)

func TestCheckpointCreation(t *testing.T) {
	t.Run("can create checkpoint from tree state", func(t *testing.T) {
		keyPair, err := cose.GenerateES256KeyPair()
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		rootHash := [32]byte{}
		for i := range rootHash {
			rootHash[i] = 0xab
		}

		checkpoint, err := merkle.CreateCheckpoint(42, rootHash, time.Now().Unix(), "https://transparency.example.com", keyPair.Private, "test-key-1")
		if err != nil {
			t.Fatalf("failed to create checkpoint: %v", err)
		}

		if checkpoint.Payload.TreeSize != 42 {
			t.Errorf("expected tree size 42, got %d", checkpoint.Payload.TreeSize)
		}
		if checkpoint.Payload.RootHash != rootHash {
			t.Error("root hash does not match")
		}
		if checkpoint.Payload.Origin != "https://transparency.example.com" {
			t.Errorf("unexpected origin %q", checkpoint.Payload.Origin)
		}
		if len(checkpoint.Sign1.Signature) == 0 {
			t.Error("expected non-empty signature")
		}
	})

	t.Run("checkpoint includes timestamp", func(t *testing.T) {
		keyPair, _ := cose.GenerateES256KeyPair()
		beforeTime := time.Now().Unix()

		checkpoint, err := merkle.CreateCheckpoint(100, [32]byte{}, time.Now().Unix(), "https://example.com", keyPair.Private, "k")
		if err != nil {
			t.Fatalf("failed to create checkpoint: %v", err)
		}

		afterTime := time.Now().Unix()
		if checkpoint.Payload.Timestamp < beforeTime || checkpoint.Payload.Timestamp > afterTime {
			t.Errorf("timestamp %d not within expected range [%d, %d]", checkpoint.Payload.Timestamp, beforeTime, afterTime)
		}
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Run("encode then decode preserves payload", func(t *testing.T) {
		keyPair, _ := cose.GenerateES256KeyPair()
		rootHash := [32]byte{}
		for i := range rootHash {
			rootHash[i] = byte(i)
		}

		original, err := merkle.CreateCheckpoint(7, rootHash, 1234567890, "https://log.example.com", keyPair.Private, "key-a")
		if err != nil {
			t.Fatalf("failed to create checkpoint: %v", err)
		}

		encoded, err := merkle.EncodeCheckpoint(original)
		if err != nil {
			t.Fatalf("failed to encode checkpoint: %v", err)
		}

		decoded, err := merkle.DecodeCheckpoint(encoded)
		if err != nil {
			t.Fatalf("failed to decode checkpoint: %v", err)
		}

		if decoded.Payload != original.Payload {
			t.Errorf("decoded payload %+v does not match original %+v", decoded.Payload, original.Payload)
		}
	})

	t.Run("rejects truncated envelope", func(t *testing.T) {
		_, err := merkle.DecodeCheckpoint([]byte{0x01, 0x02})
		if err == nil {
			t.Error("expected error decoding truncated checkpoint")
		}
	})
}

func TestCheckpointVerification(t *testing.T) {
	t.Run("valid signature verifies", func(t *testing.T) {
		keyPair, _ := cose.GenerateES256KeyPair()
		checkpoint, err := merkle.CreateCheckpoint(3, [32]byte{1}, 1000, "https://example.com", keyPair.Private, "k")
		if err != nil {
			t.Fatalf("failed to create checkpoint: %v", err)
		}

		valid, err := merkle.VerifyCheckpoint(checkpoint, &keyPair.Private.PublicKey)
		if err != nil {
			t.Fatalf("verification error: %v", err)
		}
		if !valid {
			t.Error("expected checkpoint signature to verify")
		}
	})

	t.Run("wrong key fails verification", func(t *testing.T) {
		keyPair, _ := cose.GenerateES256KeyPair()
		otherPair, _ := cose.GenerateES256KeyPair()

		checkpoint, err := merkle.CreateCheckpoint(3, [32]byte{1}, 1000, "https://example.com", keyPair.Private, "k")
		if err != nil {
			t.Fatalf("failed to create checkpoint: %v", err)
		}

		valid, _ := merkle.VerifyCheckpoint(checkpoint, &otherPair.Private.PublicKey)
		if valid {
			t.Error("expected checkpoint signature verification to fail with wrong key")
		}
	})
}
