package cli

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentlog/tlogd/pkg/cose"
	"github.com/opentlog/tlogd/pkg/merkle"
)

// NewReceiptCommand creates the receipt command
func NewReceiptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Manage transparency log receipts",
		Long: `Manage transparency log receipts including verification and inspection.

Receipts are signed inclusion proofs issued by the log at registration
time. They contain:
  - The leaf index and inclusion path up to a signed tree head
  - The tree size the proof was computed against (protected header)

Subcommands:
  verify  - Verify a receipt
  info    - Display receipt information`,
	}

	cmd.AddCommand(NewReceiptVerifyCommand())
	cmd.AddCommand(NewReceiptInfoCommand())

	return cmd
}

type receiptVerifyOptions struct {
	receipt    string
	statement  string
	artifact   string
	keyFile    string
	service    string
	checkpoint string
}

// NewReceiptVerifyCommand creates the receipt verify command
func NewReceiptVerifyCommand() *cobra.Command {
	opts := &receiptVerifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a transparency log receipt",
		Long: `Verify a receipt's cryptographic proofs.

This command:
  1. Decodes the receipt's inclusion proof and pinned tree size
  2. Loads the log's public key from --key, or fetches it from the
     service's well-known transparency configuration (--service)
  3. Verifies the COSE signature on the receipt
  4. Reconstructs the Merkle root from the statement hash and the
     inclusion path
  5. If --checkpoint is provided, verifies the checkpoint signature and
     checks the reconstructed root against the signed root
  6. If --artifact is provided, verifies the artifact hash matches the
     statement payload

Example:
  tlogd receipt verify --receipt receipt.cbor --statement statement.cbor --key service.jwk
  tlogd receipt verify --receipt receipt.cbor --statement statement.cbor --service https://log.example.com --artifact data.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceiptVerify(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.receipt, "receipt", "r", "", "receipt file (required)")
	cmd.Flags().StringVarP(&opts.statement, "statement", "s", "", "statement file (required)")
	cmd.Flags().StringVarP(&opts.artifact, "artifact", "a", "", "artifact file (optional: verify hash matches statement)")
	cmd.Flags().StringVarP(&opts.keyFile, "key", "k", "", "service public key JWK file")
	cmd.Flags().StringVar(&opts.service, "service", "", "service base URL to fetch the public key from")
	cmd.Flags().StringVar(&opts.checkpoint, "checkpoint", "", "checkpoint file to check the reconstructed root against")

	cmd.MarkFlagRequired("receipt")
	cmd.MarkFlagRequired("statement")

	return cmd
}

func runReceiptVerify(opts *receiptVerifyOptions) error {
	receiptData, err := os.ReadFile(opts.receipt)
	if err != nil {
		return fmt.Errorf("failed to read receipt file: %w", err)
	}

	statementData, err := os.ReadFile(opts.statement)
	if err != nil {
		return fmt.Errorf("failed to read statement file: %w", err)
	}

	if opts.artifact != "" {
		if err := verifyArtifactHash(statementData, opts.artifact); err != nil {
			return err
		}
	}

	receipt, err := merkle.DecodeReceipt(receiptData)
	if err != nil {
		return fmt.Errorf("failed to decode receipt: %w", err)
	}

	publicKey, err := resolveServiceKey(opts.keyFile, opts.service)
	if err != nil {
		return err
	}

	valid, err := merkle.VerifyReceiptSignature(receipt, publicKey)
	if err != nil {
		return fmt.Errorf("failed to verify receipt signature: %w", err)
	}
	if !valid {
		return fmt.Errorf("receipt signature is invalid")
	}

	statementHash := sha256.Sum256(statementData)
	proof := &merkle.InclusionProof{
		LeafIndex: receipt.Payload.LeafIndex,
		TreeSize:  receipt.TreeSize,
		AuditPath: receipt.Payload.InclusionPath,
	}
	root := merkle.ReconstructRootFromInclusionProof(statementHash, proof)

	if opts.checkpoint != "" {
		checkpointData, err := os.ReadFile(opts.checkpoint)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		checkpoint, err := merkle.DecodeCheckpoint(checkpointData)
		if err != nil {
			return fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		ckptValid, err := merkle.VerifyCheckpoint(checkpoint, publicKey)
		if err != nil || !ckptValid {
			return fmt.Errorf("checkpoint signature is invalid")
		}
		if checkpoint.Payload.TreeSize != receipt.TreeSize {
			return fmt.Errorf("checkpoint tree size %d does not match receipt tree size %d",
				checkpoint.Payload.TreeSize, receipt.TreeSize)
		}
		if checkpoint.Payload.RootHash != root {
			return fmt.Errorf("reconstructed root %x does not match checkpoint root %x",
				root, checkpoint.Payload.RootHash)
		}
	}

	fmt.Println("✓ Receipt verification successful")
	if opts.artifact != "" {
		fmt.Printf("  Artifact: %s\n", opts.artifact)
	}
	fmt.Printf("  Statement: %s\n", opts.statement)
	fmt.Printf("  Receipt: %s\n", opts.receipt)
	fmt.Printf("  Tree size: %d\n", receipt.TreeSize)
	fmt.Printf("  Leaf index: %d\n", receipt.Payload.LeafIndex)
	fmt.Printf("  Root: %s\n", hex.EncodeToString(root[:]))

	return nil
}

func verifyArtifactHash(statementData []byte, artifactPath string) error {
	statement, err := cose.DecodeCoseSign1(statementData)
	if err != nil {
		return fmt.Errorf("failed to decode statement: %w", err)
	}

	artifactData, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to read artifact file: %w", err)
	}
	artifactHash := sha256.Sum256(artifactData)

	if statement.Payload == nil || len(statement.Payload) != 32 {
		return fmt.Errorf("statement payload is not a valid hash (expected 32 bytes)")
	}
	if !bytes.Equal(statement.Payload, artifactHash[:]) {
		return fmt.Errorf("artifact hash mismatch: expected %x, got %x",
			statement.Payload, artifactHash)
	}
	return nil
}

// resolveServiceKey loads the log's public key from a local JWK file or
// from the service's well-known transparency configuration.
func resolveServiceKey(keyFile, serviceURL string) (*ecdsa.PublicKey, error) {
	if keyFile != "" {
		jwkData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		jwk, err := cose.UnmarshalJWK(jwkData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		return cose.ImportPublicKeyFromJWK(jwk)
	}

	if serviceURL == "" {
		return nil, fmt.Errorf("either --key or --service is required")
	}

	configURL := serviceURL + "/.well-known/transparency-configuration"
	resp, err := http.Get(configURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", configURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch transparency configuration: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transparency configuration: %w", err)
	}

	var doc struct {
		JWKS struct {
			Keys []json.RawMessage `json:"keys"`
		} `json:"jwks"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transparency configuration: %w", err)
	}
	if len(doc.JWKS.Keys) == 0 {
		return nil, fmt.Errorf("transparency configuration advertises no keys")
	}

	jwk, err := cose.UnmarshalJWK(doc.JWKS.Keys[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse service key: %w", err)
	}
	return cose.ImportPublicKeyFromJWK(jwk)
}

type receiptInfoOptions struct {
	receipt string
}

// NewReceiptInfoCommand creates the receipt info command
func NewReceiptInfoCommand() *cobra.Command {
	opts := &receiptInfoOptions{}

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Display receipt information",
		Long: `Display information about a transparency log receipt.

Example:
  tlogd receipt info --receipt receipt.cbor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceiptInfo(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.receipt, "receipt", "r", "", "receipt file (required)")

	cmd.MarkFlagRequired("receipt")

	return cmd
}

func runReceiptInfo(opts *receiptInfoOptions) error {
	receiptData, err := os.ReadFile(opts.receipt)
	if err != nil {
		return fmt.Errorf("failed to read receipt file: %w", err)
	}

	receipt, err := merkle.DecodeReceipt(receiptData)
	if err != nil {
		return fmt.Errorf("failed to decode receipt: %w", err)
	}

	fmt.Printf("Receipt Information:\n")
	fmt.Printf("  File: %s\n", opts.receipt)
	fmt.Printf("  Size: %d bytes\n", len(receiptData))
	fmt.Printf("  Tree size: %d\n", receipt.TreeSize)
	fmt.Printf("  Leaf index: %d\n", receipt.Payload.LeafIndex)
	fmt.Printf("  Inclusion path: %d hashes\n", len(receipt.Payload.InclusionPath))
	for i, h := range receipt.Payload.InclusionPath {
		fmt.Printf("    [%d] %s\n", i, hex.EncodeToString(h[:]))
	}

	return nil
}
