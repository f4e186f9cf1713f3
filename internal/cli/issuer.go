package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentlog/tlogd/pkg/cose"
)

// NewIssuerCommand creates the issuer command
func NewIssuerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issuer",
		Short: "Manage issuer keys",
		Long: `Manage issuer keys for signing statements.

Subcommands:
  key generate - Generate a new ES256 key pair`,
	}

	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage issuer keys",
	}
	keyCmd.AddCommand(NewIssuerKeyGenerateCommand())
	cmd.AddCommand(keyCmd)

	return cmd
}

// NewIssuerKeyGenerateCommand creates the issuer key generate command
func NewIssuerKeyGenerateCommand() *cobra.Command {
	privatePath := "private_key.cbor"
	publicPath := "public_key.cbor"

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new ES256 key pair",
		Long: `Generate a new ES256 (ECDSA P-256 with SHA-256) key pair for signing statements.

Both halves are written as COSE_Key CBOR, the format the statement
signing commands read.

Example:
  tlogd issuer key generate
  tlogd issuer key generate --private-key mykey.cbor --public-key mykey-pub.cbor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateIssuerKey(privatePath, publicPath)
		},
	}

	cmd.Flags().StringVar(&privatePath, "private-key", privatePath, "path to save private key (CBOR format)")
	cmd.Flags().StringVar(&publicPath, "public-key", publicPath, "path to save public key (CBOR format)")

	return cmd
}

func generateIssuerKey(privatePath, publicPath string) error {
	pair, err := cose.GenerateES256KeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	privateCBOR, err := cose.ExportPrivateKeyToCOSECBOR(pair.Private)
	if err != nil {
		return fmt.Errorf("failed to export private key: %w", err)
	}
	publicCBOR, err := cose.ExportPublicKeyToCOSECBOR(pair.Public)
	if err != nil {
		return fmt.Errorf("failed to export public key: %w", err)
	}

	if err := os.WriteFile(privatePath, privateCBOR, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, publicCBOR, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	thumbprint, err := cose.ComputeCOSEKeyThumbprint(pair.Public)
	if err != nil {
		return fmt.Errorf("failed to compute COSE key thumbprint: %w", err)
	}

	fmt.Printf("✓ Key pair generated successfully\n")
	fmt.Printf("  Thumbprint:  %s\n", thumbprint)
	fmt.Printf("  Algorithm:   ES256 (ECDSA P-256 with SHA-256)\n")
	fmt.Printf("  Private key: %s (%d bytes)\n", privatePath, len(privateCBOR))
	fmt.Printf("  Public key:  %s (%d bytes)\n", publicPath, len(publicCBOR))

	return nil
}
