// Command licgen is the operator tool for the licensing pipeline: it
// generates signing key pairs, prints hardware fingerprints, and signs and
// verifies license files.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fathomos/internal/fingerprint"
	"fathomos/internal/license"
	"fathomos/pkg/contracts/domain"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "fingerprint":
		err = runFingerprint()
	case "sign":
		err = runSign(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "licgen:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: licgen <command> [flags]

Commands:
  keygen       generate an Ed25519 signing key pair
  fingerprint  print this machine's hardware fingerprints
  sign         sign a license document
  verify       verify a signed license file`)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	outDir := fs.String("out", ".", "directory for the key files")
	fs.Parse(args)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	privPath := filepath.Join(*outDir, "signing.key")
	pubPath := filepath.Join(*outDir, "signing.pub")

	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", privPath)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Printf("private key: %s\n", privPath)
	fmt.Printf("public key:  %s\n", pubPath)
	fmt.Printf("\nSet FATHOM_LICENSE_PUBLIC_KEY_HEX=%s on installations.\n", hex.EncodeToString(pub))
	return nil
}

func runFingerprint() error {
	collector := fingerprint.NewCollector(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	fps, err := collector.Set(context.Background())
	if err != nil {
		return fmt.Errorf("collect fingerprints: %w", err)
	}
	for _, fp := range fps {
		fmt.Println(fp)
	}
	return nil
}

// multiFlag collects repeated flag values.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keyPath := fs.String("key", "signing.key", "path to the private signing key")
	out := fs.String("out", "license.json", "output license file")
	customer := fs.String("customer", "", "customer name (required)")
	product := fs.String("product", "FathomOS", "product the license is issued for")
	edition := fs.String("edition", "Professional", "license edition")
	expires := fs.String("expires", "", "expiry date, YYYY-MM-DD (required)")
	licenseID := fs.String("id", "", "license id (generated when empty)")
	var features, modules, fingerprints multiFlag
	fs.Var(&features, "feature", "feature flag to enable (repeatable)")
	fs.Var(&modules, "module", "product module to enable (repeatable)")
	fs.Var(&fingerprints, "fingerprint", "accepted hardware fingerprint (repeatable, max 8)")
	fs.Parse(args)

	if *customer == "" {
		return fmt.Errorf("-customer is required")
	}
	if *expires == "" {
		return fmt.Errorf("-expires is required")
	}
	expiry, err := time.ParseInLocation("2006-01-02", *expires, time.UTC)
	if err != nil {
		return fmt.Errorf("parse expiry date: %w", err)
	}

	priv, err := readPrivateKey(*keyPath)
	if err != nil {
		return err
	}

	id := *licenseID
	if id == "" {
		id = fmt.Sprintf("FOS-%d-%s", time.Now().UTC().Year(),
			strings.ToUpper(uuid.NewString()[:8]))
	}

	doc := &domain.LicenseDocument{
		LicenseID:            id,
		Product:              *product,
		Edition:              *edition,
		CustomerName:         *customer,
		Features:             features,
		Modules:              modules,
		ExpiresAt:            expiry.Add(24*time.Hour - time.Second),
		HardwareFingerprints: fingerprints,
		IssuedAt:             time.Now().UTC(),
	}

	signed, err := license.Sign(doc, priv)
	if err != nil {
		return fmt.Errorf("sign license: %w", err)
	}
	raw, err := license.Serialize(signed)
	if err != nil {
		return fmt.Errorf("serialize license: %w", err)
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		return fmt.Errorf("write license: %w", err)
	}

	fmt.Printf("license %s written to %s (expires %s)\n",
		id, *out, doc.ExpiresAt.Format("2006-01-02"))
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	pubPath := fs.String("pub", "signing.pub", "path to the public key")
	in := fs.String("in", "license.json", "license file to verify")
	fs.Parse(args)

	pubHex, err := os.ReadFile(*pubPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read license: %w", err)
	}
	signed, err := license.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse license: %w", err)
	}
	if !license.VerifySignature(signed, ed25519.PublicKey(pub)) {
		return fmt.Errorf("signature verification FAILED for %s", signed.License.LicenseID)
	}

	fmt.Printf("license %s: signature valid, product %s, expires %s\n",
		signed.License.LicenseID, signed.License.Product,
		signed.License.ExpiresAt.Format("2006-01-02"))
	return nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be a %d-byte seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
