package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"fathomos/pkg/contracts/domain"
)

// MaxAcceptedFingerprints bounds the accepted-fingerprint set of a single
// license. Documents are immutable once signed, so there is no rotation of
// stale fingerprints; a replacement license is issued instead.
const MaxAcceptedFingerprints = 8

// CanonicalBytes returns the canonical serialization of a license document:
// compact JSON with fields in declaration order and timestamps in UTC. The
// signature covers exactly these bytes, so any mutation of the document
// invalidates it.
func CanonicalBytes(doc *domain.LicenseDocument) ([]byte, error) {
	normalized := *doc
	normalized.ExpiresAt = doc.ExpiresAt.UTC()
	normalized.IssuedAt = doc.IssuedAt.UTC()

	data, err := json.Marshal(&normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize license document: %w", err)
	}
	return data, nil
}

// Sign produces a SignedLicense over the document using the issuer's
// Ed25519 private key.
func Sign(doc *domain.LicenseDocument, key ed25519.PrivateKey) (*domain.SignedLicense, error) {
	if len(doc.HardwareFingerprints) > MaxAcceptedFingerprints {
		return nil, fmt.Errorf("license accepts %d fingerprints, maximum is %d",
			len(doc.HardwareFingerprints), MaxAcceptedFingerprints)
	}

	payload, err := CanonicalBytes(doc)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(key, payload)
	return &domain.SignedLicense{
		License:   *doc,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifySignature checks the Ed25519 signature against the canonical
// serialization of the embedded document.
func VerifySignature(sl *domain.SignedLicense, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sl.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	payload, err := CanonicalBytes(&sl.License)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, payload, sig)
}

// Parse decodes a signed license from its accepted transport forms: the
// raw JSON object, or the same JSON wrapped in base64 (the form users
// paste from activation emails). Whitespace is tolerated around either.
func Parse(input []byte) (*domain.SignedLicense, error) {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" {
		return nil, fmt.Errorf("license payload is empty")
	}

	raw := []byte(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("license payload is neither JSON nor base64: %w", err)
		}
		raw = decoded
	}

	var sl domain.SignedLicense
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sl); err != nil {
		return nil, fmt.Errorf("malformed license document: %w", err)
	}

	if sl.Signature == "" {
		return nil, fmt.Errorf("license document has no signature")
	}
	if sl.License.Product == "" || sl.License.LicenseID == "" {
		return nil, fmt.Errorf("license document is missing required fields")
	}

	return &sl, nil
}

// Serialize renders a signed license back to its on-disk JSON form. A
// parse of the result yields a byte-identical canonical document, which is
// what makes the round-trip property hold.
func Serialize(sl *domain.SignedLicense) ([]byte, error) {
	normalized := *sl
	normalized.License.ExpiresAt = sl.License.ExpiresAt.UTC()
	normalized.License.IssuedAt = sl.License.IssuedAt.UTC()

	data, err := json.MarshalIndent(&normalized, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize license: %w", err)
	}
	return data, nil
}
