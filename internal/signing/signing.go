// Package signing wraps the Ed25519 primitives every other component uses.
// Keys and signatures are raw bytes internally and base64 at the JSON
// boundary. Malformed encodings are signature_invalid errors; a signature
// that simply does not check out is a boolean false, never an error.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"

	"github.com/Harshitk-cp/decisiongraph/internal/domain"
)

const Algorithm = "ed25519"

type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, domain.NewInternal("ed25519 key generation failed", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func Sign(priv ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, domain.NewSignatureInvalid("private key has wrong length", map[string]any{
			"length": len(priv),
		})
	}
	return ed25519.Sign(priv, message), nil
}

// Verify reports whether sig is a valid signature of message under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

func EncodeB64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodePublicKeyB64 decodes and length-checks a base64 public key.
func DecodePublicKeyB64(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.NewSignatureInvalid("public key is not valid base64", map[string]any{"value": s})
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, domain.NewSignatureInvalid("public key has wrong length", map[string]any{"length": len(raw)})
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignatureB64 decodes and length-checks a base64 signature.
func DecodeSignatureB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.NewSignatureInvalid("signature is not valid base64", map[string]any{"value": s})
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, domain.NewSignatureInvalid("signature has wrong length", map[string]any{"length": len(raw)})
	}
	return raw, nil
}

// VerifyB64 decodes base64 key and signature then verifies. Encoding faults
// are errors; a clean verification failure is (false, nil).
func VerifyB64(pubB64 string, message []byte, sigB64 string) (bool, error) {
	pub, err := DecodePublicKeyB64(pubB64)
	if err != nil {
		return false, err
	}
	sig, err := DecodeSignatureB64(sigB64)
	if err != nil {
		return false, err
	}
	return Verify(pub, message, sig), nil
}
