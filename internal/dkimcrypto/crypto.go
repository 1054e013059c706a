// Package dkimcrypto is the default hash/verify capability for DKIM
// signature verification: PEM-wrapped SubjectPublicKeyInfo in, a pass/fail
// verdict out.
package dkimcrypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrNoPEMBlock         = errors.New("dkimcrypto: no PEM block found")
	ErrUnsupportedKeyType = errors.New("dkimcrypto: unsupported public key type")
)

// Default implements the verification capability with the standard
// library's crypto/rsa and crypto/ed25519.
type Default struct{}

// Hash computes the digest of data under alg (crypto.SHA1 or crypto.SHA256).
func (Default) Hash(alg crypto.Hash, data []byte) []byte {
	h := alg.New()
	h.Write(data)
	return h.Sum(nil)
}

// Verify checks signature against signed (already a digest, not raw bytes)
// using the SubjectPublicKeyInfo PEM-encoded in pemKey.
//
// For RSA this is PKCS#1 v1.5 over the digest. For Ed25519 this follows RFC
// 8463: the "message" Ed25519 signs is itself the SHA-256 digest, so signed
// is passed through unchanged and alg is ignored.
func (Default) Verify(alg crypto.Hash, pemKey, signed, signature []byte) (bool, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return false, ErrNoPEMBlock
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("dkimcrypto: %w", err)
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, alg, signed, signature); err != nil {
			return false, nil
		}
		return true, nil
	case ed25519.PublicKey:
		return ed25519.Verify(k, signed, signature), nil
	default:
		return false, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, k)
	}
}

// EncodeSubjectPublicKeyInfo wraps a parsed public key (an *rsa.PublicKey or
// an ed25519.PublicKey) as a PEM-encoded SubjectPublicKeyInfo, the form the
// Verify capability expects.
func EncodeSubjectPublicKeyInfo(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
