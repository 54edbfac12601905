package security

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// decodeBase64 accepts standard or URL-safe base64, padded or not.
func decodeBase64(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("empty value")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("value is not valid base64")
}

// parseSigningPrivateKey reads an Ed25519 key as a 32-byte seed, a 64-byte
// private key or a PKCS#8 DER document.
func parseSigningPrivateKey(raw string) (ed25519.PrivateKey, error) {
	der, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	switch len(der) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(der), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(der[:ed25519.SeedSize])
		if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(der[ed25519.SeedSize:])) {
			return nil, errors.New("ed25519 private key halves do not match")
		}
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	key, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not ed25519")
	}
	return key, nil
}

func parseSigningPublicKey(raw string) (ed25519.PublicKey, error) {
	der, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	if len(der) == ed25519.PublicKeySize {
		return ed25519.PublicKey(der), nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkix: %w", err)
	}
	key, ok := keyAny.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("signing public key is not ed25519")
	}
	return key, nil
}

// parseX25519PrivateKey returns the 32-byte scalar from raw or PKCS#8 input.
func parseX25519PrivateKey(raw string) ([]byte, error) {
	der, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	if len(der) == 32 {
		return der, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	key, ok := keyAny.(*ecdh.PrivateKey)
	if !ok || key.Curve() != ecdh.X25519() {
		return nil, errors.New("encryption key is not x25519")
	}
	return key.Bytes(), nil
}

// parseX25519PublicKey returns the 32-byte point from raw or PKIX input.
func parseX25519PublicKey(raw string) ([]byte, error) {
	der, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	if len(der) == 32 {
		return der, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkix: %w", err)
	}
	key, ok := keyAny.(*ecdh.PublicKey)
	if !ok || key.Curve() != ecdh.X25519() {
		return nil, errors.New("public key is not x25519")
	}
	return key.Bytes(), nil
}
