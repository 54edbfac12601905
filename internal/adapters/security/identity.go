package security

import (
	"bytes"
	"crypto/aes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/viralforge/mesh/services/integrations/M46-network-transaction-service/internal/domain"
)

const (
	// SigningAlgorithm is the algorithm name carried in keyId and the algorithm header field.
	SigningAlgorithm = "ed25519"
	sharedSecretSize = 32
)

// IdentityConfig is the validated key material and registration data of this subscriber.
type IdentityConfig struct {
	SubscriberID         string
	Domain               string
	SubscribeRequestID   string
	UniqueKeyID          string
	SigningPrivateKey    string
	SigningPublicKey     string
	EncryptionPrivateKey string
	EncryptionPublicKey  string
	NetworkPublicKey     string
}

// Identity holds the tenant's key material and the X25519 shared secret agreed with
// the network operator. It is built once at startup and never mutated or persisted.
type Identity struct {
	subscriberID       string
	domain             domain.DomainCode
	subscribeRequestID string
	uniqueKeyID        string
	signingKey         ed25519.PrivateKey
	encryptionPublic   []byte
	networkPublic      []byte
	sharedSecret       []byte
}

// NewIdentity validates key material and derives the shared secret.
// Every failure is a *domain.ConfigurationError.
func NewIdentity(cfg IdentityConfig) (*Identity, error) {
	subscriberID := strings.TrimSpace(cfg.SubscriberID)
	if subscriberID == "" || !strings.Contains(subscriberID, ".") {
		return nil, domain.NewConfigurationError("subscriber_id", "must be a dotted domain name", nil)
	}
	domainCode, err := domain.ParseDomainCode(cfg.Domain)
	if err != nil {
		return nil, domain.NewConfigurationError("domain", "unknown domain code", err)
	}
	if strings.TrimSpace(cfg.SubscribeRequestID) == "" {
		return nil, domain.NewConfigurationError("subscribe_request_id", "is required", nil)
	}
	if strings.TrimSpace(cfg.UniqueKeyID) == "" {
		return nil, domain.NewConfigurationError("unique_key_id", "is required", nil)
	}

	signingKey, err := parseSigningPrivateKey(cfg.SigningPrivateKey)
	if err != nil {
		return nil, domain.NewConfigurationError("signing_private_key", "invalid ed25519 key", err)
	}
	if strings.TrimSpace(cfg.SigningPublicKey) != "" {
		pub, err := parseSigningPublicKey(cfg.SigningPublicKey)
		if err != nil {
			return nil, domain.NewConfigurationError("signing_public_key", "invalid ed25519 key", err)
		}
		if !signingKey.Public().(ed25519.PublicKey).Equal(pub) {
			return nil, domain.NewConfigurationError("signing_public_key", "does not match signing_private_key", nil)
		}
	}

	encPriv, err := parseX25519PrivateKey(cfg.EncryptionPrivateKey)
	if err != nil {
		return nil, domain.NewConfigurationError("encryption_private_key", "invalid x25519 key", err)
	}
	encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
	if err != nil {
		return nil, domain.NewConfigurationError("encryption_private_key", "cannot derive public key", err)
	}
	if strings.TrimSpace(cfg.EncryptionPublicKey) != "" {
		pub, err := parseX25519PublicKey(cfg.EncryptionPublicKey)
		if err != nil {
			return nil, domain.NewConfigurationError("encryption_public_key", "invalid x25519 key", err)
		}
		if !bytes.Equal(pub, encPub) {
			return nil, domain.NewConfigurationError("encryption_public_key", "does not match encryption_private_key", nil)
		}
	}

	networkPub, err := parseX25519PublicKey(cfg.NetworkPublicKey)
	if err != nil {
		return nil, domain.NewConfigurationError("network_encryption_public_key", "invalid x25519 key", err)
	}
	secret, err := curve25519.X25519(encPriv, networkPub)
	if err != nil {
		return nil, domain.NewConfigurationError("network_encryption_public_key", "key agreement failed", err)
	}
	if len(secret) != sharedSecretSize {
		return nil, domain.NewConfigurationError("shared_secret", fmt.Sprintf("derived %d bytes, want %d", len(secret), sharedSecretSize), nil)
	}

	return &Identity{
		subscriberID:       subscriberID,
		domain:             domainCode,
		subscribeRequestID: strings.TrimSpace(cfg.SubscribeRequestID),
		uniqueKeyID:        strings.TrimSpace(cfg.UniqueKeyID),
		signingKey:         signingKey,
		encryptionPublic:   encPub,
		networkPublic:      networkPub,
		sharedSecret:       secret,
	}, nil
}

func (i *Identity) SubscriberID() string { return i.subscriberID }

func (i *Identity) Domain() domain.DomainCode { return i.domain }

func (i *Identity) UniqueKeyID() string { return i.uniqueKeyID }

func (i *Identity) Algorithm() string { return SigningAlgorithm }

func (i *Identity) SigningPublicKey() ed25519.PublicKey {
	return i.signingKey.Public().(ed25519.PublicKey)
}

// EncryptionPublicKey returns the base64 X25519 public key registered with the network.
func (i *Identity) EncryptionPublicKey() string {
	return base64.StdEncoding.EncodeToString(i.encryptionPublic)
}

// KeyID returns "subscriberId|uniqueKeyId|ed25519".
func (i *Identity) KeyID() string {
	return i.subscriberID + "|" + i.uniqueKeyID + "|" + SigningAlgorithm
}

// SignMessage returns the base64 Ed25519 signature over the exact bytes of message.
func (i *Identity) SignMessage(message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(i.signingKey, message))
}

// SignSubscribeRequestID signs the static subscribe request id for the site-verification page.
func (i *Identity) SignSubscribeRequestID() string {
	return i.SignMessage([]byte(i.subscribeRequestID))
}

// DecryptChallenge decrypts an AES-256-ECB challenge with the shared secret.
func (i *Identity) DecryptChallenge(ciphertextBase64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextBase64))
	if err != nil {
		return "", &domain.CryptoError{Op: "decrypt_challenge", Err: fmt.Errorf("decode base64: %w", err)}
	}
	plaintext, err := decryptECB(i.sharedSecret, ciphertext)
	if err != nil {
		return "", &domain.CryptoError{Op: "decrypt_challenge", Err: err}
	}
	return string(plaintext), nil
}

func decryptECB(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	size := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", len(ciphertext), size)
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += size {
		block.Decrypt(out[off:off+size], ciphertext[off:off+size])
	}
	return unpadPKCS7(out, size)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
