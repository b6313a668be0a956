package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeySet holds the identity provider's RS256 verification key and, in dev
// and tests, the matching signing key.
type KeySet struct {
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	kid        string
}

// NewKeySet generates a signing key pair. Production deployments load only
// the public key with LoadPublicKeyFile.
func NewKeySet() (*KeySet, error) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	return &KeySet{
		publicKey:  &pk.PublicKey,
		privateKey: pk,
		kid:        uuid.NewString(),
	}, nil
}

// LoadPublicKeyFile reads a PEM encoded RSA public key.
func LoadPublicKeyFile(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key: %w", err)
	}
	return ParsePublicKeyPEM(data)
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY")
// blocks.
func ParsePublicKeyPEM(data []byte) (*KeySet, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("jwt public key: no PEM block found")
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt public key: not an RSA key")
		}
		pub = rsaKey
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt public key: %w", err)
		}
		pub = key
	default:
		return nil, fmt.Errorf("jwt public key: unsupported PEM type %q", block.Type)
	}

	return &KeySet{publicKey: pub}, nil
}

// PublicKeyPEM encodes the verification key as a PKIX PEM block.
func (ks *KeySet) PublicKeyPEM() ([]byte, error) {
	if ks.publicKey == nil {
		return nil, errors.New("missing public key")
	}
	der, err := x509.MarshalPKIXPublicKey(ks.publicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (ks *KeySet) PublicKey() *rsa.PublicKey { return ks.publicKey }

func (ks *KeySet) KeyID() string { return ks.kid }

// Sign issues a token for senderID. It fails on a verification-only set.
func (ks *KeySet) Sign(issuer, senderID string, ttl time.Duration) (string, error) {
	if ks.privateKey == nil {
		return "", errors.New("key set cannot sign")
	}

	now := time.Now()
	claims := SenderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   senderID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if ks.kid != "" {
		tok.Header["kid"] = ks.kid
	}
	return tok.SignedString(ks.privateKey)
}
