// Package vapid implements sender identification for Web Push (RFC 8292):
// loading the static P-256 key pair and signing per-origin ES256 tokens.
package vapid

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrInvalidKey means the configured signing material cannot be used. It is a
// configuration error: the process must not start with it.
var ErrInvalidKey = errors.New("invalid VAPID key material")

// KeyPair is the immutable sender identity, loaded once at startup.
type KeyPair struct {
	private *ecdsa.PrivateKey
	public  []byte // uncompressed point, 65 bytes
	subject string
}

// PublicKey returns the base64url (unpadded) public key browsers pass as
// applicationServerKey.
func (k *KeyPair) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(k.public)
}

func (k *KeyPair) Subject() string { return k.subject }

// LoadKeyPair decodes the configured key pair. The private key may be the
// base64url raw scalar produced by GenerateKeyPair or a PEM block (SEC1 or
// PKCS#8). The public key must match the private key.
func LoadKeyPair(privateKey, publicKey, subject string) (*KeyPair, error) {
	priv, err := parsePrivate(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, err
	}
	pub, err := DecodeKey(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	if _, err := ecdh.P256().NewPublicKey(pub); err != nil {
		return nil, fmt.Errorf("%w: public key is not a P-256 point", ErrInvalidKey)
	}

	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !bytes.Equal(ecdhPriv.PublicKey().Bytes(), pub) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}

	sub, err := normalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	return &KeyPair{private: priv, public: pub, subject: sub}, nil
}

// GenerateKeyPair returns a fresh key pair in the environment-variable format.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}

// DecodeKey decodes base64url key material, tolerating padding and the
// standard alphabet some clients emit.
func DecodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty key")
	}
	trimmed := strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}

func parsePrivate(s string) (*ecdsa.PrivateKey, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrInvalidKey)
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return parsePEM(s)
	}

	d, err := DecodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidKey, err)
	}
	if len(d) == 0 || len(d) > 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ErrInvalidKey, len(d))
	}
	// Some generators drop leading zero bytes of the scalar.
	if len(d) < 32 {
		d = append(make([]byte, 32-len(d)), d...)
	}
	// NewPrivateKey rejects zero and out-of-range scalars.
	ek, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub := ek.PublicKey().Bytes()
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(d),
	}, nil
}

func parsePEM(s string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: malformed PEM", ErrInvalidKey)
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return checkCurve(k)
	}
	anyKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k, ok := anyKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: PEM key is not ECDSA", ErrInvalidKey)
	}
	return checkCurve(k)
}

func checkCurve(k *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if k.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key must be on P-256", ErrInvalidKey)
	}
	return k, nil
}

func normalizeSubject(subject string) (string, error) {
	s := strings.TrimSpace(subject)
	switch {
	case strings.HasPrefix(s, "mailto:"), strings.HasPrefix(s, "https://"):
		return s, nil
	case strings.Contains(s, "@") && !strings.Contains(s, ":"):
		return "mailto:" + s, nil
	}
	return "", fmt.Errorf("%w: subject must be a mailto: or https: URI", ErrInvalidKey)
}
