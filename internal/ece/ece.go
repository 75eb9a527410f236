// Package ece encrypts push message payloads for a subscription (RFC 8291).
// The default scheme is aes128gcm (RFC 8188); the older aesgcm draft is kept
// for push services that still expect it.
package ece

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidSubscriptionKeys means p256dh or auth cannot be used. The
	// subscription can never receive a message and should be dropped.
	ErrInvalidSubscriptionKeys = errors.New("invalid subscription keys")
	// ErrPayloadTooLarge means the plaintext does not fit in one record.
	ErrPayloadTooLarge = errors.New("payload too large for a single push message")
)

type Encoding string

const (
	AES128GCM Encoding = "aes128gcm"
	AESGCM    Encoding = "aesgcm"
)

const (
	recordSize = 4096
	saltLen    = 16
	keyLen     = 65
	tagLen     = 16
	authLen    = 16

	// aes128gcm: salt || rs(4) || idlen(1) || keyid(65) precede the record.
	headerLen = saltLen + 4 + 1 + keyLen
)

// ParseEncoding maps a configured name to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case AES128GCM, "":
		return AES128GCM, nil
	case AESGCM:
		return AESGCM, nil
	}
	return "", fmt.Errorf("unknown content encoding %q", s)
}

// MaxPlaintext is the largest payload that fits one push message.
func (e Encoding) MaxPlaintext() int {
	if e == AESGCM {
		return recordSize - tagLen - 2
	}
	return recordSize - headerLen - tagLen - 1
}

// Message is an encrypted payload ready to POST to the push service.
type Message struct {
	Body      []byte
	Encoding  Encoding
	Salt      []byte
	PublicKey []byte // ephemeral sender key, uncompressed point
}

// Headers returns the encoding headers for the request. aes128gcm carries
// salt and key in the body; aesgcm needs them as headers.
func (m *Message) Headers() http.Header {
	h := http.Header{}
	h.Set("Content-Encoding", string(m.Encoding))
	h.Set("Content-Type", "application/octet-stream")
	if m.Encoding == AESGCM {
		h.Set("Encryption", "salt="+base64.RawURLEncoding.EncodeToString(m.Salt))
		h.Set("Crypto-Key", "dh="+base64.RawURLEncoding.EncodeToString(m.PublicKey))
	}
	return h
}

// Encrypt seals plaintext for the subscription identified by its base64url
// p256dh and auth values. A fresh ephemeral key and salt are used every call.
func Encrypt(p256dh, auth string, plaintext []byte, enc Encoding) (*Message, error) {
	if enc == "" {
		enc = AES128GCM
	}
	if enc != AES128GCM && enc != AESGCM {
		return nil, fmt.Errorf("unknown content encoding %q", enc)
	}
	if len(plaintext) > enc.MaxPlaintext() {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(plaintext), enc.MaxPlaintext())
	}

	uaPub, authSecret, err := decodeSubscriptionKeys(p256dh, auth)
	if err != nil {
		return nil, err
	}

	asPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return encrypt(uaPub, authSecret, plaintext, enc, asPriv, salt)
}

// encrypt seals plaintext with a given sender key and salt.
func encrypt(uaPub *ecdh.PublicKey, authSecret, plaintext []byte, enc Encoding, asPriv *ecdh.PrivateKey, salt []byte) (*Message, error) {
	shared, err := asPriv.ECDH(uaPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscriptionKeys, err)
	}

	asPubBytes := asPriv.PublicKey().Bytes()
	uaPubBytes := uaPub.Bytes()

	var cek, nonce, record []byte
	switch enc {
	case AES128GCM:
		cek, nonce, err = deriveAES128GCM(shared, authSecret, salt, uaPubBytes, asPubBytes)
		record = append(append(make([]byte, 0, len(plaintext)+1), plaintext...), 0x02)
	case AESGCM:
		cek, nonce, err = deriveAESGCM(shared, authSecret, salt, uaPubBytes, asPubBytes)
		record = append(make([]byte, 2, len(plaintext)+2), plaintext...)
	}
	if err != nil {
		return nil, err
	}

	sealed, err := seal(cek, nonce, record)
	if err != nil {
		return nil, err
	}

	msg := &Message{Encoding: enc, Salt: salt, PublicKey: asPubBytes}
	if enc == AESGCM {
		msg.Body = sealed
		return msg, nil
	}

	body := make([]byte, 0, headerLen+len(sealed))
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, recordSize)
	body = append(body, keyLen)
	body = append(body, asPubBytes...)
	body = append(body, sealed...)
	msg.Body = body
	return msg, nil
}

func decodeSubscriptionKeys(p256dh, auth string) (*ecdh.PublicKey, []byte, error) {
	rawPub, err := decodeB64(p256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %v", ErrInvalidSubscriptionKeys, err)
	}
	pub, err := ecdh.P256().NewPublicKey(rawPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh is not a P-256 point", ErrInvalidSubscriptionKeys)
	}
	secret, err := decodeB64(auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: auth: %v", ErrInvalidSubscriptionKeys, err)
	}
	if len(secret) != authLen {
		return nil, nil, fmt.Errorf("%w: auth must be %d bytes, got %d", ErrInvalidSubscriptionKeys, authLen, len(secret))
	}
	return pub, secret, nil
}

// decodeB64 accepts base64url with or without padding, and the standard
// alphabet some browsers used.
func decodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, errors.New("empty")
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func deriveAES128GCM(shared, authSecret, salt, uaPub, asPub []byte) (cek, nonce []byte, err error) {
	keyInfo := make([]byte, 0, 14+2*keyLen)
	keyInfo = append(keyInfo, "WebPush: info\x00"...)
	keyInfo = append(keyInfo, uaPub...)
	keyInfo = append(keyInfo, asPub...)

	ikm, err := expand(shared, authSecret, keyInfo, 32)
	if err != nil {
		return nil, nil, err
	}
	if cek, err = expand(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16); err != nil {
		return nil, nil, err
	}
	if nonce, err = expand(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12); err != nil {
		return nil, nil, err
	}
	return cek, nonce, nil
}

func deriveAESGCM(shared, authSecret, salt, uaPub, asPub []byte) (cek, nonce []byte, err error) {
	ikm, err := expand(shared, authSecret, []byte("Content-Encoding: auth\x00"), 32)
	if err != nil {
		return nil, nil, err
	}

	ctx := make([]byte, 0, 6+2+keyLen+2+keyLen)
	ctx = append(ctx, "P-256\x00"...)
	ctx = binary.BigEndian.AppendUint16(ctx, keyLen)
	ctx = append(ctx, uaPub...)
	ctx = binary.BigEndian.AppendUint16(ctx, keyLen)
	ctx = append(ctx, asPub...)

	if cek, err = expand(ikm, salt, append([]byte("Content-Encoding: aesgcm\x00"), ctx...), 16); err != nil {
		return nil, nil, err
	}
	if nonce, err = expand(ikm, salt, append([]byte("Content-Encoding: nonce\x00"), ctx...), 12); err != nil {
		return nil, nil, err
	}
	return cek, nonce, nil
}

func expand(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

func seal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}
