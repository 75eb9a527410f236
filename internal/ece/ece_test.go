package ece

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// browser is the receiving side of a subscription.
type browser struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newBrowser(t *testing.T) *browser {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return &browser{priv: priv, auth: auth}
}

func (b *browser) p256dh() string {
	return base64.RawURLEncoding.EncodeToString(b.priv.PublicKey().Bytes())
}

func (b *browser) authKey() string { return base64.RawURLEncoding.EncodeToString(b.auth) }

func open(t *testing.T, key, nonce, ct []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		t.Fatalf("gcm open: %v", err)
	}
	return pt
}

func (b *browser) decrypt128(t *testing.T, body []byte) []byte {
	t.Helper()
	if len(body) < headerLen {
		t.Fatalf("body shorter than header: %d", len(body))
	}
	salt := body[:16]
	if rs := binary.BigEndian.Uint32(body[16:20]); rs != recordSize {
		t.Fatalf("rs = %d", rs)
	}
	if body[20] != keyLen {
		t.Fatalf("idlen = %d", body[20])
	}
	asPub, err := ecdh.P256().NewPublicKey(body[21:86])
	if err != nil {
		t.Fatalf("sender key: %v", err)
	}
	shared, err := b.priv.ECDH(asPub)
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	cek, nonce, err := deriveAES128GCM(shared, b.auth, salt, b.priv.PublicKey().Bytes(), asPub.Bytes())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	rec := open(t, cek, nonce, body[86:])
	if len(rec) == 0 || rec[len(rec)-1] != 0x02 {
		t.Fatalf("missing last-record delimiter")
	}
	return rec[:len(rec)-1]
}

func (b *browser) decryptLegacy(t *testing.T, m *Message) []byte {
	t.Helper()
	asPub, err := ecdh.P256().NewPublicKey(m.PublicKey)
	if err != nil {
		t.Fatalf("sender key: %v", err)
	}
	shared, err := b.priv.ECDH(asPub)
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	cek, nonce, err := deriveAESGCM(shared, b.auth, m.Salt, b.priv.PublicKey().Bytes(), m.PublicKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	rec := open(t, cek, nonce, m.Body)
	pad := int(binary.BigEndian.Uint16(rec[:2]))
	return rec[2+pad:]
}

func TestEncrypt_AES128GCM_RoundTrip(t *testing.T) {
	b := newBrowser(t)
	plain := []byte(`{"title":"Approved","body":"Your booking is confirmed"}`)

	m1, err := Encrypt(b.p256dh(), b.authKey(), plain, AES128GCM)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	m2, err := Encrypt(b.p256dh(), b.authKey(), plain, AES128GCM)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(m1.Body, m2.Body) {
		t.Fatalf("two encryptions of the same payload must differ")
	}
	for _, m := range []*Message{m1, m2} {
		if got := b.decrypt128(t, m.Body); !bytes.Equal(got, plain) {
			t.Fatalf("decrypted %q; want %q", got, plain)
		}
	}
	h := m1.Headers()
	if h.Get("Content-Encoding") != "aes128gcm" || h.Get("Encryption") != "" || h.Get("Crypto-Key") != "" {
		t.Fatalf("unexpected headers: %v", h)
	}
}

func TestEncrypt_AESGCM_RoundTrip(t *testing.T) {
	b := newBrowser(t)
	plain := []byte("hello legacy")

	m, err := Encrypt(b.p256dh(), b.authKey(), plain, AESGCM)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got := b.decryptLegacy(t, m); !bytes.Equal(got, plain) {
		t.Fatalf("decrypted %q; want %q", got, plain)
	}
	h := m.Headers()
	if h.Get("Content-Encoding") != "aesgcm" {
		t.Fatalf("Content-Encoding = %q", h.Get("Content-Encoding"))
	}
	if !strings.HasPrefix(h.Get("Encryption"), "salt=") || !strings.HasPrefix(h.Get("Crypto-Key"), "dh=") {
		t.Fatalf("legacy headers missing: %v", h)
	}
}

func TestEncrypt_AcceptsPaddedAndStdKeys(t *testing.T) {
	b := newBrowser(t)
	p := base64.StdEncoding.EncodeToString(b.priv.PublicKey().Bytes())
	a := base64.URLEncoding.EncodeToString(b.auth)
	m, err := Encrypt(p, a, []byte("x"), AES128GCM)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got := b.decrypt128(t, m.Body); string(got) != "x" {
		t.Fatalf("decrypted %q", got)
	}
}

func TestEncrypt_InvalidKeys(t *testing.T) {
	b := newBrowser(t)
	cases := map[string][2]string{
		"empty p256dh": {"", b.authKey()},
		"not base64":   {"%%%", b.authKey()},
		"not a point":  {base64.RawURLEncoding.EncodeToString(make([]byte, 65)), b.authKey()},
		"short auth":   {b.p256dh(), "AAAA"},
		"empty auth":   {b.p256dh(), ""},
	}
	for name, c := range cases {
		if _, err := Encrypt(c[0], c[1], []byte("x"), AES128GCM); !errors.Is(err, ErrInvalidSubscriptionKeys) {
			t.Fatalf("%s: want ErrInvalidSubscriptionKeys, got %v", name, err)
		}
	}
}

func TestEncrypt_PayloadLimit(t *testing.T) {
	b := newBrowser(t)
	max := AES128GCM.MaxPlaintext()

	m, err := Encrypt(b.p256dh(), b.authKey(), bytes.Repeat([]byte("a"), max), AES128GCM)
	if err != nil {
		t.Fatalf("max-size payload rejected: %v", err)
	}
	if len(m.Body) > recordSize {
		t.Fatalf("body %d exceeds %d", len(m.Body), recordSize)
	}
	if _, err := Encrypt(b.p256dh(), b.authKey(), bytes.Repeat([]byte("a"), max+1), AES128GCM); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("want ErrPayloadTooLarge, got %v", err)
	}
}

func TestParseEncoding(t *testing.T) {
	if e, err := ParseEncoding(" AESGCM "); err != nil || e != AESGCM {
		t.Fatalf("ParseEncoding(aesgcm) = %q, %v", e, err)
	}
	if e, err := ParseEncoding(""); err != nil || e != AES128GCM {
		t.Fatalf("ParseEncoding(\"\") = %q, %v", e, err)
	}
	if _, err := ParseEncoding("gzip"); err == nil {
		t.Fatalf("unknown encoding accepted")
	}
}

// Appendix A of RFC 8291.
func TestEncrypt_RFC8291Vector(t *testing.T) {
	d := func(s string) []byte {
		t.Helper()
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		return b
	}
	const (
		plaintext = "When I grow up, I want to be a watermelon"
		asPrivB64 = "yfWPiYE-n46HLnH0KqZOF1fJJU3MYrct3AELtAQ-oRw"
		uaPrivB64 = "q1dXpw3UpT5VOmu_cf_v6ih07Aems3njxI-JWgLcM94"
		uaPubB64  = "BCVxsr7N_eNgVRqvHtD0zTZsEc6-VV-JvLexhqUzORcxaOzi6-AYWXvTBHm4bjyPjs7Vd8pZGH6SRpkNtoIAiw4"
		saltB64   = "DGv6ra1nlYgDCS1FRnbzlw"
		authB64   = "BTBZMqHH6r4Tts7J_aSIgg"
		bodyB64   = "DGv6ra1nlYgDCS1FRnbzlwAAEABBBP4z9KsN6nGRTbVYI_c7VJSPQTBtkgcy27mlmlMoZIIgDll6e3vCYLocInmYWAmS6TlzAC8wEqKK6PBru3jl7A_yl95bQpu6cVPTpK4Mqgkf1CXztLVBSt2Ks3oZwbuwXPXLWyouBWLVWGNWQexSgSxsj_Qulcy4a-fN"
	)

	asPriv, err := ecdh.P256().NewPrivateKey(d(asPrivB64))
	if err != nil {
		t.Fatalf("sender key: %v", err)
	}
	uaPub, authSecret, err := decodeSubscriptionKeys(uaPubB64, authB64)
	if err != nil {
		t.Fatalf("decodeSubscriptionKeys: %v", err)
	}

	msg, err := encrypt(uaPub, authSecret, []byte(plaintext), AES128GCM, asPriv, d(saltB64))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if want := d(bodyB64); !bytes.Equal(msg.Body, want) {
		t.Fatalf("body mismatch\n got %x\nwant %x", msg.Body, want)
	}

	uaPriv, err := ecdh.P256().NewPrivateKey(d(uaPrivB64))
	if err != nil {
		t.Fatalf("receiver key: %v", err)
	}
	b := &browser{priv: uaPriv, auth: authSecret}
	if got := b.decrypt128(t, d(bodyB64)); string(got) != plaintext {
		t.Fatalf("decrypted %q", got)
	}
}
