package vapid

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidEndpoint means a subscription endpoint is not an absolute URL, so
// no token audience can be derived from it.
var ErrInvalidEndpoint = errors.New("invalid push endpoint")

// MaxTokenTTL is the longest token lifetime push services accept.
const MaxTokenTTL = 24 * time.Hour

type cachedToken struct {
	header  string
	expires time.Time
}

// Signer builds Authorization header values for push-service requests.
// It is safe for concurrent use.
type Signer struct {
	keys *KeyPair
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewSigner returns a signer whose tokens live for ttl (clamped to 24h).
func NewSigner(keys *KeyPair, ttl time.Duration) *Signer {
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = 12 * time.Hour
	}
	return &Signer{
		keys:  keys,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedToken),
	}
}

// Authorization returns "vapid t=<jwt>, k=<public key>" for the push service
// hosting endpoint. Tokens are reused per origin while more than half of their
// lifetime remains.
func (s *Signer) Authorization(endpoint string) (string, error) {
	aud, err := Origin(endpoint)
	if err != nil {
		return "", err
	}
	now := s.now()

	s.mu.Lock()
	if c, ok := s.cache[aud]; ok && c.expires.Sub(now) > s.ttl/2 {
		s.mu.Unlock()
		return c.header, nil
	}
	s.mu.Unlock()

	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": aud,
		"exp": exp.Unix(),
		"sub": s.keys.subject,
	})
	signed, err := token.SignedString(s.keys.private)
	if err != nil {
		return "", fmt.Errorf("sign vapid token: %w", err)
	}
	header := "vapid t=" + signed + ", k=" + s.keys.PublicKey()

	s.mu.Lock()
	s.cache[aud] = cachedToken{header: header, expires: exp}
	s.mu.Unlock()
	return header, nil
}

// Origin returns scheme://host[:port] of a push endpoint, the token audience.
func Origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: must be an absolute URL", ErrInvalidEndpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
