package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"push-delivery-go/internal/ece"
	"push-delivery-go/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Authorizer produces the Authorization header for a push endpoint.
type Authorizer interface {
	Authorization(endpoint string) (string, error)
}

// SenderOptions control the outbound push-service request.
type SenderOptions struct {
	Encoding ece.Encoding
	TTL      time.Duration
	Urgency  webpush.Urgency
}

// Sender performs one encrypted, signed POST to a subscription endpoint.
type Sender struct {
	client *http.Client
	auth   Authorizer
	opts   SenderOptions
}

// NewSender returns a Sender. A nil client uses http.DefaultClient; timeouts
// come from the per-delivery context.
func NewSender(client *http.Client, auth Authorizer, opts SenderOptions) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Encoding == "" {
		opts.Encoding = ece.AES128GCM
	}
	if opts.Urgency == "" {
		opts.Urgency = webpush.UrgencyNormal
	}
	return &Sender{client: client, auth: auth, opts: opts}
}

// MaxPayload is the largest plaintext this sender can deliver.
func (s *Sender) MaxPayload() int { return s.opts.Encoding.MaxPlaintext() }

// Send delivers payload to sub and returns the push service's status code.
// A non-nil error means no response was obtained.
func (s *Sender) Send(ctx context.Context, sub models.PushSubscription, payload []byte) (int, string, error) {
	msg, err := ece.Encrypt(sub.P256dh, sub.Auth, payload, s.opts.Encoding)
	if err != nil {
		return 0, "", err
	}
	authz, err := s.auth.Authorization(sub.Endpoint)
	if err != nil {
		return 0, "", fmt.Errorf("vapid: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range msg.Headers() {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", authz)
	req.Header.Set("TTL", strconv.Itoa(int(s.opts.TTL/time.Second)))
	req.Header.Set("Urgency", string(s.opts.Urgency))
	if s.opts.Encoding == ece.AESGCM {
		// The legacy scheme carries the VAPID key in Crypto-Key too.
		if i := strings.Index(authz, "k="); i >= 0 {
			req.Header.Set("Crypto-Key", req.Header.Get("Crypto-Key")+";p256ecdsa="+authz[i+2:])
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(snippet)), nil
}
