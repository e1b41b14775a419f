package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SignatureHeader carries "sha256=<hex>" over the request body.
const SignatureHeader = "X-Airlock-Signature"

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// WebhookSink POSTs each notification as JSON, signed with HMAC-SHA256
// when a secret is set.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url %q must be an absolute http(s) URL", cfg.URL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (s *WebhookSink) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: %s", resp.Status)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var errBadSignature = errors.New("signature verification failed")

// Verify checks a signature produced by Sign. Plain hex without the
// "sha256=" prefix is accepted. Every failure returns the same error.
func Verify(body []byte, signature string, secret []byte) error {
	if len(secret) == 0 || signature == "" {
		return errBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errBadSignature
	}
	return nil
}

// Fanout sends to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, payload []byte) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
