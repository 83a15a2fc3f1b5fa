package callback

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// SignatureHeader carries the HS256 token that authenticates a webhook delivery
const SignatureHeader = "X-Callback-Signature"

// SignatureClaims bind a webhook token to one delivery body
type SignatureClaims struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// WebhookConfig configures webhook delivery
type WebhookConfig struct {
	SigningSecret   string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultWebhookConfig returns the default webhook configuration
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:         10 * time.Second,
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// WebhookNotifier POSTs messages as JSON, signed when a secret is configured.
// 5xx, 429 and transport errors are retried with exponential backoff.
type WebhookNotifier struct {
	client *http.Client
	config WebhookConfig
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(config WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	defaults := DefaultWebhookConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
		logger: logger,
	}
}

// Notify implements Notifier
func (w *WebhookNotifier) Notify(ctx context.Context, target *url.URL, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal callback message: %w", err)
	}

	var signature string
	if w.config.SigningSecret != "" {
		signature, err = Sign(w.config.SigningSecret, msg, body)
		if err != nil {
			return err
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.config.InitialInterval
	eb.MaxInterval = w.config.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("webhook: create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Callback-Job-ID", msg.JobID)
		if signature != "" {
			req.Header.Set(SignatureHeader, signature)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			w.logger.Warn("webhook delivery failed, retrying",
				zap.String("job_id", msg.JobID),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt))
			return fmt.Errorf("webhook: receiver returned %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("webhook: receiver rejected delivery: %s", resp.Status))
		}
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(eb, w.config.MaxRetries), ctx))
}

// Sign issues the HS256 token sent in SignatureHeader
func Sign(secret string, msg *Message, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	now := time.Now()
	claims := SignatureClaims{
		JobID:      msg.JobID,
		Status:     msg.Status,
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "llm-execution-core",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign callback: %w", err)
	}
	return token, nil
}

// Verify checks a webhook token against the received body. Receivers use it
// to authenticate deliveries.
func Verify(secret, token string, body []byte) (*SignatureClaims, error) {
	claims := &SignatureClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid callback signature: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid callback signature")
	}

	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("callback body does not match signature")
	}
	return claims, nil
}
