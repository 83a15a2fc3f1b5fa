// Package callback delivers job completion messages to the target stored on
// a queued job. Targets are URLs whose scheme selects the transport:
//
//	chan://name         in-process channel (ChannelNotifier)
//	http(s)://host/path signed webhook (WebhookNotifier)
//	redis://name        Redis Pub/Sub on callback:v1:<name> (RedisNotifier)
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-execution-core/services"
	"go.uber.org/zap"
)

// Status of a finished job as reported to its callback target
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// Message is the completion payload pushed to a callback target
type Message struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Notifier delivers a message to one target
type Notifier interface {
	Notify(ctx context.Context, target *url.URL, msg *Message) error
}

// Dispatcher routes messages to the notifier registered for the target's scheme
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	logger    *zap.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notifiers: make(map[string]Notifier),
		logger:    logger,
	}
}

// Register binds a notifier to one or more URL schemes
func (d *Dispatcher) Register(n Notifier, schemes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, scheme := range schemes {
		d.notifiers[strings.ToLower(scheme)] = n
	}
}

// Validate checks that target is empty or routable
func (d *Dispatcher) Validate(target string) error {
	if target == "" {
		return nil
	}
	_, _, err := d.resolve(target)
	return err
}

// Notify delivers msg to target. An empty target is a no-op.
func (d *Dispatcher) Notify(ctx context.Context, target string, msg *Message) error {
	if target == "" || msg == nil {
		return nil
	}

	u, n, err := d.resolve(target)
	if err != nil {
		return err
	}

	if err := n.Notify(ctx, u, msg); err != nil {
		d.logger.Warn("callback delivery failed",
			zap.String("job_id", msg.JobID),
			zap.String("scheme", u.Scheme),
			zap.String("status", msg.Status),
			zap.Error(err))
		return err
	}

	d.logger.Debug("callback delivered",
		zap.String("job_id", msg.JobID),
		zap.String("scheme", u.Scheme),
		zap.String("status", msg.Status))
	return nil
}

func (d *Dispatcher) resolve(target string) (*url.URL, Notifier, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" {
		return nil, nil, services.NewValidationError("invalid callback target", map[string]string{
			"callback": "must be a URL such as https://host/path or chan://name",
		})
	}

	d.mu.RLock()
	n, ok := d.notifiers[strings.ToLower(u.Scheme)]
	d.mu.RUnlock()
	if !ok {
		return nil, nil, services.NewValidationError("unsupported callback target", map[string]string{
			"callback": fmt.Sprintf("scheme %q is not supported", u.Scheme),
		})
	}
	return u, n, nil
}

// targetName extracts the channel name from chan://name or redis://name
func targetName(u *url.URL) string {
	name := u.Host
	if path := strings.Trim(u.Path, "/"); path != "" {
		if name != "" {
			name += "/"
		}
		name += path
	}
	if name == "" {
		name = u.Opaque
	}
	return name
}
