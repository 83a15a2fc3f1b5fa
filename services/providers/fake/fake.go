// Package fake provides a scriptable in-memory provider for tests and local runs.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-execution-core/services/providers"
)

// Default per-token prices for fake models
const (
	DefaultPromptPrice     = 0.000001
	DefaultCompletionPrice = 0.000002
)

// Provider is a deterministic providers.StreamingProvider. Responses, errors
// and timing are scripted by the test.
type Provider struct {
	mu          sync.Mutex
	name        string
	models      map[string]*providers.ModelInfo
	content     string
	chunks      []string
	usage       providers.Usage
	queued      []error
	always      error
	validateErr error
	gate        chan struct{}
	entered     chan struct{}
	calls       int
	streamCalls int
}

// New creates a fake provider offering the given models
func New(name string, models ...string) *Provider {
	p := &Provider{
		name:    name,
		models:  make(map[string]*providers.ModelInfo),
		content: "fake response from " + name,
		usage:   providers.NewUsage(10, 20),
		entered: make(chan struct{}, 64),
	}
	for _, m := range models {
		p.models[m] = &providers.ModelInfo{
			ID:                        m,
			Name:                      m,
			Provider:                  name,
			MaxTokens:                 4096,
			ContextWindow:             8192,
			PricingPerPromptToken:     DefaultPromptPrice,
			PricingPerCompletionToken: DefaultCompletionPrice,
			SupportsStreaming:         true,
		}
	}
	return p
}

// WithContent sets the response text
func (p *Provider) WithContent(content string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content = content
	p.chunks = nil
	return p
}

// WithChunks sets the streamed increments; the full content is their concatenation
func (p *Provider) WithChunks(chunks ...string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = chunks
	p.content = strings.Join(chunks, "")
	return p
}

// WithUsage sets the reported token usage
func (p *Provider) WithUsage(prompt, completion int) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage = providers.NewUsage(prompt, completion)
	return p
}

// SetPricing overrides a model's per-token prices
func (p *Provider) SetPricing(model string, prompt, completion float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.models[model]; ok {
		info.PricingPerPromptToken = prompt
		info.PricingPerCompletionToken = completion
	}
}

// SetStreaming toggles streaming support for a model
func (p *Provider) SetStreaming(model string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.models[model]; ok {
		info.SupportsStreaming = enabled
	}
}

// SetValidateError makes Validate fail with err
func (p *Provider) SetValidateError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validateErr = err
}

// FailNext queues errors returned by the next calls, one per call
func (p *Provider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, errs...)
}

// FailAlways makes every call fail with err; nil clears it
func (p *Provider) FailAlways(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.always = err
}

// Block holds every call until the returned release func is invoked
func (p *Provider) Block() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// Entered receives one value each time a call reaches the provider
func (p *Provider) Entered() <-chan struct{} {
	return p.entered
}

// Calls returns the number of non-streaming calls made
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// StreamCalls returns the number of streaming calls made
func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls
}

// Name implements providers.Provider
func (p *Provider) Name() string {
	return p.name
}

// ListModels implements providers.Provider
func (p *Provider) ListModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	models := make([]string, 0, len(p.models))
	for m := range p.models {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// GetModelInfo implements providers.Provider
func (p *Provider) GetModelInfo(model string) (*providers.ModelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.models[model]
	if !ok {
		return nil, fmt.Errorf("model %s not found", model)
	}
	copied := *info
	return &copied, nil
}

// Validate implements providers.Provider
func (p *Provider) Validate(req *providers.ChatRequest) error {
	p.mu.Lock()
	validateErr := p.validateErr
	p.mu.Unlock()
	if validateErr != nil {
		return validateErr
	}
	return providers.ValidateCommon(p, providers.Limits{MinTemperature: 0, MaxTemperature: 2}, req)
}

// ChatCompletion implements providers.Provider
func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	return p.respond(req)
}

// ChatCompletionStream implements providers.StreamingProvider
func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.streamCalls++
	chunks := append([]string(nil), p.chunks...)
	content := p.content
	p.mu.Unlock()

	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		chunks = []string{content}
	}

	resp, err := p.respond(req)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := callback(chunk); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (p *Provider) enter(ctx context.Context) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}

	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) respond(req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queued) > 0 {
		err := p.queued[0]
		p.queued = p.queued[1:]
		if err != nil {
			return nil, err
		}
	}
	if p.always != nil {
		return nil, p.always
	}
	if req == nil {
		return nil, errors.New("nil request")
	}

	return &providers.ChatResponse{
		ID:           uuid.NewString(),
		Model:        req.Model,
		Provider:     p.name,
		Content:      p.content,
		FinishReason: "stop",
		Usage:        p.usage,
		Latency:      time.Millisecond,
		Created:      time.Now(),
	}, nil
}

// RetryableError returns a transient vendor failure for scripting
func RetryableError(name string) error {
	return providers.NewProviderError(name, "server_error", "upstream unavailable", 503, true, nil)
}

// FatalError returns a permanent vendor failure for scripting
func FatalError(name string) error {
	return providers.NewProviderError(name, "invalid_api_key", "authentication failed", 401, false, nil)
}
