package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/utils"
)

// Urgency is the caller's scheduling hint. It is not a deadline.
type Urgency string

const (
	UrgencyInteractive Urgency = "interactive"
	UrgencyNormal      Urgency = "normal"
	UrgencyBackground  Urgency = "background"
)

// Parameters are the sampling knobs forwarded to the adapter
type Parameters struct {
	Temperature  *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    int      `json:"maxTokens,omitempty" validate:"gte=0,lte=200000"`
	SystemPrompt string   `json:"systemPrompt,omitempty" validate:"max=50000"`
}

// Request is one unit of work. The Manager normalizes a copy before use and
// never mutates the caller's value.
type Request struct {
	ID          string     `json:"id" validate:"omitempty,max=128"`
	TenantID    string     `json:"tenantId,omitempty" validate:"max=128"`
	Prompt      string     `json:"prompt" validate:"required,max=400000"`
	Provider    string     `json:"provider,omitempty" validate:"max=64"`
	Model       string     `json:"model,omitempty" validate:"max=128"`
	Parameters  Parameters `json:"parameters"`
	Urgency     Urgency    `json:"urgency,omitempty" validate:"omitempty,oneof=interactive normal background"`
	NoCache     bool       `json:"noCache,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
}

// Validate checks the request shape
func (r *Request) Validate() error {
	if r == nil {
		return services.NewValidationError("request is required", nil)
	}
	if err := utils.ValidateStruct(r); err != nil {
		if utils.IsValidationError(err) {
			return services.NewValidationError("invalid execution request", utils.GetValidationFields(err))
		}
		return services.NewValidationError(err.Error(), nil)
	}
	return nil
}

// normalized returns a copy with an ID and an explicit urgency
func (r *Request) normalized() *Request {
	out := *r
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Urgency == "" {
		out.Urgency = UrgencyNormal
	}
	if r.Parameters.Temperature != nil {
		t := *r.Parameters.Temperature
		out.Parameters.Temperature = &t
	}
	return &out
}

// cacheable reports whether the result may be stored and shared
func (r *Request) cacheable() bool {
	return !r.NoCache && r.Fingerprint != ""
}

// chatRequest builds the adapter request for a resolved model
func (r *Request) chatRequest(model string) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:       model,
		Messages:    []providers.Message{{Role: "user", Content: r.Prompt}},
		System:      r.Parameters.SystemPrompt,
		MaxTokens:   r.Parameters.MaxTokens,
		Temperature: r.Parameters.Temperature,
		User:        r.TenantID,
	}
}

type fingerprintKey struct {
	Prompt       string   `json:"prompt"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	SystemPrompt string   `json:"system_prompt"`
}

// Fingerprint hashes the fields that determine a response. ID, tenant,
// urgency and the cache opt-out do not participate.
func Fingerprint(r *Request) string {
	key := fingerprintKey{
		Prompt:       r.Prompt,
		Provider:     r.Provider,
		Model:        r.Model,
		Temperature:  r.Parameters.Temperature,
		MaxTokens:    r.Parameters.MaxTokens,
		SystemPrompt: r.Parameters.SystemPrompt,
	}
	// Struct fields marshal in declaration order, so the encoding is canonical
	raw, _ := json.Marshal(key)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
