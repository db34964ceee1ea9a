package ai

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// ModelDefault is the model used for analysis operations
	ModelDefault = "claude-sonnet-4-5-20250929"

	// defaultMaxTokens caps responses when the request does not specify
	defaultMaxTokens = 4096
)

// GetModel returns the analysis model, checking FBL_MODEL env var first.
func GetModel() string {
	if model := os.Getenv("FBL_MODEL"); model != "" {
		return model
	}
	return ModelDefault
}

// Anthropic is the production Capability backed by the Anthropic API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// AnthropicConfig configures the Anthropic capability.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (empty = ANTHROPIC_API_KEY env var)
	APIKey string
	// Model overrides the default model
	Model string
}

// NewAnthropic creates the Anthropic-backed capability.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	model := cfg.Model
	if model == "" {
		model = GetModel()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client, model: model}, nil
}

// Invoke implements Capability.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, classifyAPIError(req.Operation, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// classifyAPIError maps an API error into the capability error taxonomy.
// The SDK does not expose a stable error type for every transport failure,
// so classification falls back to inspecting the error string.
func classifyAPIError(operation string, err error) error {
	errStr := strings.ToLower(err.Error())

	// Auth and quota-exhaustion failures affect every item: structural.
	if strings.Contains(errStr, "401") || strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "authentication") || strings.Contains(errStr, "invalid api key") {
		return &CapabilityError{Operation: operation, Structural: true, Err: err}
	}

	// Rate limits and server errors are transient.
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") {
		return &CapabilityError{Operation: operation, Retriable: true, Err: err}
	}

	// Network-level failures are transient too.
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") || strings.Contains(errStr, "network") {
		return &CapabilityError{Operation: operation, Retriable: true, Err: err}
	}

	// Everything else (bad request, unparseable item) is item-scoped and
	// not worth retrying.
	return &CapabilityError{Operation: operation, Err: err}
}
