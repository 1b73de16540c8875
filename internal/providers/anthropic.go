package providers

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider serves Claude models through the native Anthropic API.
type AnthropicProvider struct {
	client anthropic.Client
	apiKey string
}

// NewAnthropicProvider builds the provider. An empty apiKey yields an
// unavailable provider that Resolve will fall through.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		apiKey: strings.TrimSpace(apiKey),
	}
}

func (p *AnthropicProvider) Kind() Kind      { return KindAnthropic }
func (p *AnthropicProvider) Available() bool { return p != nil && p.apiKey != "" }

func (p *AnthropicProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if !p.Available() {
		return "", errors.New("anthropic provider has no api key")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}

	prompt := req.Prompt
	if req.Files != "" {
		prompt = prompt + "\n\n" + req.Files
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: strings.TrimSpace(req.SystemPrompt)}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(tb.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("anthropic: empty response")
	}
	return out.String(), nil
}
