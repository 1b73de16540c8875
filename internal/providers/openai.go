package providers

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// OpenAIProvider serves models through the OpenAI chat completions API.
// The same implementation, pointed at a different base URL, covers the
// OpenRouter-style aggregator and local OpenAI-compatible endpoints —
// those gateways differ only in routing, not in wire shape.
type OpenAIProvider struct {
	client openai.Client
	kind   Kind
	apiKey string
}

// NewOpenAIProvider builds the native OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return newOpenAICompatible(KindOpenAI, apiKey, "")
}

// NewOpenRouterProvider builds the aggregator provider.
func NewOpenRouterProvider(apiKey string) *OpenAIProvider {
	return newOpenAICompatible(KindOpenRouter, apiKey, "https://openrouter.ai/api/v1")
}

// NewCustomProvider builds a provider for a local or self-hosted
// OpenAI-compatible endpoint (Ollama, vLLM, LM Studio). Availability is
// keyed on the URL: many local endpoints need no key at all.
func NewCustomProvider(baseURL, apiKey string) *OpenAIProvider {
	if strings.TrimSpace(baseURL) == "" {
		return &OpenAIProvider{kind: KindCustom}
	}
	if strings.TrimSpace(apiKey) == "" {
		apiKey = "unused"
	}
	return newOpenAICompatible(KindCustom, apiKey, baseURL)
}

func newOpenAICompatible(kind Kind, apiKey, baseURL string) *OpenAIProvider {
	apiKey = strings.TrimSpace(apiKey)
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		kind:   kind,
		apiKey: apiKey,
	}
}

func (p *OpenAIProvider) Kind() Kind      { return p.kind }
func (p *OpenAIProvider) Available() bool { return p != nil && p.apiKey != "" }

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if !p.Available() {
		return "", errors.New("openai-compatible provider has no credentials")
	}

	prompt := req.Prompt
	if req.Files != "" {
		prompt = prompt + "\n\n" + req.Files
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.SystemMessage(strings.TrimSpace(req.SystemPrompt)))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
