package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rotisserie/eris"
)

// openaiProvider implements Provider using the official OpenAI SDK.
// SDK-level retries are disabled; Client owns the retry policy.
type openaiProvider struct {
	client openai.Client
	model  string
}

func newOpenAIProvider(apiKey, model, baseURL string) *openaiProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *openaiProvider) Name() string {
	return "openai/" + o.model
}

func (o *openaiProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(opts.Examples)+2)
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	for _, ex := range opts.Examples {
		if ex.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(ex.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(ex.Content))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if eris.As(err, &apiErr) {
			return "", &HTTPError{
				StatusCode: apiErr.StatusCode,
				Message:    apiErr.Code + ": " + apiErr.Message,
			}
		}
		return "", eris.Wrap(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", eris.New("empty response from openai API")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
