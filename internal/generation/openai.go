package generation

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures the OpenAI chat completions adapter.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

// OpenAI generates with the chat completions API.
type OpenAI struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

// Name implements Port.
func (o *OpenAI) Name() string { return "openai:" + string(o.model) }

func (o *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	p := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: messages,
	}
	if req.Params.MaxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(req.Params.MaxTokens))
	}
	if t := req.Params.Temperature; t != nil {
		p.Temperature = openai.Float(*t)
	}
	return p
}

// Generate implements Port.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return nil, Classify(ctx, o.Name(), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, Classify(ctx, o.Name(), errEmptyResponse)
	}
	return &Response{Text: resp.Choices[0].Message.Content, Model: resp.Model}, nil
}

// GenerateStream implements Port.
func (o *OpenAI) GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(Chunk{Delta: chunk.Choices[0].Delta.Content}, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(Chunk{}, Classify(ctx, o.Name(), err))
			return
		}
		yield(Chunk{Done: true}, nil)
	}
}
