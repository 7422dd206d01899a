package completion

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashureev/dndgpt/internal/config"
	"github.com/ashureev/dndgpt/internal/prompt"
)

const defaultEmbedBatch = 16

var tracer = otel.Tracer("github.com/ashureev/dndgpt/internal/completion")

// ErrEmptyEmbedding is returned when the API omits a vector for an input.
var ErrEmptyEmbedding = errors.New("embedding missing from response")

// NewAzureClient builds an SDK client for the configured Azure resource.
// Extra options are applied last, so tests can point it at a local server.
func NewAzureClient(cfg config.AzureConfig, opts ...option.RequestOption) openai.Client {
	base := []option.RequestOption{
		azure.WithEndpoint(cfg.BaseURL(), cfg.APIVersion),
		azure.WithAPIKey(cfg.APIKey),
	}
	return openai.NewClient(append(base, opts...)...)
}

// AzureSource streams chat completions from an Azure OpenAI deployment.
type AzureSource struct {
	client      openai.Client
	deployment  string
	temperature float64
	timeout     time.Duration
}

// NewAzureSource creates a streaming source. A zero timeout means the call is
// bounded only by the caller's context.
func NewAzureSource(client openai.Client, deployment string, temperature float64, timeout time.Duration) *AzureSource {
	return &AzureSource{
		client:      client,
		deployment:  deployment,
		temperature: temperature,
		timeout:     timeout,
	}
}

// Stream implements Source. Only non-empty content deltas are yielded.
func (s *AzureSource) Stream(ctx context.Context, messages []prompt.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "completion.stream")
		defer span.End()
		span.SetAttributes(
			attribute.String("deployment", s.deployment),
			attribute.Int("messages", len(messages)),
		)

		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		params := openai.ChatCompletionNewParams{
			Messages:    ToOpenAIMessages(messages),
			Model:       openai.ChatModel(s.deployment),
			Temperature: openai.Float(s.temperature),
		}

		stream := s.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		fragments := 0
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			fragments++
			if !yield(content, nil) {
				return
			}
		}
		span.SetAttributes(attribute.Int("fragments", fragments))

		if err := stream.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			yield("", fmt.Errorf("completion stream: %w", err))
		}
	}
}

// ToOpenAIMessages converts composed prompt messages to SDK params. Unknown
// roles are sent as user messages.
func ToOpenAIMessages(messages []prompt.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case prompt.RoleSystem:
			result[i] = openai.SystemMessage(msg.Content)
		case prompt.RoleAssistant:
			result[i] = openai.AssistantMessage(msg.Content)
		default:
			result[i] = openai.UserMessage(msg.Content)
		}
	}
	return result
}

// AzureEmbedder embeds text with an Azure OpenAI embedding deployment.
type AzureEmbedder struct {
	client     openai.Client
	deployment string
	batchSize  int
}

// NewAzureEmbedder creates an embedder. Inputs are sent batchSize at a time;
// values <= 0 use a default of 16.
func NewAzureEmbedder(client openai.Client, deployment string, batchSize int) *AzureEmbedder {
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}
	return &AzureEmbedder{client: client, deployment: deployment, batchSize: batchSize}
}

// Embed returns the vector for a single text.
func (e *AzureEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (e *AzureEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vectors, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *AzureEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.deployment),
	})
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", idx)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vectors[idx] = v
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("input %d: %w", i, ErrEmptyEmbedding)
		}
	}
	return vectors, nil
}
