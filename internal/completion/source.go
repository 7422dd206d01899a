// Package completion adapts the hosted chat-completion and embedding APIs.
//
// The rest of the system sees only Source and Embedder. AzureSource and
// AzureEmbedder talk to an Azure OpenAI resource through the official SDK.
package completion

import (
	"context"
	"iter"

	"github.com/ashureev/dndgpt/internal/prompt"
)

// Source produces a lazy, ordered sequence of reply fragments. The sequence
// ends normally on completion or yields exactly one non-nil error and stops.
// Cancelling ctx aborts the upstream call.
type Source interface {
	Stream(ctx context.Context, messages []prompt.Message) iter.Seq2[string, error]
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, messages []prompt.Message) iter.Seq2[string, error]

// Stream calls f.
func (f SourceFunc) Stream(ctx context.Context, messages []prompt.Message) iter.Seq2[string, error] {
	return f(ctx, messages)
}

// Embedder turns text into vectors for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
