package retrieval

import (
	"context"
	"fmt"

	"github.com/ashureev/dndgpt/internal/completion"
)

// Ingest splits docs, embeds every chunk and writes a fresh index to path.
// It returns the number of chunks written.
func Ingest(ctx context.Context, embedder completion.Embedder, splitter Splitter, docs []Document, path, model string) (int, error) {
	var chunks []Chunk
	var texts []string
	for _, doc := range docs {
		for pos, text := range splitter.Split(doc.Content) {
			chunks = append(chunks, Chunk{Document: doc.Name, Position: pos, Content: text})
			texts = append(texts, text)
		}
	}
	if len(chunks) == 0 {
		return 0, ErrEmptyIndex
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err := Write(ctx, path, chunks, Meta{Model: model}); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
