package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashureev/dndgpt/internal/completion"
	"github.com/ashureev/dndgpt/internal/domain"
)

const reloadDebounce = 250 * time.Millisecond

var tracer = otel.Tracer("github.com/ashureev/dndgpt/internal/retrieval")

// Retriever answers queries against the current index snapshot. Reload swaps
// the snapshot atomically; in-flight searches keep the one they started with.
type Retriever struct {
	embedder completion.Embedder
	path     string
	topK     int
	onReload func(error)

	current atomic.Pointer[Index]
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithReloadHook registers a callback run after every reload attempt with its
// result.
func WithReloadHook(fn func(error)) Option {
	return func(r *Retriever) { r.onReload = fn }
}

// NewRetriever loads the index at path eagerly. A missing or malformed index
// is returned as an error.
func NewRetriever(ctx context.Context, embedder completion.Embedder, path string, topK int, opts ...Option) (*Retriever, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be > 0")
	}
	r := &Retriever{
		embedder: embedder,
		path:     filepath.Clean(path),
		topK:     topK,
	}
	for _, opt := range opts {
		opt(r)
	}

	idx, err := Load(ctx, r.path)
	if err != nil {
		return nil, err
	}
	r.current.Store(idx)
	return r, nil
}

// Retrieve embeds query and returns the top-k passages.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]domain.Passage, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", r.topK))

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	passages, err := r.current.Load().Search(vec, r.topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("search index: %w", err)
	}
	span.SetAttributes(attribute.Int("passages", len(passages)))
	return passages, nil
}

// Index returns the current snapshot.
func (r *Retriever) Index() *Index {
	return r.current.Load()
}

// Ping reports whether a usable snapshot is loaded.
func (r *Retriever) Ping(context.Context) error {
	if idx := r.current.Load(); idx == nil || idx.Len() == 0 {
		return ErrEmptyIndex
	}
	return nil
}

// Reload reads the index file again. On failure the previous snapshot stays
// in use.
func (r *Retriever) Reload(ctx context.Context) error {
	idx, err := Load(ctx, r.path)
	if err == nil {
		r.current.Store(idx)
	}
	if r.onReload != nil {
		r.onReload(err)
	}
	return err
}

// Watch reloads the index whenever its file is created, written or renamed
// into place. It blocks until ctx is done.
func (r *Retriever) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// The directory is watched because ingestion replaces the file by rename.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)
		case <-debounce:
			debounce = nil
			if err := r.Reload(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				slog.Warn("Index reload failed, keeping previous index", "path", r.path, "error", err)
				continue
			}
			slog.Info("Index reloaded", "path", r.path, "chunks", r.current.Load().Len())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Index watcher error", "error", err)
		}
	}
}
