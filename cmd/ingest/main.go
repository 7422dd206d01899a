// dndgpt-ingest builds the rulebook similarity index.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/dndgpt/internal/completion"
	"github.com/ashureev/dndgpt/internal/config"
	"github.com/ashureev/dndgpt/internal/retrieval"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type ingestOptions struct {
	out          string
	chunkSize    int
	chunkOverlap int
	batchSize    int
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "dndgpt-ingest [path...]",
		Short: "Split, embed and index rulebook text",
		Long: `Reads .txt and .md files (directories are walked), splits them into
word-aligned chunks, embeds every chunk with the configured Azure deployment
and atomically replaces the index file read by the server.

With no paths, RULEBOOK_PATH is used.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), opts, args)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.Flags()
	flags.StringVarP(&opts.out, "out", "o", "", "index file to write (default INDEX_PATH)")
	flags.IntVar(&opts.chunkSize, "chunk-size", 0, "chunk size in characters (default CHUNK_SIZE)")
	flags.IntVar(&opts.chunkOverlap, "chunk-overlap", -1, "chunk overlap in characters (default CHUNK_OVERLAP)")
	flags.IntVar(&opts.batchSize, "batch", 16, "chunks per embedding request")
	return cmd
}

func runIngest(ctx context.Context, opts ingestOptions, paths []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if opts.out == "" {
		opts.out = cfg.IndexPath
	}
	if opts.chunkSize <= 0 {
		opts.chunkSize = cfg.Retrieval.ChunkSize
	}
	if opts.chunkOverlap < 0 {
		opts.chunkOverlap = cfg.Retrieval.ChunkOverlap
	}
	if opts.chunkOverlap >= opts.chunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", opts.chunkOverlap, opts.chunkSize)
	}
	if len(paths) == 0 {
		paths = []string{cfg.RulebookPath}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := retrieval.LoadDocuments(paths...)
	if err != nil {
		return err
	}
	slog.Info("Loaded documents", "count", len(docs), "paths", paths)

	embedder := completion.NewAzureEmbedder(completion.NewAzureClient(cfg.Azure), cfg.Azure.EmbeddingDeployment, opts.batchSize)
	splitter := retrieval.Splitter{Size: opts.chunkSize, Overlap: opts.chunkOverlap}

	start := time.Now()
	n, err := retrieval.Ingest(ctx, embedder, splitter, docs, opts.out, cfg.Azure.EmbeddingDeployment)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	slog.Info("Index written", "path", opts.out, "chunks", n, "duration", time.Since(start))
	return nil
}
