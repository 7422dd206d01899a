// Package retrieval owns the rulebook similarity index: splitting and
// embedding source text, persisting it to a SQLite file, and answering
// top-k queries against an immutable in-memory snapshot of that file.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/dndgpt/internal/domain"
)

var (
	// ErrIndexNotFound means no index file exists at the configured path.
	ErrIndexNotFound = errors.New("index not found")
	// ErrEmptyIndex means the index file holds no chunks.
	ErrEmptyIndex = errors.New("index has no chunks")
	// ErrDimensionMismatch means a query vector does not match the index.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Chunk is one embedded slice of a source document.
type Chunk struct {
	Document  string
	Position  int
	Content   string
	Embedding []float32
}

// Meta describes how an index was built.
type Meta struct {
	Model      string
	Dimensions int
	BuiltAt    time.Time
}

// Index is a read-only snapshot of the chunks table. It is safe for
// concurrent use.
type Index struct {
	chunks []Chunk
	norms  []float64
	meta   Meta
}

// Load reads the index file at path into memory.
func Load(ctx context.Context, path string) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, fmt.Errorf("stat index: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	meta, err := readMeta(ctx, db)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT document, position, content, embedding FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	idx := &Index{meta: meta}
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.Document, &c.Position, &c.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s#%d: %w", c.Document, c.Position, err)
		}
		if meta.Dimensions > 0 && len(c.Embedding) != meta.Dimensions {
			return nil, fmt.Errorf("chunk %s#%d: %w", c.Document, c.Position, ErrDimensionMismatch)
		}
		idx.chunks = append(idx.chunks, c)
		idx.norms = append(idx.norms, norm(c.Embedding))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	if len(idx.chunks) == 0 {
		return nil, ErrEmptyIndex
	}
	if idx.meta.Dimensions == 0 {
		idx.meta.Dimensions = len(idx.chunks[0].Embedding)
	}
	return idx, nil
}

func readMeta(ctx context.Context, db *sql.DB) (Meta, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return Meta{}, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	var meta Meta
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Meta{}, fmt.Errorf("scan meta: %w", err)
		}
		switch key {
		case "model":
			meta.Model = value
		case "dimensions":
			if _, err := fmt.Sscanf(value, "%d", &meta.Dimensions); err != nil {
				return Meta{}, fmt.Errorf("parse dimensions %q: %w", value, err)
			}
		case "built_at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				meta.BuiltAt = t
			}
		}
	}
	return meta, rows.Err()
}

// Len returns the number of chunks.
func (i *Index) Len() int { return len(i.chunks) }

// Meta returns the build metadata.
func (i *Index) Meta() Meta { return i.meta }

// Search returns the k chunks most similar to query by cosine similarity,
// best first. Ties keep index order.
func (i *Index) Search(query []float32, k int) ([]domain.Passage, error) {
	if len(query) != i.meta.Dimensions {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), i.meta.Dimensions)
	}
	if k <= 0 {
		return nil, nil
	}

	type scored struct {
		pos   int
		score float64
	}
	qn := norm(query)
	results := make([]scored, len(i.chunks))
	for n, c := range i.chunks {
		results[n] = scored{pos: n, score: cosine(query, qn, c.Embedding, i.norms[n])}
	}
	slices.SortStableFunc(results, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})

	if len(results) > k {
		results = results[:k]
	}
	passages := make([]domain.Passage, len(results))
	for n, r := range results {
		c := i.chunks[r.pos]
		passages[n] = domain.Passage{
			Text:   c.Content,
			Source: fmt.Sprintf("%s#%d", c.Document, c.Position),
			Score:  r.score,
		}
	}
	return passages, nil
}

// Write stores chunks as a new index file at path. The file is built next to
// the target and renamed into place, so readers never observe a partial index.
func Write(ctx context.Context, path string, chunks []Chunk, meta Meta) error {
	if len(chunks) == 0 {
		return ErrEmptyIndex
	}
	if meta.Dimensions == 0 {
		meta.Dimensions = len(chunks[0].Embedding)
	}
	if meta.BuiltAt.IsZero() {
		meta.BuiltAt = time.Now().UTC()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	if err := writeFile(ctx, tmp, chunks, meta); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func writeFile(ctx context.Context, path string, chunks []Chunk, meta Meta) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document TEXT NOT NULL,
		position INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metaRows := map[string]string{
		"model":      meta.Model,
		"dimensions": fmt.Sprintf("%d", meta.Dimensions),
		"built_at":   meta.BuiltAt.Format(time.RFC3339),
	}
	for k, v := range metaRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document, position, content, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if len(c.Embedding) != meta.Dimensions {
			return fmt.Errorf("chunk %s#%d: %w", c.Document, c.Position, ErrDimensionMismatch)
		}
		if _, err := stmt.ExecContext(ctx, c.Document, c.Position, c.Content, encodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
