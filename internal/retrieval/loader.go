package retrieval

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Document is one loaded datasource file.
type Document struct {
	Name    string
	Path    string
	Content string
}

// SupportedExtensions lists the text formats the loader reads.
var SupportedExtensions = []string{".txt", ".md", ".markdown"}

// LoadDocuments reads every supported file under the given paths. A path may
// be a single file or a directory, which is walked recursively. Files are
// returned sorted by path so ingestion is deterministic.
func LoadDocuments(paths ...string) ([]Document, error) {
	var docs []Document
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat datasource: %w", err)
		}
		if !info.IsDir() {
			doc, err := loadFile(root)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isSupported(path) {
				return nil
			}
			doc, err := loadFile(path)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	slices.SortFunc(docs, func(a, b Document) int { return strings.Compare(a.Path, b.Path) })
	return docs, nil
}

func loadFile(path string) (Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Document{
		Name:    filepath.Base(path),
		Path:    path,
		Content: string(content),
	}, nil
}

func isSupported(path string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(path)))
}
