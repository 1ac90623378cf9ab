// Package docs renders the operator documentation kept as AsciiDoc files.
package docs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytesparadise/libasciidoc"
	"github.com/bytesparadise/libasciidoc/pkg/configuration"
	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheSize = 64

// Service renders .adoc files from one directory and caches the HTML.
type Service struct {
	docsDir string
	cache   *lru.Cache[string, string] // filename -> html content
}

func NewService(docsDir string) *Service {
	cache, _ := lru.New[string, string](cacheSize) // only fails for size <= 0
	return &Service{
		docsDir: docsDir,
		cache:   cache,
	}
}

// GetDoc returns filename rendered as an HTML fragment.
func (s *Service) GetDoc(ctx context.Context, filename string) (string, error) {
	if filename != filepath.Base(filename) {
		return "", fmt.Errorf("invalid doc name %q", filename)
	}

	if content, ok := s.cache.Get(filename); ok {
		return content, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.docsDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read doc file: %w", err)
	}

	output := bytes.NewBuffer(nil)
	config := configuration.NewConfiguration(
		configuration.WithHeaderFooter(false), // embedded in the caller's layout
		configuration.WithAttribute("toc", "left"),
	)

	_, err = libasciidoc.Convert(bytes.NewReader(data), output, config)
	if err != nil {
		return "", fmt.Errorf("failed to convert asciidoc: %w", err)
	}

	html := output.String()

	s.cache.Add(filename, html)

	return html, nil
}

// Invalidate drops cached renderings, e.g. after docgen rewrote a file.
func (s *Service) Invalidate() {
	s.cache.Purge()
}

// ListDocs returns the .adoc file names in the docs directory, sorted.
func (s *Service) ListDocs() ([]string, error) {
	entries, err := os.ReadDir(s.docsDir)
	if err != nil {
		return nil, err
	}

	var docs []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".adoc") {
			docs = append(docs, entry.Name())
		}
	}
	sort.Strings(docs)
	return docs, nil
}
