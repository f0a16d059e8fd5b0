// Package rasterizer turns multi-page documents into ordered single-page images.
package rasterizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNoPages is returned when a document renders to nothing.
var ErrNoPages = errors.New("document has no pages")

// Page is one encoded page image. Numbers start at 1.
type Page struct {
	Number   int
	MIMEType string
	Data     []byte
}

// Rasterizer renders the document at path into pages in document order.
type Rasterizer interface {
	Rasterize(ctx context.Context, path string) ([]Page, error)
}

var trailingNumber = regexp.MustCompile(`(\d+)$`)

// LoadPages reads every image file of dir as a page. Files are ordered by the number at
// the end of their base name (page-1.png, page-2.png, ..., page-10.png), falling back to
// the name itself.
func LoadPages(dir string) ([]Page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read page directory: %w", err)
	}

	type candidate struct {
		name   string
		number int
	}

	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		number := -1
		if match := trailingNumber.FindStringSubmatch(base); match != nil {
			number, _ = strconv.Atoi(match[1])
		}
		candidates = append(candidates, candidate{name: entry.Name(), number: number})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].number != candidates[j].number {
			return candidates[i].number < candidates[j].number
		}
		return candidates[i].name < candidates[j].name
	})

	pages := make([]Page, 0, len(candidates))
	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(dir, c.name))
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", c.name, err)
		}
		detected := mimetype.Detect(data)
		if !strings.HasPrefix(detected.String(), "image/") {
			continue
		}
		pages = append(pages, Page{
			Number:   len(pages) + 1,
			MIMEType: detected.String(),
			Data:     data,
		})
	}

	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	return pages, nil
}
