package rasterizer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Directory serves documents that were rendered ahead of time: a directory of page images
// or a single image file. Anything else is handed to Fallback when one is set.
type Directory struct {
	Fallback Rasterizer
}

// Rasterize implements Rasterizer.
func (d Directory) Rasterize(ctx context.Context, path string) ([]Page, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}

	if info.IsDir() {
		return LoadPages(path)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect document type: %w", err)
	}

	if strings.HasPrefix(detected.String(), "image/") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read page image: %w", err)
		}
		return []Page{{Number: 1, MIMEType: detected.String(), Data: data}}, nil
	}

	if d.Fallback == nil {
		return nil, fmt.Errorf("cannot rasterize %s document without a renderer", detected.String())
	}
	return d.Fallback.Rasterize(ctx, path)
}
