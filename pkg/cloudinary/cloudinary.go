package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Archiver keeps an off-host copy of persisted record workbooks. Re-marking a submission
// overwrites its archived copy.
type Archiver struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary archiver.
func New(cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Archiver{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "record_archiver").Logger(),
	}, nil
}

// Upload stores the workbook as a raw asset and returns its secure URL.
func (a *Archiver) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:       strings.Trim(a.folder, "/"),
		PublicID:     PublicID(name),
		ResourceType: "raw",
		Overwrite:    api.Bool(true),
	}

	result, err := a.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to archive record: %w", err)
	}

	a.logger.Debug().Str("public_id", result.PublicID).Msg("record archived to cloudinary")
	return result.SecureURL, nil
}

// PublicID derives a stable asset id from a workbook name, keeping its extension since raw
// assets are addressed by full name.
func PublicID(name string) string {
	ext := filepath.Ext(name)
	base := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '-'
	}, strings.TrimSuffix(name, ext))

	base = strings.Trim(base, "-")
	if base == "" {
		base = "record"
	}
	return base + ext
}
