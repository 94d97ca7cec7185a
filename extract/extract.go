// Package extract recognises positioned text spans in page images.
package extract

import (
	"context"
	"fmt"
	"log/slog"

	"docdiff/config"
	"docdiff/domain"
)

// Extractor returns the text spans of one image. Each token carries its own box, so
// tokens[i] and its box can never drift apart.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, imagePath string) ([]domain.Token, error)
}

// New picks the strategy named by cfg.Extractor.
func New(cfg config.Config, logger *slog.Logger) (Extractor, error) {
	switch cfg.Extractor {
	case "", "tesseract", "ocr":
		return NewTesseract(cfg.TesseractLangs, logger), nil
	case "vision", "llm":
		return NewVisionFromConfig(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown extractor %q", cfg.Extractor)
	}
}
