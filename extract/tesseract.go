package extract

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"docdiff/domain"
)

// Tesseract runs local OCR at word level.
type Tesseract struct {
	langs         []string
	logger        *slog.Logger
	clientFactory func() *gosseract.Client
}

func NewTesseract(langs []string, logger *slog.Logger) *Tesseract {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tesseract{langs: langs, logger: logger, clientFactory: gosseract.NewClient}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Extract(ctx context.Context, imagePath string) ([]domain.Token, error) {
	if _, err := os.Stat(imagePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundFailure("extract", imagePath)
		}
		return nil, domain.UnreadableFailure("extract", "stat image", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// gosseract clients are not safe for concurrent use; one per call.
	c := t.clientFactory()
	defer c.Close()

	if len(t.langs) > 0 {
		if err := c.SetLanguage(t.langs...); err != nil {
			return nil, domain.RecognitionFailure("set languages", err)
		}
	}
	if err := c.SetImage(imagePath); err != nil {
		return nil, domain.UnreadableFailure("extract", "load image", err)
	}
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, domain.RecognitionFailure("ocr "+imagePath, err)
	}
	tokens := tokensFromBoxes(boxes)
	t.logger.Debug("ocr extracted", "image", imagePath, "boxes", len(boxes), "tokens", len(tokens))
	return tokens, nil
}

// tokensFromBoxes drops blank words and boxes tesseract marks with negative confidence.
func tokensFromBoxes(boxes []gosseract.BoundingBox) []domain.Token {
	out := make([]domain.Token, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" || b.Confidence < 0 {
			continue
		}
		out = append(out, domain.Token{
			Text:   b.Word,
			X:      b.Box.Min.X,
			Y:      b.Box.Min.Y,
			Width:  b.Box.Dx(),
			Height: b.Box.Dy(),
		})
	}
	return out
}
