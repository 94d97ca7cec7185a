// Package raster renders PDF pages to cropped JPEG images.
package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"

	"docdiff/domain"
)

const (
	DefaultDPI     = 200
	DefaultQuality = 95
	// A pixel is content when any channel is below this value.
	whiteThreshold = 250
)

// Pages lists the written page images in page order.
type Pages struct {
	Paths []string
}

func (p Pages) Count() int { return len(p.Paths) }

type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string) (Pages, error)
}

// Fitz rasterizes with MuPDF.
type Fitz struct {
	dpi     float64
	quality int
	logger  *slog.Logger
}

func NewFitz(dpi float64, logger *slog.Logger) *Fitz {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fitz{dpi: dpi, quality: DefaultQuality, logger: logger}
}

// PagePath is the image name for 1-indexed page n of pdfPath.
func PagePath(pdfPath string, n int) string {
	stem := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	return filepath.Join(filepath.Dir(pdfPath), fmt.Sprintf("%s_page_%d.jpg", stem, n))
}

func (f *Fitz) Rasterize(ctx context.Context, pdfPath string) (Pages, error) {
	if _, err := os.Stat(pdfPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Pages{}, domain.NotFoundFailure("rasterize", pdfPath)
		}
		return Pages{}, domain.UnreadableFailure("rasterize", "stat pdf", err)
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return Pages{}, domain.UnreadableFailure("rasterize", "open pdf "+filepath.Base(pdfPath), err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n <= 0 {
		return Pages{}, domain.UnreadableFailure("rasterize", "pdf has no pages: "+filepath.Base(pdfPath), nil)
	}

	out := Pages{Paths: make([]string, 0, n)}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Pages{}, err
		}
		img, err := doc.ImageDPI(i, f.dpi)
		if err != nil {
			return Pages{}, domain.UnreadableFailure("rasterize", fmt.Sprintf("render page %d", i+1), err)
		}
		p := PagePath(pdfPath, i+1)
		if err := writeJPEG(p, Crop(img), f.quality); err != nil {
			return Pages{}, domain.UnreadableFailure("rasterize", fmt.Sprintf("write page %d", i+1), err)
		}
		out.Paths = append(out.Paths, p)
	}
	f.logger.Debug("rasterized pdf", "pdf", pdfPath, "pages", n, "dpi", f.dpi)
	return out, nil
}

// Crop trims the near-white margin. A page with no content is returned unchanged.
func Crop(img image.Image) image.Image {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1

	mark := func(x, y int) {
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):]
			for x := b.Min.X; x < b.Max.X; x++ {
				i := (x - b.Min.X) * 4
				if row[i] < whiteThreshold || row[i+1] < whiteThreshold || row[i+2] < whiteThreshold {
					mark(x, y)
				}
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				if r>>8 < whiteThreshold || g>>8 < whiteThreshold || bl>>8 < whiteThreshold {
					mark(x, y)
				}
			}
		}
	}

	if maxX < minX || maxY < minY {
		return img
	}
	rect := image.Rect(minX, minY, maxX+1, maxY+1)
	if s, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return s.SubImage(rect)
	}
	return img
}

func writeJPEG(path string, img image.Image, quality int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
