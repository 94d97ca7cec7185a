// Package annotate burns highlight rectangles onto page images.
package annotate

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"docdiff/domain"
)

var Red = color.RGBA{R: 255, A: 255}

// Painter draws box outlines. The zero value is not usable; use NewPainter.
type Painter struct {
	Color     color.Color
	Thickness int
	Quality   int
}

func NewPainter() *Painter {
	return &Painter{Color: Red, Thickness: 2, Quality: 95}
}

// OutputPath is where Draw writes the annotated copy of imagePath.
func OutputPath(imagePath string) string {
	stem := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	return stem + "_with_bboxes.jpg"
}

// Draw writes a copy of imagePath with an outline around tokens[i] for every i in indices.
// Indices outside tokens are skipped. The source image is not modified.
func (p *Painter) Draw(imagePath string, tokens []domain.Token, indices []int) (string, error) {
	src, err := decode(imagePath)
	if err != nil {
		return "", err
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	fill := &image.Uniform{C: p.Color}
	for _, i := range indices {
		if i < 0 || i >= len(tokens) {
			continue
		}
		t := tokens[i]
		outline(dst, image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height), p.Thickness, fill)
	}

	out := OutputPath(imagePath)
	f, err := os.Create(out)
	if err != nil {
		return "", domain.UnreadableFailure("annotate", "create output", err)
	}
	if err := jpeg.Encode(f, dst, &jpeg.Options{Quality: p.Quality}); err != nil {
		_ = f.Close()
		return "", domain.UnreadableFailure("annotate", "encode output", err)
	}
	if err := f.Close(); err != nil {
		return "", domain.UnreadableFailure("annotate", "close output", err)
	}
	return out, nil
}

// Draw uses the default red, 2px painter.
func Draw(imagePath string, tokens []domain.Token, indices []int) (string, error) {
	return NewPainter().Draw(imagePath, tokens, indices)
}

func outline(dst draw.Image, r image.Rectangle, thickness int, src image.Image) {
	if thickness <= 0 {
		thickness = 1
	}
	r = r.Canon()
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness), // top
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y), // left
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		e = e.Intersect(dst.Bounds())
		if e.Empty() {
			continue
		}
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundFailure("annotate", path)
		}
		return nil, domain.UnreadableFailure("annotate", "open image", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, domain.UnreadableFailure("annotate", fmt.Sprintf("decode %s", filepath.Base(path)), err)
	}
	return img, nil
}
