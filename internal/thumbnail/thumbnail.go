// Package thumbnail renders small square previews of catalog images.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kalambet/picshelf/internal/catalog"
)

// DirName is the directory, relative to the data dir, holding thumbnails.
const DirName = "thumbnails"

const ext = ".png"

// Generator writes contain-fit thumbnails into a single directory.
type Generator struct {
	dir  string
	size int
}

func New(dir string, size int) *Generator {
	if size <= 0 {
		size = 80
	}
	return &Generator{dir: dir, size: size}
}

func (g *Generator) Dir() string { return g.dir }

// Name maps an image filename to its thumbnail filename: the extension is
// replaced and any directory part is dropped.
func Name(filename string) string {
	base := filepath.Base(filepath.Clean("/" + filename))
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" {
		base = stem
	}
	return base + ext
}

// Rel is the path reported to clients for a thumbnail of filename.
func Rel(filename string) string {
	return DirName + "/" + Name(filename)
}

// Path returns where the thumbnail for filename lives on disk.
func (g *Generator) Path(filename string) string {
	return filepath.Join(g.dir, Name(filename))
}

// Lookup resolves a thumbnail filename as requested by a client. Names that
// try to leave the directory are rejected.
func (g *Generator) Lookup(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	p := filepath.Join(g.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Create decodes data, scales it to fit inside a size x size square on a
// transparent canvas and saves it as PNG. It returns the relative path.
func (g *Generator) Create(data []byte, filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("%w: filename is required", catalog.ErrInvalidInput)
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("%w: decoding image: %v", catalog.ErrInvalidInput, err)
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating thumbnail dir: %w", err)
	}
	if err := imaging.Save(g.render(src), g.Path(filename)); err != nil {
		return "", fmt.Errorf("saving thumbnail: %w", err)
	}
	return Rel(filename), nil
}

func (g *Generator) render(src image.Image) *image.NRGBA {
	b := src.Bounds()
	scale := math.Min(float64(g.size)/float64(b.Dx()), float64(g.size)/float64(b.Dy()))
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))

	fitted := imaging.Resize(src, w, h, imaging.Lanczos)
	canvas := imaging.New(g.size, g.size, color.NRGBA{})
	return imaging.PasteCenter(canvas, fitted)
}
