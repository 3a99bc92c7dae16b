package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

const (
	// DefaultMaxDimension caps the longest side of an image sent to the
	// generation backend.
	DefaultMaxDimension = 1024

	// DefaultJPEGQuality is the re-encode quality for compressed images.
	DefaultJPEGQuality = 70

	// DefaultMaxPixels bounds the decoded size of a source image.
	DefaultMaxPixels = 50_000_000
)

// ErrImageTooLarge is returned before decoding an image whose header
// declares more than the allowed number of pixels.
var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// Compressor bounds an image's size before it leaves the process: it scales
// the longest side down to MaxDimension and re-encodes as JPEG.
type Compressor struct {
	Fetcher      *Fetcher
	MaxDimension int
	Quality      int

	// MaxPixels rejects larger sources before decoding (default
	// DefaultMaxPixels).
	MaxPixels int
}

// NewCompressor creates a Compressor with default limits.
func NewCompressor(f *Fetcher) *Compressor {
	return &Compressor{
		Fetcher:      f,
		MaxDimension: DefaultMaxDimension,
		Quality:      DefaultJPEGQuality,
	}
}

// Compress returns ref as a JPEG data URL no larger than MaxDimension on its
// longest side.
func (c *Compressor) Compress(ctx context.Context, ref string) (string, error) {
	img, err := decodeRef(ctx, c.fetcher(), ref, c.MaxPixels)
	if err != nil {
		return "", err
	}

	maxDim := c.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	b := img.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encoding jpeg: %w", err)
	}
	return EncodeDataURL("image/jpeg", buf.Bytes()), nil
}

func (c *Compressor) fetcher() *Fetcher {
	if c.Fetcher != nil {
		return c.Fetcher
	}
	return NewFetcher(0)
}

// FitWithin scales (w, h) so neither side exceeds maxDim, preserving the
// aspect ratio. Sizes already within bounds are returned unchanged.
func FitWithin(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	ratio := math.Min(float64(maxDim)/float64(w), float64(maxDim)/float64(h))
	nw := int(math.Round(float64(w) * ratio))
	nh := int(math.Round(float64(h) * ratio))
	return max(nw, 1), max(nh, 1)
}

// CropSpec is a crop rectangle in percent of the source image.
type CropSpec struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// DefaultCropSpec keeps the whole image.
var DefaultCropSpec = CropSpec{X: 0, Y: 0, Width: 100, Height: 100}

// Rect converts the percentage rectangle into source pixels for an image of
// the given size. A zero width or height keeps the full source dimension. The
// result is clipped to the image bounds.
func (s CropSpec) Rect(imgW, imgH int) image.Rectangle {
	x := int(math.Floor(s.X / 100 * float64(imgW)))
	y := int(math.Floor(s.Y / 100 * float64(imgH)))
	w := int(math.Floor(s.Width / 100 * float64(imgW)))
	h := int(math.Floor(s.Height / 100 * float64(imgH)))
	if w <= 0 {
		w = imgW
	}
	if h <= 0 {
		h = imgH
	}
	return image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, imgW, imgH))
}

// Crop cuts spec out of the image behind ref and returns it as a PNG data URL.
func Crop(ctx context.Context, f *Fetcher, ref string, spec CropSpec) (string, error) {
	if f == nil {
		f = NewFetcher(0)
	}
	img, err := decodeRef(ctx, f, ref, DefaultMaxPixels)
	if err != nil {
		return "", err
	}

	b := img.Bounds()
	r := spec.Rect(b.Dx(), b.Dy())
	if r.Empty() {
		return "", fmt.Errorf("crop rectangle %v is outside the %dx%d image", r, b.Dx(), b.Dy())
	}
	r = r.Add(b.Min)

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return "", fmt.Errorf("encoding png: %w", err)
	}
	return EncodeDataURL("image/png", buf.Bytes()), nil
}

func decodeRef(ctx context.Context, f *Fetcher, ref string, maxPixels int) (image.Image, error) {
	_, data, err := f.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}
