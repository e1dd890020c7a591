// Package imageio converts between image files and network input tensors.
//
// Two input conventions are supported. Caffe models (the default) take BGR pixels in
// [0, 255] minus a per-channel mean; other models take RGB pixels in [0, 1] minus a mean.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/openfluke/dreamloom/nn"
)

var (
	ErrBadSize           = errors.New("invalid image size")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

var (
	// CaffeMean is the BGR ImageNet mean in [0, 255]
	CaffeMean = []float32{103.939, 116.779, 123.68}
	// RGBMean is the RGB ImageNet mean in [0, 1]
	RGBMean = []float32{0.485, 0.456, 0.406}
)

// DefaultMean returns the mean matching the input convention
func DefaultMean(notCaffe bool) []float32 {
	if notCaffe {
		return append([]float32(nil), RGBMean...)
	}
	return append([]float32(nil), CaffeMean...)
}

// ParseImageSize parses "H,W" or a single "S" meaning SxS
func ParseImageSize(s string) (h, w int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadSize, s)
	}
	dims := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadSize, s)
		}
		dims[i] = v
	}
	if len(dims) == 1 {
		return dims[0], dims[0], nil
	}
	return dims[0], dims[1], nil
}

// ParseFloatList parses a comma separated list such as a data mean
func ParseFloatList(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	values := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid number list %q: %w", s, err)
		}
		values = append(values, float32(v))
	}
	return values, nil
}

// Load decodes a JPEG, PNG, GIF, BMP, TIFF or WebP file
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Preprocess loads an image, resizes it to h x w and returns it as a [1,3,h,w] network input
func Preprocess(path string, h, w int, mean []float32, notCaffe bool) (*nn.Tensor[float32], error) {
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	return FromImage(img, h, w, mean, notCaffe)
}

// FromImage resizes img to h x w (Catmull-Rom) and converts it to a [1,3,h,w] tensor
func FromImage(img image.Image, h, w int, mean []float32, notCaffe bool) (*nn.Tensor[float32], error) {
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadSize, h, w)
	}
	if len(mean) != 3 {
		return nil, fmt.Errorf("%w: mean needs 3 values, got %d", nn.ErrShapeMismatch, len(mean))
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(rgba, rgba.Bounds(), img, img.Bounds(), draw.Src, nil)

	t := nn.NewTensor[float32](1, 3, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := rgba.RGBAAt(x, y)
			rgb := [3]float32{float32(c.R) / 255, float32(c.G) / 255, float32(c.B) / 255}
			for ch := 0; ch < 3; ch++ {
				v := rgb[ch]
				if !notCaffe {
					v = rgb[2-ch] * 255
				}
				t.Data[ch*plane+y*w+x] = v - mean[ch]
			}
		}
	}
	return t, nil
}

// ToImage undoes the input normalization of a [3,H,W] or [1,3,H,W] tensor. Values are
// clamped to the displayable range.
func ToImage(t *nn.Tensor[float32], mean []float32, notCaffe bool) (*image.RGBA, error) {
	shape := t.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != 3 {
		return nil, fmt.Errorf("%w: image tensor must be [3,H,W], got %s", nn.ErrShapeMismatch, nn.ShapeString(t.Shape))
	}
	if len(mean) != 3 {
		return nil, fmt.Errorf("%w: mean needs 3 values, got %d", nn.ErrShapeMismatch, len(mean))
	}

	h, w := shape[1], shape[2]
	plane := h * w
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var rgb [3]float64
			for ch := 0; ch < 3; ch++ {
				v := float64(t.Data[ch*plane+y*w+x] + mean[ch])
				if notCaffe {
					rgb[ch] = v
				} else {
					rgb[2-ch] = v / 255
				}
			}
			img.SetRGBA(x, y, color.RGBA{R: to8(rgb[0]), G: to8(rgb[1]), B: to8(rgb[2]), A: 255})
		}
	}
	return img, nil
}

func to8(v float64) uint8 {
	v = math.Round(math.Min(math.Max(v, 0), 1) * 255)
	return uint8(v)
}

var encodable = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// Encode writes img in the format named by ext (".jpg", ".png", ...)
func Encode(w io.Writer, img image.Image, ext string) error {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case ".png":
		return png.Encode(w, img)
	case ".gif":
		return gif.Encode(w, img, nil)
	case ".bmp":
		return bmp.Encode(w, img)
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// SimpleDeprocess writes a network input tensor to path as an image
func SimpleDeprocess(t *nn.Tensor[float32], path string, mean []float32, notCaffe bool) error {
	img, err := ToImage(t, mean, notCaffe)
	if err != nil {
		return err
	}
	ext := filepath.Ext(path)
	if !encodable[strings.ToLower(ext)] {
		return fmt.Errorf("%w: cannot write %s", ErrUnsupportedFormat, path)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, img, ext); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Writer saves tensors with fixed deprocessing settings
type Writer struct {
	Mean     []float32
	NotCaffe bool
}

func (w Writer) Save(path string, t *nn.Tensor[float32]) error {
	return SimpleDeprocess(t, path, w.Mean, w.NotCaffe)
}
