package imageio

import (
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfluke/dreamloom/nn"
)

func TestParseImageSize(t *testing.T) {
	tests := []struct {
		in   string
		h, w int
		ok   bool
	}{
		{"224,224", 224, 224, true},
		{"128, 96", 128, 96, true},
		{"64", 64, 64, true},
		{"0,10", 0, 0, false},
		{"a,b", 0, 0, false},
		{"1,2,3", 0, 0, false},
	}
	for _, tt := range tests {
		h, w, err := ParseImageSize(tt.in)
		if tt.ok {
			if err != nil || h != tt.h || w != tt.w {
				t.Errorf("ParseImageSize(%q) = %d, %d, %v", tt.in, h, w, err)
			}
			continue
		}
		if !errors.Is(err, ErrBadSize) {
			t.Errorf("ParseImageSize(%q): expected ErrBadSize, got %v", tt.in, err)
		}
	}
}

func TestParseFloatList(t *testing.T) {
	v, err := ParseFloatList("103.939, 116.779,123.68")
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 3 || math.Abs(float64(v[2])-123.68) > 1e-4 {
		t.Errorf("got %v", v)
	}
	if _, err := ParseFloatList("1,,2"); err == nil {
		t.Error("Expected error for empty element")
	}
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(40 * x), G: uint8(30 * y), B: 200, A: 255})
		}
	}
	return img
}

func TestFromImageCaffe(t *testing.T) {
	img := testImage(4, 3)
	tensor, err := FromImage(img, 3, 4, CaffeMean, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(tensor.Shape) != 4 || tensor.Shape[1] != 3 || tensor.Shape[2] != 3 || tensor.Shape[3] != 4 {
		t.Fatalf("shape %v", tensor.Shape)
	}
	// Channel 0 is blue in caffe order
	plane := 12
	if got, want := tensor.Data[0], float32(200)-CaffeMean[0]; math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("B at (0,0) = %v, want %v", got, want)
	}
	if got, want := tensor.Data[2*plane+1], float32(40)-CaffeMean[2]; math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("R at (0,1) = %v, want %v", got, want)
	}
}

func TestFromImageRGB(t *testing.T) {
	img := testImage(2, 2)
	tensor, err := FromImage(img, 2, 2, RGBMean, true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := tensor.Data[1], float32(40)/255-RGBMean[0]; math.Abs(float64(got-want)) > 1e-5 {
		t.Errorf("R at (0,1) = %v, want %v", got, want)
	}
}

func TestSaveAndPreprocessRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, notCaffe := range []bool{false, true} {
		mean := DefaultMean(notCaffe)
		src, err := FromImage(testImage(5, 4), 4, 5, mean, notCaffe)
		if err != nil {
			t.Fatal(err)
		}

		path := filepath.Join(dir, "img.png")
		if err := (Writer{Mean: mean, NotCaffe: notCaffe}).Save(path, src); err != nil {
			t.Fatalf("save: %v", err)
		}
		back, err := Preprocess(path, 4, 5, mean, notCaffe)
		if err != nil {
			t.Fatalf("preprocess: %v", err)
		}

		tol := 1.0 / 255
		if !notCaffe {
			tol = 1
		}
		if d := nn.MaxAbsDiff(src.Data, back.Data); d > tol {
			t.Errorf("notCaffe=%v: round trip differs by %v", notCaffe, d)
		}
	}
}

func TestSimpleDeprocessFormats(t *testing.T) {
	dir := t.TempDir()
	src, err := FromImage(testImage(3, 3), 3, 3, CaffeMean, false)
	if err != nil {
		t.Fatal(err)
	}
	single := src.Reshape(3, 3, 3)

	for _, ext := range []string{".jpg", ".png", ".bmp", ".tiff", ".gif"} {
		path := filepath.Join(dir, "out"+ext)
		if err := SimpleDeprocess(single, path, CaffeMean, false); err != nil {
			t.Errorf("%s: %v", ext, err)
			continue
		}
		img, err := Load(path)
		if err != nil {
			t.Errorf("%s: reload: %v", ext, err)
			continue
		}
		if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 3 {
			t.Errorf("%s: bounds %v", ext, b)
		}
	}

	path := filepath.Join(dir, "out.xyz")
	if err := SimpleDeprocess(single, path, CaffeMean, false); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("unsupported format should not create a file")
	}
}

func TestToImageClamps(t *testing.T) {
	x := nn.NewTensorFromSlice([]float32{10, -10, 0.5}, 3, 1, 1)
	img, err := ToImage(x, []float32{0, 0, 0}, true)
	if err != nil {
		t.Fatal(err)
	}
	c := img.RGBAAt(0, 0)
	if c.R != 255 || c.G != 0 || c.B != 128 {
		t.Errorf("got %v", c)
	}

	if _, err := ToImage(nn.NewTensor[float32](2, 3, 4, 4), RGBMean, true); !errors.Is(err, nn.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for a batch of two, got %v", err)
	}
}
