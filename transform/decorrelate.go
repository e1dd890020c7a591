package transform

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/openfluke/dreamloom/nn"
)

// ImageNetColorCorrelation is the square root (via SVD) of the ImageNet RGB covariance
var ImageNetColorCorrelation = [][]float32{
	{0.26, 0.09, 0.02},
	{0.27, 0.00, -0.05},
	{0.27, -0.09, 0.03},
}

// ColorDecorrelation maps decorrelated color channels to RGB with a fixed 3x3 matrix,
// normalized so that its largest column has unit norm.
type ColorDecorrelation struct {
	Matrix [3][3]float32

	shape []int
}

// NewColorDecorrelation normalizes m, which must be 3x3
func NewColorDecorrelation(m [][]float32) (*ColorDecorrelation, error) {
	if len(m) != 3 {
		return nil, fmt.Errorf("%w: color correlation matrix must be 3x3, got %d rows", nn.ErrShapeMismatch, len(m))
	}
	var maxNorm float64
	for col := 0; col < 3; col++ {
		var sq float64
		for row := 0; row < 3; row++ {
			if len(m[row]) != 3 {
				return nil, fmt.Errorf("%w: color correlation row %d has %d columns", nn.ErrShapeMismatch, row, len(m[row]))
			}
			sq += float64(m[row][col]) * float64(m[row][col])
		}
		maxNorm = math.Max(maxNorm, math.Sqrt(sq))
	}
	if maxNorm == 0 {
		return nil, fmt.Errorf("color correlation matrix is zero")
	}

	c := &ColorDecorrelation{}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			c.Matrix[row][col] = float32(float64(m[row][col]) / maxNorm)
		}
	}
	return c, nil
}

func (c *ColorDecorrelation) Name() string { return "color_decorrelation" }

func (c *ColorDecorrelation) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	b, ch, h, w, err := dims4(x, c.Name())
	if err != nil {
		return nil, err
	}
	if ch != 3 {
		return nil, fmt.Errorf("%w: color decorrelation needs 3 channels, got %d", nn.ErrShapeMismatch, ch)
	}
	c.shape = x.Shape
	return c.apply(x, b, h*w, false), nil
}

func (c *ColorDecorrelation) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if err := checkGrad(grad, c.shape, c.Name()); err != nil {
		return nil, err
	}
	return c.apply(grad.Reshape(c.shape...), c.shape[0], c.shape[2]*c.shape[3], true), nil
}

// apply computes y = M x per pixel, or y = Mᵀ x when transpose is set
func (c *ColorDecorrelation) apply(x *nn.Tensor[float32], b, hw int, transpose bool) *nn.Tensor[float32] {
	out := nn.NewTensor[float32](x.Shape...)
	for n := 0; n < b; n++ {
		base := n * 3 * hw
		for p := 0; p < hw; p++ {
			for row := 0; row < 3; row++ {
				var v float32
				for col := 0; col < 3; col++ {
					m := c.Matrix[row][col]
					if transpose {
						m = c.Matrix[col][row]
					}
					v += m * x.Data[base+col*hw+p]
				}
				out.Data[base+row*hw+p] = v
			}
		}
	}
	return out
}

// SpectralParam turns a Fourier-space parameter [B,C,H,W,2] (real, imaginary) into an
// image [B,C,H,W]. Each frequency is scaled by 1/f^decay so that optimizing in this space
// favours low frequencies.
type SpectralParam struct {
	H, W       int
	DecayPower float64

	scale []float64 // [H*W]
	rows  *fourier.CmplxFFT
	cols  *fourier.CmplxFFT
	shape []int
}

// NewSpectralParam precomputes the frequency scaling for an h x w image
func NewSpectralParam(h, w int, decayPower float64) *SpectralParam {
	s := &SpectralParam{
		H:          h,
		W:          w,
		DecayPower: decayPower,
		scale:      make([]float64, h*w),
		rows:       fourier.NewCmplxFFT(w),
		cols:       fourier.NewCmplxFFT(h),
	}

	minFreq := 1 / float64(max(h, w))
	for y := 0; y < h; y++ {
		fy := fftFreq(y, h)
		for x := 0; x < w; x++ {
			fx := fftFreq(x, w)
			f := math.Max(math.Sqrt(fy*fy+fx*fx), minFreq)
			s.scale[y*w+x] = math.Sqrt(float64(h*w)) / math.Pow(f, decayPower)
		}
	}
	return s
}

// fftFreq is numpy.fft.fftfreq(n)[k] for unit sample spacing
func fftFreq(k, n int) float64 {
	if k <= (n-1)/2 {
		return float64(k) / float64(n)
	}
	return float64(k-n) / float64(n)
}

// FreqsShape is the per-image parameter shape without batch and channel: [H, W, 2]
func (s *SpectralParam) FreqsShape() []int { return []int{s.H, s.W, 2} }

// NewParameterTensor returns a random spectrum [b,3,H,W,2] with standard deviation std
func (s *SpectralParam) NewParameterTensor(b int, std float64, rng *rand.Rand) *nn.Tensor[float32] {
	t := nn.NewTensor[float32](b, 3, s.H, s.W, 2)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

func (s *SpectralParam) Name() string { return "spectral_param" }

// fft2 transforms every HxW plane in place: rows first, then columns
func (s *SpectralParam) fft2(plane []complex128, inverse bool) {
	row := make([]complex128, s.W)
	for y := 0; y < s.H; y++ {
		seg := plane[y*s.W : (y+1)*s.W]
		if inverse {
			s.rows.Sequence(row, seg)
		} else {
			s.rows.Coefficients(row, seg)
		}
		copy(seg, row)
	}
	col := make([]complex128, s.H)
	res := make([]complex128, s.H)
	for x := 0; x < s.W; x++ {
		for y := 0; y < s.H; y++ {
			col[y] = plane[y*s.W+x]
		}
		if inverse {
			s.cols.Sequence(res, col)
		} else {
			s.cols.Coefficients(res, col)
		}
		for y := 0; y < s.H; y++ {
			plane[y*s.W+x] = res[y]
		}
	}
}

// Forward computes y = Re(ifft2(scale * (a + ib))) / (4 sqrt(HW))
func (s *SpectralParam) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if x == nil || x.Rank() != 5 || x.Shape[2] != s.H || x.Shape[3] != s.W || x.Shape[4] != 2 {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return nil, fmt.Errorf("%w: spectral parameter must be [B,C,%d,%d,2], got %s", nn.ErrShapeMismatch, s.H, s.W, nn.ShapeString(shape))
	}
	s.shape = x.Shape

	b, c, hw := x.Shape[0], x.Shape[1], s.H*s.W
	norm := 4 * math.Sqrt(float64(hw))
	out := nn.NewTensor[float32](b, c, s.H, s.W)
	plane := make([]complex128, hw)
	for p := 0; p < b*c; p++ {
		for k := 0; k < hw; k++ {
			re := float64(x.Data[(p*hw+k)*2])
			im := float64(x.Data[(p*hw+k)*2+1])
			plane[k] = complex(s.scale[k]*re, s.scale[k]*im)
		}
		s.fft2(plane, true)
		for k := 0; k < hw; k++ {
			out.Data[p*hw+k] = float32(real(plane[k]) / norm)
		}
	}
	return out, nil
}

// Backward: with G = fft2(g), d/da = scale Re(G) / (4 sqrt(HW)) and d/db = scale Im(G) / (4 sqrt(HW))
func (s *SpectralParam) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if s.shape == nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), nn.ErrNoForward)
	}
	b, c, hw := s.shape[0], s.shape[1], s.H*s.W
	if err := checkGrad(grad, []int{b, c, s.H, s.W}, s.Name()); err != nil {
		return nil, err
	}

	norm := 4 * math.Sqrt(float64(hw))
	out := nn.NewTensor[float32](s.shape...)
	plane := make([]complex128, hw)
	for p := 0; p < b*c; p++ {
		for k := 0; k < hw; k++ {
			plane[k] = complex(float64(grad.Data[p*hw+k]), 0)
		}
		s.fft2(plane, false)
		for k := 0; k < hw; k++ {
			g := plane[k] * complex(s.scale[k]/norm, 0)
			out.Data[(p*hw+k)*2] = float32(real(g))
			out.Data[(p*hw+k)*2+1] = float32(imag(g))
		}
	}
	return out, nil
}

// DecorrelationConfig selects the reparameterization applied before the network
type DecorrelationConfig struct {
	Height, Width int
	FFT           bool
	DecayPower    float64

	// Color enables color decorrelation with ColorMatrix, or ImageNetColorCorrelation
	// when ColorMatrix is nil.
	Color       bool
	ColorMatrix [][]float32
}

// DecorrelationLayers builds the decorrelation stages and the matching deprocess function,
// which renders the parameter tensor as an image in network input space. Both are nil when
// neither FFT nor color decorrelation is requested.
func DecorrelationLayers(cfg DecorrelationConfig) ([]Stage, DeprocessFunc, error) {
	var stages []Stage
	if cfg.FFT {
		if cfg.Height <= 0 || cfg.Width <= 0 {
			return nil, nil, fmt.Errorf("%w: image size %dx%d", nn.ErrShapeMismatch, cfg.Height, cfg.Width)
		}
		stages = append(stages, NewSpectralParam(cfg.Height, cfg.Width, cfg.DecayPower))
	}
	if cfg.Color {
		m := cfg.ColorMatrix
		if m == nil {
			m = ImageNetColorCorrelation
		}
		color, err := NewColorDecorrelation(m)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, color)
	}
	if len(stages) == 0 {
		return nil, nil, nil
	}

	deprocess := func(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
		return NewPipeline(stages...).Forward(x)
	}
	return stages, deprocess, nil
}
