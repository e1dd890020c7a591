package transform

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/openfluke/dreamloom/nn"
)

// bilinearMap samples an input plane at fractional positions. For every output pixel it
// holds the four neighbouring input indices and their weights; an index of -1 lies outside
// the input and contributes zero.
type bilinearMap struct {
	inH, inW   int
	outH, outW int
	idx        [][4]int
	weight     [][4]float32
}

func newBilinearMap(inH, inW, outH, outW int, source func(oy, ox int) (float64, float64)) *bilinearMap {
	m := &bilinearMap{
		inH: inH, inW: inW, outH: outH, outW: outW,
		idx:    make([][4]int, outH*outW),
		weight: make([][4]float32, outH*outW),
	}
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			sy, sx := source(oy, ox)
			y0, x0 := int(math.Floor(sy)), int(math.Floor(sx))
			fy, fx := sy-float64(y0), sx-float64(x0)

			k := oy*outW + ox
			corners := [4][2]int{{y0, x0}, {y0, x0 + 1}, {y0 + 1, x0}, {y0 + 1, x0 + 1}}
			weights := [4]float64{(1 - fy) * (1 - fx), (1 - fy) * fx, fy * (1 - fx), fy * fx}
			for j, cn := range corners {
				if cn[0] < 0 || cn[0] >= inH || cn[1] < 0 || cn[1] >= inW || weights[j] == 0 {
					m.idx[k][j] = -1
					continue
				}
				m.idx[k][j] = cn[0]*inW + cn[1]
				m.weight[k][j] = float32(weights[j])
			}
		}
	}
	return m
}

// gather produces the resampled [B,C,outH,outW] tensor
func (m *bilinearMap) gather(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	planes := x.Shape[0] * x.Shape[1]
	inSize, outSize := m.inH*m.inW, m.outH*m.outW
	out := nn.NewTensor[float32](x.Shape[0], x.Shape[1], m.outH, m.outW)
	for p := 0; p < planes; p++ {
		in := x.Data[p*inSize : (p+1)*inSize]
		dst := out.Data[p*outSize : (p+1)*outSize]
		for k := range dst {
			var v float32
			for j, i := range m.idx[k] {
				if i >= 0 {
					v += m.weight[k][j] * in[i]
				}
			}
			dst[k] = v
		}
	}
	return out
}

// scatter is the adjoint of gather
func (m *bilinearMap) scatter(grad *nn.Tensor[float32], b, c int) *nn.Tensor[float32] {
	inSize, outSize := m.inH*m.inW, m.outH*m.outW
	out := nn.NewTensor[float32](b, c, m.inH, m.inW)
	for p := 0; p < b*c; p++ {
		g := grad.Data[p*outSize : (p+1)*outSize]
		dst := out.Data[p*inSize : (p+1)*inSize]
		for k, v := range g {
			if v == 0 {
				continue
			}
			for j, i := range m.idx[k] {
				if i >= 0 {
					dst[i] += m.weight[k][j] * v
				}
			}
		}
	}
	return out
}

// RandomScale resizes the image by a factor drawn from Scales (bilinear, half-pixel centers)
type RandomScale struct {
	Scales []float64

	rng   *rand.Rand
	scale float64
	m     *bilinearMap
	shape []int
}

// DefaultScales are 0.90 to 1.10 in steps of 0.02
func DefaultScales() []float64 {
	scales := make([]float64, 11)
	for i := range scales {
		scales[i] = 1 + float64(i-5)/50
	}
	return scales
}

func NewRandomScale(scales []float64, rng *rand.Rand) *RandomScale {
	if len(scales) == 0 {
		scales = DefaultScales()
	}
	return &RandomScale{Scales: scales, rng: rng}
}

func (s *RandomScale) Name() string { return "random_scale" }

func (s *RandomScale) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	_, _, h, w, err := dims4(x, s.Name())
	if err != nil {
		return nil, err
	}
	s.scale = s.Scales[s.rng.Intn(len(s.Scales))]
	oh := int(math.Round(float64(h) * s.scale))
	ow := int(math.Round(float64(w) * s.scale))
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("%w: scale %v shrinks %dx%d to nothing", nn.ErrShapeMismatch, s.scale, h, w)
	}

	ry, rx := float64(h)/float64(oh), float64(w)/float64(ow)
	s.m = newBilinearMap(h, w, oh, ow, func(oy, ox int) (float64, float64) {
		sy := math.Min(math.Max((float64(oy)+0.5)*ry-0.5, 0), float64(h-1))
		sx := math.Min(math.Max((float64(ox)+0.5)*rx-0.5, 0), float64(w-1))
		return sy, sx
	})
	s.shape = x.Shape
	return s.m.gather(x), nil
}

func (s *RandomScale) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if s.shape == nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), nn.ErrNoForward)
	}
	if err := checkGrad(grad, []int{s.shape[0], s.shape[1], s.m.outH, s.m.outW}, s.Name()); err != nil {
		return nil, err
	}
	return s.m.scatter(grad, s.shape[0], s.shape[1]), nil
}

// RandomRotation rotates the image about its center by an angle (degrees) drawn from
// Degrees. Pixels rotated in from outside the image are zero.
type RandomRotation struct {
	Degrees []float64

	rng   *rand.Rand
	angle float64
	m     *bilinearMap
	shape []int
}

// DefaultDegrees are -5 to 5 in whole degrees
func DefaultDegrees() []float64 {
	degrees := make([]float64, 11)
	for i := range degrees {
		degrees[i] = float64(i - 5)
	}
	return degrees
}

func NewRandomRotation(degrees []float64, rng *rand.Rand) *RandomRotation {
	if len(degrees) == 0 {
		degrees = DefaultDegrees()
	}
	return &RandomRotation{Degrees: degrees, rng: rng}
}

func (r *RandomRotation) Name() string { return "random_rotation" }

func (r *RandomRotation) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	_, _, h, w, err := dims4(x, r.Name())
	if err != nil {
		return nil, err
	}
	r.angle = r.Degrees[r.rng.Intn(len(r.Degrees))]
	r.m = rotationMap(h, w, r.angle)
	r.shape = x.Shape
	return r.m.gather(x), nil
}

func rotationMap(h, w int, degrees float64) *bilinearMap {
	theta := degrees * math.Pi / 180
	sin, cos := math.Sincos(theta)
	cy, cx := float64(h-1)/2, float64(w-1)/2
	return newBilinearMap(h, w, h, w, func(oy, ox int) (float64, float64) {
		dy, dx := float64(oy)-cy, float64(ox)-cx
		return -sin*dx + cos*dy + cy, cos*dx + sin*dy + cx
	})
}

func (r *RandomRotation) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if err := checkGrad(grad, r.shape, r.Name()); err != nil {
		return nil, err
	}
	return r.m.scatter(grad, r.shape[0], r.shape[1]), nil
}

// ParseScaleList parses "0.9,1,1.1". Empty or "none" selects DefaultScales.
func ParseScaleList(s string) ([]float64, error) {
	if s == "" || s == "none" {
		return DefaultScales(), nil
	}
	return parseFloats(s, "scale")
}

// ParseRotationList parses "-5,0,5" (degrees). Empty or "none" selects DefaultDegrees.
func ParseRotationList(s string) ([]float64, error) {
	if s == "" || s == "none" {
		return DefaultDegrees(), nil
	}
	return parseFloats(s, "rotation")
}

func parseFloats(s, what string) ([]float64, error) {
	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s list %q: %w", what, s, err)
		}
		values = append(values, v)
	}
	return values, nil
}
