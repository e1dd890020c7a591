package transform

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/dreamloom/nn"
)

// Jitter rolls the image by a random offset in [-Max, Max] on both spatial axes,
// wrapping pixels around the border.
type Jitter struct {
	Max int

	rng    *rand.Rand
	dy, dx int
	shape  []int
}

// NewJitter returns a jitter stage drawing offsets from rng
func NewJitter(max int, rng *rand.Rand) *Jitter {
	return &Jitter{Max: max, rng: rng}
}

func (j *Jitter) Name() string { return fmt.Sprintf("jitter(%d)", j.Max) }

func (j *Jitter) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if _, _, _, _, err := dims4(x, j.Name()); err != nil {
		return nil, err
	}
	j.dy, j.dx = 0, 0
	if j.Max > 0 {
		j.dy = j.rng.Intn(2*j.Max+1) - j.Max
		j.dx = j.rng.Intn(2*j.Max+1) - j.Max
	}
	j.shape = x.Shape
	return roll(x, j.dy, j.dx), nil
}

func (j *Jitter) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if err := checkGrad(grad, j.shape, j.Name()); err != nil {
		return nil, err
	}
	return roll(grad.Reshape(j.shape...), -j.dy, -j.dx), nil
}

// roll shifts every plane so that out[h+dy][w+dx] = in[h][w], wrapping around
func roll(x *nn.Tensor[float32], dy, dx int) *nn.Tensor[float32] {
	h, w := x.Shape[2], x.Shape[3]
	out := nn.NewTensor[float32](x.Shape...)
	planes := x.Shape[0] * x.Shape[1]
	for p := 0; p < planes; p++ {
		base := p * h * w
		for y := 0; y < h; y++ {
			ty := mod(y+dy, h)
			for xx := 0; xx < w; xx++ {
				out.Data[base+ty*w+mod(xx+dx, w)] = x.Data[base+y*w+xx]
			}
		}
	}
	return out
}
