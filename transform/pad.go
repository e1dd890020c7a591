package transform

import (
	"fmt"

	"github.com/openfluke/dreamloom/nn"
)

// ReflectionPad mirrors Pad pixels onto each border without repeating the edge pixel
type ReflectionPad struct {
	Pad int

	shape []int
}

func NewReflectionPad(pad int) *ReflectionPad { return &ReflectionPad{Pad: pad} }

func (r *ReflectionPad) Name() string { return fmt.Sprintf("reflection_pad(%d)", r.Pad) }

func reflect(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

func (r *ReflectionPad) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	b, c, h, w, err := dims4(x, r.Name())
	if err != nil {
		return nil, err
	}
	if r.Pad >= h || r.Pad >= w {
		return nil, fmt.Errorf("%w: padding %d must be smaller than the %dx%d input", nn.ErrShapeMismatch, r.Pad, h, w)
	}
	r.shape = x.Shape

	oh, ow := h+2*r.Pad, w+2*r.Pad
	out := nn.NewTensor[float32](b, c, oh, ow)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh; y++ {
			sy := reflect(y-r.Pad, h)
			for xx := 0; xx < ow; xx++ {
				out.Data[p*oh*ow+y*ow+xx] = x.Data[p*h*w+sy*w+reflect(xx-r.Pad, w)]
			}
		}
	}
	return out, nil
}

func (r *ReflectionPad) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if r.shape == nil {
		return nil, fmt.Errorf("%s: %w", r.Name(), nn.ErrNoForward)
	}
	b, c, h, w := r.shape[0], r.shape[1], r.shape[2], r.shape[3]
	oh, ow := h+2*r.Pad, w+2*r.Pad
	if err := checkGrad(grad, []int{b, c, oh, ow}, r.Name()); err != nil {
		return nil, err
	}

	// Mirrored pixels receive the gradient of every copy
	out := nn.NewTensor[float32](r.shape...)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh; y++ {
			sy := reflect(y-r.Pad, h)
			for xx := 0; xx < ow; xx++ {
				out.Data[p*h*w+sy*w+reflect(xx-r.Pad, w)] += grad.Data[p*oh*ow+y*ow+xx]
			}
		}
	}
	return out, nil
}

// CenterCrop removes Crop pixels from every border
type CenterCrop struct {
	Crop int

	shape []int
}

func NewCenterCrop(crop int) *CenterCrop { return &CenterCrop{Crop: crop} }

func (cc *CenterCrop) Name() string { return fmt.Sprintf("center_crop(%d)", cc.Crop) }

func (cc *CenterCrop) Forward(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	b, c, h, w, err := dims4(x, cc.Name())
	if err != nil {
		return nil, err
	}
	oh, ow := h-2*cc.Crop, w-2*cc.Crop
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: cannot crop %d from a %dx%d input", nn.ErrShapeMismatch, cc.Crop, h, w)
	}
	cc.shape = x.Shape

	out := nn.NewTensor[float32](b, c, oh, ow)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh; y++ {
			src := p*h*w + (y+cc.Crop)*w + cc.Crop
			copy(out.Data[p*oh*ow+y*ow:p*oh*ow+(y+1)*ow], x.Data[src:src+ow])
		}
	}
	return out, nil
}

func (cc *CenterCrop) Backward(grad *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if cc.shape == nil {
		return nil, fmt.Errorf("%s: %w", cc.Name(), nn.ErrNoForward)
	}
	b, c, h, w := cc.shape[0], cc.shape[1], cc.shape[2], cc.shape[3]
	oh, ow := h-2*cc.Crop, w-2*cc.Crop
	if err := checkGrad(grad, []int{b, c, oh, ow}, cc.Name()); err != nil {
		return nil, err
	}

	// Cropped-away pixels get zero gradient
	out := nn.NewTensor[float32](cc.shape...)
	for p := 0; p < b*c; p++ {
		for y := 0; y < oh; y++ {
			dst := p*h*w + (y+cc.Crop)*w + cc.Crop
			copy(out.Data[dst:dst+ow], grad.Data[p*oh*ow+y*ow:p*oh*ow+(y+1)*ow])
		}
	}
	return out, nil
}
