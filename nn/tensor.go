package nn

import (
	"fmt"
	"strings"
)

// Numeric is the element constraint for tensors.
type Numeric interface {
	~float32 | ~float64
}

// Tensor is a dense row-major n-dimensional array. Image tensors use NCHW layout.
type Tensor[T Numeric] struct {
	Data  []T
	Shape []int
}

// NewTensor allocates a zero-filled tensor of the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	return &Tensor[T]{
		Data:  make([]T, shapeSize(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewTensorFromSlice copies data into a new tensor of the given shape.
// If shape is empty the tensor is one-dimensional.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	d := make([]T, len(data))
	copy(d, data)
	return &Tensor[T]{Data: d, Shape: append([]int(nil), shape...)}
}

// Size returns the number of elements described by the shape.
func (t *Tensor[T]) Size() int {
	return shapeSize(t.Shape)
}

// Rank returns the number of dimensions.
func (t *Tensor[T]) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor[T]) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return NewTensorFromSlice(t.Data, t.Shape...)
}

// Reshape returns a view sharing Data with a new shape, or nil if the sizes differ.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	if shapeSize(shape) != len(t.Data) {
		return nil
	}
	return &Tensor[T]{Data: t.Data, Shape: append([]int(nil), shape...)}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor[T]) SameShape(o *Tensor[T]) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor[T]) Fill(v T) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

func (t *Tensor[T]) String() string {
	return fmt.Sprintf("Tensor%s", ShapeString(t.Shape))
}

// ShapeString formats a shape as [a, b, c].
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = fmt.Sprint(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func shapeSize(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Parameter is a tensor updated by an optimizer together with its current gradient.
type Parameter struct {
	Value *Tensor[float32]
	Grad  *Tensor[float32]
}

// NewParameter wraps a copy of t.
func NewParameter(t *Tensor[float32]) *Parameter {
	return &Parameter{Value: t.Clone()}
}

// ZeroGrad drops the gradient so the next backward pass starts from nothing.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}

// Detach returns a copy of the value that no longer tracks the parameter.
func (p *Parameter) Detach() *Tensor[float32] {
	return p.Value.Clone()
}
