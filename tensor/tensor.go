package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense CPU tensor. Data holds a []float32 or []int32
// depending on DType, in row-major order.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)",
		t.Shape, t.DType, t.NumElems)
}

// Float32s returns the underlying float32 storage, or nil when the
// tensor is not Float32.
func (t *Tensor) Float32s() []float32 {
	data, _ := t.Data.([]float32)
	return data
}

// Int32s returns the underlying int32 storage, or nil when the tensor
// is not Int32.
func (t *Tensor) Int32s() []int32 {
	data, _ := t.Data.([]int32)
	return data
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() (*Tensor, error) {
	switch data := t.Data.(type) {
	case []float32:
		copied := make([]float32, len(data))
		copy(copied, data)
		return NewTensor(t.Shape, t.DType, copied)
	case []int32:
		copied := make([]int32, len(data))
		copy(copied, data)
		return NewTensor(t.Shape, t.DType, copied)
	default:
		return nil, fmt.Errorf("unsupported data type for clone")
	}
}

// Reshape returns a view-copy of the tensor with a new shape.
// The element count must be unchanged.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count mismatch", t.Shape, shape)
	}
	return NewTensor(shape, t.DType, t.Data)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
