package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor from the given shape, dtype, and backing data.
// Data must be a []float32 or []int32 whose length matches the shape.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		if t.DType != Float32 {
			return fmt.Errorf("data type []float32 does not match dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	case []int32:
		if t.DType != Int32 {
			return fmt.Errorf("data type []int32 does not match dtype %s", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), t.Shape, t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}
	return nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, make([]float32, calculateNumElements(shape)))
	case Int32:
		return NewTensor(shape, dtype, make([]int32, calculateNumElements(shape)))
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// Ones creates a one-filled tensor.
func Ones(shape []int, dtype DType) (*Tensor, error) {
	t, err := Zeros(shape, dtype)
	if err != nil {
		return nil, err
	}
	switch data := t.Data.(type) {
	case []float32:
		for i := range data {
			data[i] = 1
		}
	case []int32:
		for i := range data {
			data[i] = 1
		}
	}
	return t, nil
}

// Full creates a tensor filled with the given float32 value.
func Full(shape []int, value float32) (*Tensor, error) {
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, Float32, data)
}

// FromScalar creates a 1-element Float32 tensor.
func FromScalar(value float64) *Tensor {
	t, _ := NewTensor([]int{1}, Float32, []float32{float32(value)})
	return t
}

// RandomNormal creates a Float32 tensor with normally distributed values.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = mean + std*float32(rng.NormFloat64())
	}
	return NewTensor(shape, Float32, data)
}
