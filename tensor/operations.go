package tensor

import (
	"fmt"
)

type binaryOp func(a, b float32) float32

// elementwise applies op over two Float32 tensors. Shapes must match
// exactly, or b must be a scalar (1 element) or a trailing-dimension
// vector broadcast against a (e.g. [batch, n] op [n]).
func elementwise(a, b *Tensor, op binaryOp) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("elementwise ops require Float32 tensors, got %s and %s", a.DType, b.DType)
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	result := make([]float32, a.NumElems)

	switch {
	case ShapesEqual(a.Shape, b.Shape):
		for i := range aData {
			result[i] = op(aData[i], bData[i])
		}
	case b.NumElems == 1:
		s := bData[0]
		for i := range aData {
			result[i] = op(aData[i], s)
		}
	case len(b.Shape) == 1 && b.Shape[0] == a.Shape[len(a.Shape)-1]:
		n := b.Shape[0]
		for i := range aData {
			result[i] = op(aData[i], bData[i%n])
		}
	default:
		return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a.Shape, b.Shape)
	}

	return NewTensor(a.Shape, Float32, result)
}

// Add computes a + b.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x + y })
}

// Sub computes a - b.
func Sub(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x - y })
}

// Mul computes the elementwise product a * b.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x * y })
}

// Div computes the elementwise quotient a / b.
func Div(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x / y })
}

// Scale multiplies every element by s.
func Scale(a *Tensor, s float32) (*Tensor, error) {
	return elementwise(a, FromScalar(float64(s)), func(x, y float32) float32 { return x * y })
}

// SumAll sums every element of a Float32 tensor.
func SumAll(t *Tensor) (float32, error) {
	if t.DType != Float32 {
		return 0, fmt.Errorf("SumAll requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Float32s()
	var sum float32
	for _, v := range data {
		sum += v
	}
	return sum, nil
}

// SumRows sums a 2D tensor over its rows, producing a [cols] tensor.
// Used to accumulate bias gradients over a batch.
func SumRows(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("SumRows requires a 2D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("SumRows requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Float32s()

	rows, cols := t.Shape[0], t.Shape[1]
	result := make([]float32, cols)
	for i := 0; i < rows; i++ {
		base := i * cols
		for j := 0; j < cols; j++ {
			result[j] += data[base+j]
		}
	}
	return NewTensor([]int{cols}, Float32, result)
}
