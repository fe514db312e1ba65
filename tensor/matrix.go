package tensor

import (
	"fmt"
)

// MatMul computes the matrix product of two 2D Float32 tensors:
// [m, k] x [k, n] -> [m, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s and %s", a.DType, b.DType)
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("inner dimensions do not match: %v x %v", a.Shape, b.Shape)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	result := make([]float32, m*n)

	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := aData[i*k+p]
			if av == 0 {
				continue
			}
			base := p * n
			out := i * n
			for j := 0; j < n; j++ {
				result[out+j] += av * bData[base+j]
			}
		}
	}

	return NewTensor([]int{m, n}, Float32, result)
}

// Transpose2D transposes a 2D Float32 tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose2D requires a 2D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose2D requires a Float32 tensor, got %s", t.DType)
	}
	data := t.Float32s()

	rows, cols := t.Shape[0], t.Shape[1]
	result := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result[j*rows+i] = data[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, result)
}
