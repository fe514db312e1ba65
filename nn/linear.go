package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-transfer/tensor"
)

// Linear implements a fully connected layer: y = xW + b.
type Linear struct {
	weight   *Parameter
	bias     *Parameter
	training bool

	lastInput *tensor.Tensor
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform initialization.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions %dx%d", inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}

	linear := &Linear{
		weight:   &Parameter{Name: "weight", Data: weight},
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		linear.bias = &Parameter{Name: "bias", Data: biasT}
	}

	return linear, nil
}

// Forward performs y = xW + b over a [batch, in] input.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects 2D input [batch, features], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Data.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Data.Shape[0], input.Shape[1])
	}

	l.lastInput = input

	output, err := tensor.MatMul(input, l.weight.Data)
	if err != nil {
		return nil, fmt.Errorf("matmul failed: %v", err)
	}

	if l.bias != nil {
		output, err = tensor.Add(output, l.bias.Data)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}

	return output, nil
}

// Backward computes input, weight, and bias gradients.
func (l *Linear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}

	// dW = x^T . dY
	inputT, err := tensor.Transpose2D(l.lastInput)
	if err != nil {
		return nil, err
	}
	gradW, err := tensor.MatMul(inputT, gradOut)
	if err != nil {
		return nil, fmt.Errorf("weight gradient failed: %v", err)
	}
	if err := l.weight.accumulate(gradW); err != nil {
		return nil, err
	}

	// db = sum over batch of dY
	if l.bias != nil {
		gradB, err := tensor.SumRows(gradOut)
		if err != nil {
			return nil, fmt.Errorf("bias gradient failed: %v", err)
		}
		if err := l.bias.accumulate(gradB); err != nil {
			return nil, err
		}
	}

	// dX = dY . W^T
	weightT, err := tensor.Transpose2D(l.weight.Data)
	if err != nil {
		return nil, err
	}
	gradIn, err := tensor.MatMul(gradOut, weightT)
	if err != nil {
		return nil, fmt.Errorf("input gradient failed: %v", err)
	}

	return gradIn, nil
}

// Parameters returns the weight and bias parameters.
func (l *Linear) Parameters() []*Parameter {
	if l.bias != nil {
		return []*Parameter{l.weight, l.bias}
	}
	return []*Parameter{l.weight}
}

func (l *Linear) Train() { l.training = true }
func (l *Linear) Eval()  { l.training = false }

// InFeatures returns the input width of the layer.
func (l *Linear) InFeatures() int { return l.weight.Data.Shape[0] }

// OutFeatures returns the output width of the layer.
func (l *Linear) OutFeatures() int { return l.weight.Data.Shape[1] }
