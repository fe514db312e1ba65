package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-transfer/tensor"
)

// Conv2d implements a 2D convolution over [batch, channels, height, width]
// input. Weights have shape [outChannels, inChannels, kernel, kernel].
type Conv2d struct {
	weight      *Parameter
	bias        *Parameter
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int
	training    bool

	lastInput *tensor.Tensor
}

// NewConv2d creates a Conv2d layer with He-normal initialization.
func NewConv2d(inChannels, outChannels, kernelSize, stride, padding int, bias bool) (*Conv2d, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv dimensions: in=%d out=%d kernel=%d", inChannels, outChannels, kernelSize)
	}
	if stride <= 0 {
		stride = 1
	}

	fanIn := inChannels * kernelSize * kernelSize
	std := math.Sqrt(2.0 / float64(fanIn))
	weightData := make([]float32, outChannels*fanIn)
	for i := range weightData {
		weightData[i] = float32(globalRng.NormFloat64() * std)
	}

	weight, err := tensor.NewTensor([]int{outChannels, inChannels, kernelSize, kernelSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv weight: %v", err)
	}

	conv := &Conv2d{
		weight:      &Parameter{Name: "weight", Data: weight},
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		training:    true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create conv bias: %v", err)
		}
		conv.bias = &Parameter{Name: "bias", Data: biasT}
	}

	return conv, nil
}

func (c *Conv2d) outputDims(h, w int) (int, int) {
	outH := (h+2*c.padding-c.kernelSize)/c.stride + 1
	outW := (w+2*c.padding-c.kernelSize)/c.stride + 1
	return outH, outW
}

// Forward performs the convolution.
func (c *Conv2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2d expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != c.inChannels {
		return nil, fmt.Errorf("channel mismatch: expected %d, got %d", c.inChannels, input.Shape[1])
	}

	c.lastInput = input

	batch, _, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH, outW := c.outputDims(h, w)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv output would be empty for input %v", input.Shape)
	}

	inData := input.Data.([]float32)
	wData := c.weight.Data.Data.([]float32)
	outData := make([]float32, batch*c.outChannels*outH*outW)

	k := c.kernelSize
	for b := 0; b < batch; b++ {
		for oc := 0; oc < c.outChannels; oc++ {
			var biasVal float32
			if c.bias != nil {
				biasVal = c.bias.Data.Data.([]float32)[oc]
			}
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					sum := biasVal
					for ic := 0; ic < c.inChannels; ic++ {
						for ky := 0; ky < k; ky++ {
							iy := oy*c.stride + ky - c.padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*c.stride + kx - c.padding
								if ix < 0 || ix >= w {
									continue
								}
								inIdx := ((b*c.inChannels+ic)*h+iy)*w + ix
								wIdx := ((oc*c.inChannels+ic)*k+ky)*k + kx
								sum += inData[inIdx] * wData[wIdx]
							}
						}
					}
					outData[((b*c.outChannels+oc)*outH+oy)*outW+ox] = sum
				}
			}
		}
	}

	return tensor.NewTensor([]int{batch, c.outChannels, outH, outW}, tensor.Float32, outData)
}

// Backward computes input, weight, and bias gradients.
func (c *Conv2d) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}

	input := c.lastInput
	batch, _, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH, outW := c.outputDims(h, w)
	if !tensor.ShapesEqual(gradOut.Shape, []int{batch, c.outChannels, outH, outW}) {
		return nil, fmt.Errorf("gradient shape %v does not match conv output [%d %d %d %d]", gradOut.Shape, batch, c.outChannels, outH, outW)
	}

	inData := input.Data.([]float32)
	wData := c.weight.Data.Data.([]float32)
	gData := gradOut.Data.([]float32)

	k := c.kernelSize
	gradW := make([]float32, len(wData))
	gradIn := make([]float32, len(inData))
	var gradB []float32
	if c.bias != nil {
		gradB = make([]float32, c.outChannels)
	}

	for b := 0; b < batch; b++ {
		for oc := 0; oc < c.outChannels; oc++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					g := gData[((b*c.outChannels+oc)*outH+oy)*outW+ox]
					if gradB != nil {
						gradB[oc] += g
					}
					if g == 0 {
						continue
					}
					for ic := 0; ic < c.inChannels; ic++ {
						for ky := 0; ky < k; ky++ {
							iy := oy*c.stride + ky - c.padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ox*c.stride + kx - c.padding
								if ix < 0 || ix >= w {
									continue
								}
								inIdx := ((b*c.inChannels+ic)*h+iy)*w + ix
								wIdx := ((oc*c.inChannels+ic)*k+ky)*k + kx
								gradW[wIdx] += inData[inIdx] * g
								gradIn[inIdx] += wData[wIdx] * g
							}
						}
					}
				}
			}
		}
	}

	gradWT, err := tensor.NewTensor(c.weight.Data.Shape, tensor.Float32, gradW)
	if err != nil {
		return nil, err
	}
	if err := c.weight.accumulate(gradWT); err != nil {
		return nil, err
	}

	if c.bias != nil {
		gradBT, err := tensor.NewTensor([]int{c.outChannels}, tensor.Float32, gradB)
		if err != nil {
			return nil, err
		}
		if err := c.bias.accumulate(gradBT); err != nil {
			return nil, err
		}
	}

	return tensor.NewTensor(input.Shape, tensor.Float32, gradIn)
}

// Parameters returns the weight and bias parameters.
func (c *Conv2d) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

func (c *Conv2d) Train() { c.training = true }
func (c *Conv2d) Eval()  { c.training = false }

// OutChannels returns the number of output channels. Feature-width
// inference walks module sequences backward looking for this.
func (c *Conv2d) OutChannels() int { return c.outChannels }

// MaxPool2d implements 2D max pooling over [batch, channels, height, width].
type MaxPool2d struct {
	poolSize int
	stride   int

	lastInput *tensor.Tensor
	argmax    []int
}

// NewMaxPool2d creates a max pooling layer. A stride of 0 defaults to the
// pool size.
func NewMaxPool2d(poolSize, stride int) *MaxPool2d {
	if stride <= 0 {
		stride = poolSize
	}
	return &MaxPool2d{poolSize: poolSize, stride: stride}
}

// Forward performs the pooling, recording argmax positions for backward.
func (m *MaxPool2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2d expects 4D input, got shape %v", input.Shape)
	}

	m.lastInput = input
	batch, channels, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := (h-m.poolSize)/m.stride + 1
	outW := (w-m.poolSize)/m.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("pool output would be empty for input %v", input.Shape)
	}

	inData := input.Data.([]float32)
	outData := make([]float32, batch*channels*outH*outW)
	m.argmax = make([]int, len(outData))

	for b := 0; b < batch; b++ {
		for ch := 0; ch < channels; ch++ {
			plane := (b*channels + ch) * h * w
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for py := 0; py < m.poolSize; py++ {
						for px := 0; px < m.poolSize; px++ {
							iy := oy*m.stride + py
							ix := ox*m.stride + px
							idx := plane + iy*w + ix
							if inData[idx] > best {
								best = inData[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((b*channels+ch)*outH+oy)*outW + ox
					outData[outIdx] = best
					m.argmax[outIdx] = bestIdx
				}
			}
		}
	}

	return tensor.NewTensor([]int{batch, channels, outH, outW}, tensor.Float32, outData)
}

// Backward routes gradients to the recorded argmax positions.
func (m *MaxPool2d) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if m.lastInput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}

	gData := gradOut.Data.([]float32)
	if len(gData) != len(m.argmax) {
		return nil, fmt.Errorf("gradient size %d does not match pool output %d", len(gData), len(m.argmax))
	}

	gradIn := make([]float32, m.lastInput.NumElems)
	for i, idx := range m.argmax {
		gradIn[idx] += gData[i]
	}

	return tensor.NewTensor(m.lastInput.Shape, tensor.Float32, gradIn)
}

func (m *MaxPool2d) Parameters() []*Parameter { return nil }
func (m *MaxPool2d) Train()                   {}
func (m *MaxPool2d) Eval()                    {}
