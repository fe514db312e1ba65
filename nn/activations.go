package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-transfer/tensor"
)

// ReLU applies max(0, x) elementwise.
type ReLU struct {
	lastInput *tensor.Tensor
}

// NewReLU creates a ReLU activation.
func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("relu requires a Float32 input, got %s", input.DType)
	}
	data := input.Float32s()
	r.lastInput = input

	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	return tensor.NewTensor(input.Shape, tensor.Float32, out)
}

func (r *ReLU) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.lastInput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}
	inData := r.lastInput.Data.([]float32)
	gData := gradOut.Data.([]float32)

	gradIn := make([]float32, len(gData))
	for i, g := range gData {
		if inData[i] > 0 {
			gradIn[i] = g
		}
	}
	return tensor.NewTensor(r.lastInput.Shape, tensor.Float32, gradIn)
}

func (r *ReLU) Parameters() []*Parameter { return nil }
func (r *ReLU) Train()                   {}
func (r *ReLU) Eval()                    {}

// Sigmoid applies 1/(1+exp(-x)) elementwise. Used as the final activation
// for multi-label heads.
type Sigmoid struct {
	lastOutput *tensor.Tensor
}

// NewSigmoid creates a Sigmoid activation.
func NewSigmoid() *Sigmoid { return &Sigmoid{} }

func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("sigmoid requires a Float32 input, got %s", input.DType)
	}
	data := input.Float32s()

	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}

	result, err := tensor.NewTensor(input.Shape, tensor.Float32, out)
	if err != nil {
		return nil, err
	}
	s.lastOutput = result
	return result, nil
}

func (s *Sigmoid) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if s.lastOutput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}
	y := s.lastOutput.Data.([]float32)
	gData := gradOut.Data.([]float32)

	gradIn := make([]float32, len(gData))
	for i, g := range gData {
		gradIn[i] = g * y[i] * (1 - y[i])
	}
	return tensor.NewTensor(s.lastOutput.Shape, tensor.Float32, gradIn)
}

func (s *Sigmoid) Parameters() []*Parameter { return nil }
func (s *Sigmoid) Train()                   {}
func (s *Sigmoid) Eval()                    {}

// LogSoftmax applies log(softmax(x)) row-wise over [batch, classes] input.
// Used as the final activation for plain classification heads, paired with
// negative log-likelihood loss.
type LogSoftmax struct {
	lastOutput *tensor.Tensor
}

// NewLogSoftmax creates a LogSoftmax activation.
func NewLogSoftmax() *LogSoftmax { return &LogSoftmax{} }

func (l *LogSoftmax) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("LogSoftmax expects 2D input [batch, classes], got shape %v", input.Shape)
	}
	data := input.Data.([]float32)
	batch, classes := input.Shape[0], input.Shape[1]

	out := make([]float32, len(data))
	for i := 0; i < batch; i++ {
		offset := i * classes

		// max subtraction for numerical stability
		maxVal := data[offset]
		for j := 1; j < classes; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float64
		for j := 0; j < classes; j++ {
			sum += math.Exp(float64(data[offset+j] - maxVal))
		}
		logSum := float32(math.Log(sum))

		for j := 0; j < classes; j++ {
			out[offset+j] = data[offset+j] - maxVal - logSum
		}
	}

	result, err := tensor.NewTensor(input.Shape, tensor.Float32, out)
	if err != nil {
		return nil, err
	}
	l.lastOutput = result
	return result, nil
}

func (l *LogSoftmax) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastOutput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}
	logp := l.lastOutput.Data.([]float32)
	gData := gradOut.Data.([]float32)
	batch, classes := l.lastOutput.Shape[0], l.lastOutput.Shape[1]

	gradIn := make([]float32, len(gData))
	for i := 0; i < batch; i++ {
		offset := i * classes
		var rowSum float32
		for j := 0; j < classes; j++ {
			rowSum += gData[offset+j]
		}
		for j := 0; j < classes; j++ {
			gradIn[offset+j] = gData[offset+j] - float32(math.Exp(float64(logp[offset+j])))*rowSum
		}
	}
	return tensor.NewTensor(l.lastOutput.Shape, tensor.Float32, gradIn)
}

func (l *LogSoftmax) Parameters() []*Parameter { return nil }
func (l *LogSoftmax) Train()                   {}
func (l *LogSoftmax) Eval()                    {}

// Dropout randomly zeroes activations during training using inverted
// dropout scaling; it is the identity in eval mode.
type Dropout struct {
	rate     float32
	training bool

	lastMask  []float32
	lastShape []int
}

// NewDropout creates a Dropout layer with the given drop probability.
func NewDropout(rate float32) *Dropout {
	return &Dropout{rate: rate, training: true}
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("dropout requires a Float32 input, got %s", input.DType)
	}
	data := input.Float32s()

	if !d.training || d.rate <= 0 {
		d.lastMask = nil
		return input, nil
	}

	keep := 1 - d.rate
	mask := make([]float32, len(data))
	out := make([]float32, len(data))
	for i := range data {
		if float32(globalRng.Float64()) < keep {
			mask[i] = 1 / keep
			out[i] = data[i] * mask[i]
		}
	}

	d.lastMask = mask
	d.lastShape = input.Shape
	return tensor.NewTensor(input.Shape, tensor.Float32, out)
}

func (d *Dropout) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.lastMask == nil {
		return gradOut, nil
	}
	gData := gradOut.Data.([]float32)
	gradIn := make([]float32, len(gData))
	for i, g := range gData {
		gradIn[i] = g * d.lastMask[i]
	}
	return tensor.NewTensor(d.lastShape, tensor.Float32, gradIn)
}

func (d *Dropout) Parameters() []*Parameter { return nil }
func (d *Dropout) Train()                   { d.training = true }
func (d *Dropout) Eval()                    { d.training = false }

// Rate returns the drop probability.
func (d *Dropout) Rate() float32 { return d.rate }

// Flatten reshapes [batch, ...] input to [batch, features].
type Flatten struct {
	lastShape []int
}

// NewFlatten creates a Flatten layer.
func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects at least 2D input, got shape %v", input.Shape)
	}
	f.lastShape = input.Shape
	features := input.NumElems / input.Shape[0]
	return input.Reshape([]int{input.Shape[0], features})
}

func (f *Flatten) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if f.lastShape == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}
	return gradOut.Reshape(f.lastShape)
}

func (f *Flatten) Parameters() []*Parameter { return nil }
func (f *Flatten) Train()                   {}
func (f *Flatten) Eval()                    {}

// AdaptiveConcatPool2d pools [batch, channels, height, width] input to 1x1
// with both max and average pooling and concatenates the results into
// [batch, 2*channels, 1, 1]. Doubling the channel count is why inferred
// backbone feature widths are twice the final conv width.
type AdaptiveConcatPool2d struct {
	lastInput *tensor.Tensor
	argmax    []int
}

// NewAdaptiveConcatPool2d creates the pooling adapter.
func NewAdaptiveConcatPool2d() *AdaptiveConcatPool2d {
	return &AdaptiveConcatPool2d{}
}

func (a *AdaptiveConcatPool2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("AdaptiveConcatPool2d expects 4D input, got shape %v", input.Shape)
	}

	a.lastInput = input
	batch, channels, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	plane := h * w
	data := input.Data.([]float32)

	out := make([]float32, batch*2*channels)
	a.argmax = make([]int, batch*channels)

	for b := 0; b < batch; b++ {
		for ch := 0; ch < channels; ch++ {
			base := (b*channels + ch) * plane
			best := data[base]
			bestIdx := base
			var sum float32
			for i := 0; i < plane; i++ {
				v := data[base+i]
				sum += v
				if v > best {
					best = v
					bestIdx = base + i
				}
			}
			// max pool first, then average pool
			out[b*2*channels+ch] = best
			out[b*2*channels+channels+ch] = sum / float32(plane)
			a.argmax[b*channels+ch] = bestIdx
		}
	}

	return tensor.NewTensor([]int{batch, 2 * channels, 1, 1}, tensor.Float32, out)
}

func (a *AdaptiveConcatPool2d) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.lastInput == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}

	batch, channels, h, w := a.lastInput.Shape[0], a.lastInput.Shape[1], a.lastInput.Shape[2], a.lastInput.Shape[3]
	plane := h * w
	gData := gradOut.Data.([]float32)

	gradIn := make([]float32, a.lastInput.NumElems)
	for b := 0; b < batch; b++ {
		for ch := 0; ch < channels; ch++ {
			maxGrad := gData[b*2*channels+ch]
			avgGrad := gData[b*2*channels+channels+ch] / float32(plane)

			gradIn[a.argmax[b*channels+ch]] += maxGrad
			base := (b*channels + ch) * plane
			for i := 0; i < plane; i++ {
				gradIn[base+i] += avgGrad
			}
		}
	}

	return tensor.NewTensor(a.lastInput.Shape, tensor.Float32, gradIn)
}

func (a *AdaptiveConcatPool2d) Parameters() []*Parameter { return nil }
func (a *AdaptiveConcatPool2d) Train()                   {}
func (a *AdaptiveConcatPool2d) Eval()                    {}
