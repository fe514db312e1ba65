package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-transfer/tensor"
)

// BatchNorm normalizes activations per feature. BatchNorm1d operates on
// [batch, features] input, BatchNorm2d on [batch, channels, height, width]
// with per-channel statistics. Running statistics are buffers, not
// learnable parameters.
type BatchNorm struct {
	gamma       *Parameter
	beta        *Parameter
	numFeatures int
	eps         float32
	momentum    float32
	expectDims  int
	training    bool

	runningMean []float32
	runningVar  []float32

	lastShape  []int
	lastXhat   []float32
	lastInvStd []float32
}

func newBatchNorm(numFeatures int, dims int) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid num_features %d", numFeatures)
	}

	gammaData := make([]float32, numFeatures)
	for i := range gammaData {
		gammaData[i] = 1
	}
	gamma, err := tensor.NewTensor([]int{numFeatures}, tensor.Float32, gammaData)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	bn := &BatchNorm{
		gamma:       &Parameter{Name: "weight", Data: gamma},
		beta:        &Parameter{Name: "bias", Data: beta},
		numFeatures: numFeatures,
		eps:         1e-5,
		momentum:    0.1,
		expectDims:  dims,
		training:    true,
		runningMean: make([]float32, numFeatures),
		runningVar:  make([]float32, numFeatures),
	}
	for i := range bn.runningVar {
		bn.runningVar[i] = 1
	}
	return bn, nil
}

// NewBatchNorm1d creates a batch normalization layer for 2D input.
func NewBatchNorm1d(numFeatures int) (*BatchNorm, error) {
	return newBatchNorm(numFeatures, 2)
}

// NewBatchNorm2d creates a batch normalization layer for 4D input.
func NewBatchNorm2d(numFeatures int) (*BatchNorm, error) {
	return newBatchNorm(numFeatures, 4)
}

// featureOf maps a flat element index to its feature index.
func (bn *BatchNorm) featureOf(idx int, shape []int) int {
	if len(shape) == 2 {
		return idx % shape[1]
	}
	plane := shape[2] * shape[3]
	return (idx / plane) % shape[1]
}

// Forward normalizes the input. Training mode uses batch statistics and
// updates the running statistics; eval mode uses the running statistics.
func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != bn.expectDims {
		return nil, fmt.Errorf("BatchNorm expects %dD input, got shape %v", bn.expectDims, input.Shape)
	}
	if input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", bn.numFeatures, input.Shape[1])
	}

	data := input.Data.([]float32)
	n := input.NumElems / bn.numFeatures

	mean := make([]float32, bn.numFeatures)
	variance := make([]float32, bn.numFeatures)

	if bn.training {
		for i, v := range data {
			mean[bn.featureOf(i, input.Shape)] += v
		}
		for f := range mean {
			mean[f] /= float32(n)
		}
		for i, v := range data {
			f := bn.featureOf(i, input.Shape)
			d := v - mean[f]
			variance[f] += d * d
		}
		for f := range variance {
			variance[f] /= float32(n)
		}
		for f := range mean {
			bn.runningMean[f] = (1-bn.momentum)*bn.runningMean[f] + bn.momentum*mean[f]
			bn.runningVar[f] = (1-bn.momentum)*bn.runningVar[f] + bn.momentum*variance[f]
		}
	} else {
		copy(mean, bn.runningMean)
		copy(variance, bn.runningVar)
	}

	invStd := make([]float32, bn.numFeatures)
	for f := range invStd {
		invStd[f] = float32(1.0 / math.Sqrt(float64(variance[f]+bn.eps)))
	}

	gammaData := bn.gamma.Data.Data.([]float32)
	betaData := bn.beta.Data.Data.([]float32)

	xhat := make([]float32, len(data))
	out := make([]float32, len(data))
	for i, v := range data {
		f := bn.featureOf(i, input.Shape)
		xhat[i] = (v - mean[f]) * invStd[f]
		out[i] = gammaData[f]*xhat[i] + betaData[f]
	}

	bn.lastShape = input.Shape
	bn.lastXhat = xhat
	bn.lastInvStd = invStd

	return tensor.NewTensor(input.Shape, tensor.Float32, out)
}

// Backward computes gamma, beta, and input gradients using the cached
// normalized values.
func (bn *BatchNorm) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.lastXhat == nil {
		return nil, fmt.Errorf("Backward called before Forward")
	}

	gData := gradOut.Data.([]float32)
	if len(gData) != len(bn.lastXhat) {
		return nil, fmt.Errorf("gradient size %d does not match cached input %d", len(gData), len(bn.lastXhat))
	}

	n := len(gData) / bn.numFeatures
	dgamma := make([]float32, bn.numFeatures)
	dbeta := make([]float32, bn.numFeatures)
	for i, g := range gData {
		f := bn.featureOf(i, bn.lastShape)
		dgamma[f] += g * bn.lastXhat[i]
		dbeta[f] += g
	}

	gammaData := bn.gamma.Data.Data.([]float32)
	gradIn := make([]float32, len(gData))
	if bn.training {
		for i, g := range gData {
			f := bn.featureOf(i, bn.lastShape)
			gradIn[i] = gammaData[f] * bn.lastInvStd[f] *
				(g - dbeta[f]/float32(n) - bn.lastXhat[i]*dgamma[f]/float32(n))
		}
	} else {
		// Running statistics are constants in eval mode
		for i, g := range gData {
			f := bn.featureOf(i, bn.lastShape)
			gradIn[i] = gammaData[f] * bn.lastInvStd[f] * g
		}
	}

	dgammaT, err := tensor.NewTensor([]int{bn.numFeatures}, tensor.Float32, dgamma)
	if err != nil {
		return nil, err
	}
	if err := bn.gamma.accumulate(dgammaT); err != nil {
		return nil, err
	}
	dbetaT, err := tensor.NewTensor([]int{bn.numFeatures}, tensor.Float32, dbeta)
	if err != nil {
		return nil, err
	}
	if err := bn.beta.accumulate(dbetaT); err != nil {
		return nil, err
	}

	return tensor.NewTensor(bn.lastShape, tensor.Float32, gradIn)
}

// Parameters returns the gamma and beta parameters.
func (bn *BatchNorm) Parameters() []*Parameter {
	return []*Parameter{bn.gamma, bn.beta}
}

func (bn *BatchNorm) Train() { bn.training = true }
func (bn *BatchNorm) Eval()  { bn.training = false }

// NumFeatures returns the normalized feature count.
func (bn *BatchNorm) NumFeatures() int { return bn.numFeatures }

// RunningStats returns the running mean and variance buffers.
func (bn *BatchNorm) RunningStats() (mean, variance []float32) {
	return bn.runningMean, bn.runningVar
}

// SetRunningStats overwrites the running statistics, e.g. when loading
// pretrained weights.
func (bn *BatchNorm) SetRunningStats(mean, variance []float32) error {
	if len(mean) != bn.numFeatures || len(variance) != bn.numFeatures {
		return fmt.Errorf("running stats length mismatch: want %d, got %d/%d", bn.numFeatures, len(mean), len(variance))
	}
	copy(bn.runningMean, mean)
	copy(bn.runningVar, variance)
	return nil
}
