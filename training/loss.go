// Package training holds losses, metrics, the optimizer, and the
// Learner that ties a built model to its data.
package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-transfer/tensor"
)

// Loss computes a scalar loss and the gradient of that loss with
// respect to the predictions.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

const logEps = 1e-7

// NLLLoss is negative log likelihood over log-probabilities. Predicted
// is [batch, classes] Float32 (log-softmax output), target is [batch]
// Int32 class indices. Mean reduction.
type NLLLoss struct{}

// NewNLLLoss creates a negative log likelihood loss.
func NewNLLLoss() *NLLLoss { return &NLLLoss{} }

func checkClassTargets(predicted, target *tensor.Tensor) (batch, classes int, err error) {
	if len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D, got shape %v", predicted.Shape)
	}
	if predicted.DType != tensor.Float32 {
		return 0, 0, fmt.Errorf("predicted must be Float32, got %s", predicted.DType)
	}
	if target.DType != tensor.Int32 || len(target.Shape) != 1 {
		return 0, 0, fmt.Errorf("target must be a 1D Int32 tensor of class indices")
	}
	if target.Shape[0] != predicted.Shape[0] {
		return 0, 0, fmt.Errorf("batch mismatch: %d predictions, %d targets", predicted.Shape[0], target.Shape[0])
	}
	return predicted.Shape[0], predicted.Shape[1], nil
}

// Forward computes -mean(logp[i, target[i]]).
func (nll *NLLLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := checkClassTargets(predicted, target)
	if err != nil {
		return nil, err
	}

	logp := predicted.Float32s()
	labels := target.Int32s()

	var sum float64
	for i := 0; i < batch; i++ {
		cls := int(labels[i])
		if cls < 0 || cls >= classes {
			return nil, fmt.Errorf("class index %d out of range [0, %d)", cls, classes)
		}
		sum -= float64(logp[i*classes+cls])
	}
	return tensor.FromScalar(sum / float64(batch)), nil
}

// Backward puts -1/batch at each target position.
func (nll *NLLLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := checkClassTargets(predicted, target)
	if err != nil {
		return nil, err
	}

	grad, err := tensor.Zeros(predicted.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	gradData := grad.Float32s()
	labels := target.Int32s()

	scale := -1.0 / float32(batch)
	for i := 0; i < batch; i++ {
		cls := int(labels[i])
		if cls < 0 || cls >= classes {
			return nil, fmt.Errorf("class index %d out of range [0, %d)", cls, classes)
		}
		gradData[i*classes+cls] = scale
	}
	return grad, nil
}

// BCELoss is binary cross entropy over probabilities, for multi-label
// targets. Predicted and target are Float32 with matching shapes. Mean
// reduction over all elements.
type BCELoss struct{}

// NewBCELoss creates a binary cross entropy loss.
func NewBCELoss() *BCELoss { return &BCELoss{} }

func checkDenseTargets(predicted, target *tensor.Tensor) error {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return fmt.Errorf("predicted and target must be Float32")
	}
	if !tensor.ShapesEqual(predicted.Shape, target.Shape) {
		return fmt.Errorf("shape mismatch: predicted %v, target %v", predicted.Shape, target.Shape)
	}
	return nil
}

// Forward computes -mean(t*log(p) + (1-t)*log(1-p)).
func (bce *BCELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return nil, err
	}

	p := predicted.Float32s()
	t := target.Float32s()

	var sum float64
	for i := range p {
		pi := math.Min(math.Max(float64(p[i]), logEps), 1-logEps)
		ti := float64(t[i])
		sum -= ti*math.Log(pi) + (1-ti)*math.Log(1-pi)
	}
	return tensor.FromScalar(sum / float64(len(p))), nil
}

// Backward computes (p - t) / (p * (1 - p)) / N with clamped p.
func (bce *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return nil, err
	}

	p := predicted.Float32s()
	t := target.Float32s()
	gradData := make([]float32, len(p))
	n := float32(len(p))

	for i := range p {
		pi := float32(math.Min(math.Max(float64(p[i]), logEps), 1-logEps))
		gradData[i] = (pi - t[i]) / (pi * (1 - pi)) / n
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, gradData)
}

// L1Loss is mean absolute error, the regression default.
type L1Loss struct{}

// NewL1Loss creates a mean absolute error loss.
func NewL1Loss() *L1Loss { return &L1Loss{} }

// Forward computes mean(|p - t|).
func (l1 *L1Loss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return nil, err
	}

	p := predicted.Float32s()
	t := target.Float32s()
	var sum float64
	for i := range p {
		sum += math.Abs(float64(p[i] - t[i]))
	}
	return tensor.FromScalar(sum / float64(len(p))), nil
}

// Backward computes sign(p - t) / N.
func (l1 *L1Loss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return nil, err
	}

	p := predicted.Float32s()
	t := target.Float32s()
	gradData := make([]float32, len(p))
	n := float32(len(p))

	for i := range p {
		switch {
		case p[i] > t[i]:
			gradData[i] = 1 / n
		case p[i] < t[i]:
			gradData[i] = -1 / n
		}
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, gradData)
}

// MSELoss is mean squared error.
type MSELoss struct{}

// NewMSELoss creates a mean squared error loss.
func NewMSELoss() *MSELoss { return &MSELoss{} }

// Forward computes mean((p - t)^2).
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return nil, err
	}

	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %v", err)
	}
	squared, err := tensor.Mul(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %v", err)
	}
	sum, err := tensor.SumAll(squared)
	if err != nil {
		return nil, fmt.Errorf("sum computation failed: %v", err)
	}
	return tensor.FromScalar(float64(sum) / float64(predicted.NumElems)), nil
}

// Backward computes 2 * (p - t) / N.
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return nil, err
	}

	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("gradient subtraction failed: %v", err)
	}
	return tensor.Scale(diff, 2/float32(predicted.NumElems))
}

// CrossEntropyLoss combines softmax and negative log likelihood over
// raw logits. Predicted is [batch, classes] Float32 logits, target is
// [batch] Int32 class indices.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a softmax cross entropy loss.
func NewCrossEntropyLoss() *CrossEntropyLoss { return &CrossEntropyLoss{} }

// softmaxRows computes row-wise softmax with max subtraction.
func softmaxRows(logits []float32, batch, classes int) []float32 {
	out := make([]float32, len(logits))
	for i := 0; i < batch; i++ {
		row := logits[i*classes : (i+1)*classes]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[i*classes+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[i*classes+j] /= float32(sum)
		}
	}
	return out
}

// Forward computes -mean(log softmax(logits)[i, target[i]]).
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := checkClassTargets(predicted, target)
	if err != nil {
		return nil, err
	}

	probs := softmaxRows(predicted.Float32s(), batch, classes)
	labels := target.Int32s()

	var sum float64
	for i := 0; i < batch; i++ {
		cls := int(labels[i])
		if cls < 0 || cls >= classes {
			return nil, fmt.Errorf("class index %d out of range [0, %d)", cls, classes)
		}
		sum -= math.Log(math.Max(float64(probs[i*classes+cls]), logEps))
	}
	return tensor.FromScalar(sum / float64(batch)), nil
}

// Backward computes (softmax(logits) - onehot(target)) / batch.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, err := checkClassTargets(predicted, target)
	if err != nil {
		return nil, err
	}

	gradData := softmaxRows(predicted.Float32s(), batch, classes)
	labels := target.Int32s()
	for i := 0; i < batch; i++ {
		cls := int(labels[i])
		if cls < 0 || cls >= classes {
			return nil, fmt.Errorf("class index %d out of range [0, %d)", cls, classes)
		}
		gradData[i*classes+cls] -= 1
	}
	for i := range gradData {
		gradData[i] /= float32(batch)
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, gradData)
}
