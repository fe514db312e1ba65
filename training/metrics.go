package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-transfer/tensor"
)

// Metric is a named evaluation function over one batch of predictions.
type Metric struct {
	Name string
	Fn   func(predicted, target *tensor.Tensor) (float64, error)
}

// Accuracy returns the fraction of rows whose argmax matches the target
// class. Predicted is [batch, classes] scores (probabilities, log
// probabilities, or logits all work), target is [batch] Int32.
func Accuracy(predicted, target *tensor.Tensor) (float64, error) {
	batch, classes, err := checkClassTargets(predicted, target)
	if err != nil {
		return 0, err
	}
	if batch == 0 {
		return 0, fmt.Errorf("empty batch")
	}

	scores := predicted.Float32s()
	labels := target.Int32s()

	correct := 0
	for i := 0; i < batch; i++ {
		row := scores[i*classes : (i+1)*classes]
		best := 0
		for j := 1; j < classes; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if int32(best) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(batch), nil
}

// AccuracyMulti returns the fraction of label positions where the
// thresholded prediction matches the binary target. Predicted and
// target are Float32 with matching shapes.
func AccuracyMulti(predicted, target *tensor.Tensor, threshold float32) (float64, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return 0, err
	}
	p := predicted.Float32s()
	if len(p) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	t := target.Float32s()

	correct := 0
	for i := range p {
		pred := float32(0)
		if p[i] > threshold {
			pred = 1
		}
		if pred == t[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(p)), nil
}

// MAE returns the mean absolute error.
func MAE(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkDenseTargets(predicted, target); err != nil {
		return 0, err
	}
	p := predicted.Float32s()
	if len(p) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	t := target.Float32s()

	var sum float64
	for i := range p {
		sum += math.Abs(float64(p[i] - t[i]))
	}
	return sum / float64(len(p)), nil
}

// AccuracyMetric wraps Accuracy as a named metric.
func AccuracyMetric() Metric {
	return Metric{Name: "accuracy", Fn: Accuracy}
}

// AccuracyMultiMetric wraps AccuracyMulti at the given threshold.
func AccuracyMultiMetric(threshold float32) Metric {
	return Metric{
		Name: "accuracy_multi",
		Fn: func(predicted, target *tensor.Tensor) (float64, error) {
			return AccuracyMulti(predicted, target, threshold)
		},
	}
}

// MAEMetric wraps MAE as a named metric.
func MAEMetric() Metric {
	return Metric{Name: "mae", Fn: MAE}
}
