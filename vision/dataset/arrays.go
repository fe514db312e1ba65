package dataset

import (
	"fmt"
)

// Arrays is an in-memory dataset over flat float32 rows. It backs
// precompute mode, where cached backbone activations replace images as
// the training input.
type Arrays struct {
	x           []float32
	y           []float32
	sampleShape []int
	sampleSize  int
	targetWidth int
	n           int
}

// NewArrays builds a dataset from flattened sample values x and targets
// y. targetWidth 0 means y holds one class label per sample; otherwise y
// holds targetWidth values per sample.
func NewArrays(x []float32, sampleShape []int, y []float32, targetWidth int) (*Arrays, error) {
	sampleSize := 1
	for _, d := range sampleShape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid sample shape %v", sampleShape)
		}
		sampleSize *= d
	}
	if len(x)%sampleSize != 0 {
		return nil, fmt.Errorf("%d values do not divide into samples of shape %v", len(x), sampleShape)
	}
	n := len(x) / sampleSize

	yWidth := targetWidth
	if yWidth == 0 {
		yWidth = 1
	}
	if len(y) != n*yWidth {
		return nil, fmt.Errorf("%d target values for %d samples of width %d", len(y), n, yWidth)
	}

	return &Arrays{
		x:           x,
		y:           y,
		sampleShape: append([]int{}, sampleShape...),
		sampleSize:  sampleSize,
		targetWidth: targetWidth,
		n:           n,
	}, nil
}

// Len returns the number of samples.
func (d *Arrays) Len() int { return d.n }

// SampleShape returns the per-sample shape.
func (d *Arrays) SampleShape() []int { return d.sampleShape }

// TargetWidth returns the declared target width (0 for class labels).
func (d *Arrays) TargetWidth() int { return d.targetWidth }

// At returns sample index's values and target.
func (d *Arrays) At(index int) ([]float32, []float32, error) {
	if index < 0 || index >= d.n {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, d.n)
	}
	x := d.x[index*d.sampleSize : (index+1)*d.sampleSize]
	y, err := d.Target(index)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// Target returns sample index's target.
func (d *Arrays) Target(index int) ([]float32, error) {
	if index < 0 || index >= d.n {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, d.n)
	}
	yWidth := d.targetWidth
	if yWidth == 0 {
		yWidth = 1
	}
	return d.y[index*yWidth : (index+1)*yWidth], nil
}
