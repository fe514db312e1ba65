// Package dataloader batches dataset samples into tensors.
package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-transfer/tensor"
)

// Dataset is the contract batch loading works against. At returns one
// sample's input values plus its target. TargetWidth declares the target
// layout: 0 means integer class labels (y holds a single class index),
// anything else means a dense float32 target vector of that width.
type Dataset interface {
	Len() int
	SampleShape() []int
	TargetWidth() int
	At(index int) (x, y []float32, err error)
}

// Batch is one batch of samples. X is [batchSize, sampleShape...]. Y is
// an Int32 [batchSize] tensor of class labels when the dataset declares
// integer targets, otherwise a Float32 [batchSize, targetWidth] tensor.
type Batch struct {
	X    *tensor.Tensor
	Y    *tensor.Tensor
	Size int
}

// Config holds loader settings.
type Config struct {
	BatchSize int
	Shuffle   bool
}

// Loader iterates a dataset in batches. Safe for concurrent Reset and
// NextBatch calls.
type Loader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	mu        sync.Mutex
}

// NewLoader creates a loader over dataset. BatchSize <= 0 selects 1.
func NewLoader(dataset Dataset, config Config) *Loader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if config.Shuffle {
		rand.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	return &Loader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		indices:   indices,
	}
}

// Dataset returns the underlying dataset.
func (dl *Loader) Dataset() Dataset { return dl.dataset }

// Len returns the number of samples.
func (dl *Loader) Len() int { return len(dl.indices) }

// Batches returns the number of batches per pass, counting a trailing
// partial batch.
func (dl *Loader) Batches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader, reshuffling if configured.
func (dl *Loader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		rand.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// NextBatch returns the next batch, or nil when the pass is complete.
func (dl *Loader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil
	}

	batchSize := dl.batchSize
	if remaining < batchSize {
		batchSize = remaining
	}

	sampleShape := dl.dataset.SampleShape()
	sampleSize := 1
	for _, d := range sampleShape {
		sampleSize *= d
	}
	targetWidth := dl.dataset.TargetWidth()

	xData := make([]float32, batchSize*sampleSize)
	var yFloat []float32
	var yInt []int32
	if targetWidth == 0 {
		yInt = make([]int32, batchSize)
	} else {
		yFloat = make([]float32, batchSize*targetWidth)
	}

	for i := 0; i < batchSize; i++ {
		idx := dl.indices[dl.position]
		x, y, err := dl.dataset.At(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if len(x) != sampleSize {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", idx, len(x), sampleSize)
		}

		copy(xData[i*sampleSize:(i+1)*sampleSize], x)
		if targetWidth == 0 {
			if len(y) != 1 {
				return nil, fmt.Errorf("sample %d has %d label values, expected 1", idx, len(y))
			}
			yInt[i] = int32(y[0])
		} else {
			if len(y) != targetWidth {
				return nil, fmt.Errorf("sample %d has %d target values, expected %d", idx, len(y), targetWidth)
			}
			copy(yFloat[i*targetWidth:(i+1)*targetWidth], y)
		}
		dl.position++
	}

	xShape := append([]int{batchSize}, sampleShape...)
	xTensor, err := tensor.NewTensor(xShape, tensor.Float32, xData)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch input: %v", err)
	}

	var yTensor *tensor.Tensor
	if targetWidth == 0 {
		yTensor, err = tensor.NewTensor([]int{batchSize}, tensor.Int32, yInt)
	} else {
		yTensor, err = tensor.NewTensor([]int{batchSize, targetWidth}, tensor.Float32, yFloat)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build batch targets: %v", err)
	}

	return &Batch{X: xTensor, Y: yTensor, Size: batchSize}, nil
}

// Progress returns the current position through the dataset.
func (dl *Loader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}
