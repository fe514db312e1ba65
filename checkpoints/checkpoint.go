// Package checkpoints saves and restores model weights. Two formats are
// supported: a JSON checkpoint carrying every weight with its layer
// position, and a minimal ONNX file holding the same tensors as graph
// initializers.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tsawler/go-transfer/nn"
	"github.com/tsawler/go-transfer/tensor"
)

// WeightTensor is one named weight. Name is "<childIndex>.<param>", so
// a checkpoint only applies to a model with the same child layout.
type WeightTensor struct {
	Name  string    `json:"name"`
	Layer string    `json:"layer"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Checkpoint is a model's full weight set plus its architecture name.
type Checkpoint struct {
	Arch    string         `json:"arch"`
	Weights []WeightTensor `json:"weights"`
}

func layerName(m nn.Module) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", m), "*nn.")
}

// FromModel collects every parameter and batch norm running statistic
// of model into a checkpoint.
func FromModel(model *nn.Sequential, arch string) (*Checkpoint, error) {
	c := &Checkpoint{Arch: arch}

	for i, child := range model.Children() {
		layer := layerName(child)
		for _, p := range child.Parameters() {
			data := p.Data.Float32s()
			c.Weights = append(c.Weights, WeightTensor{
				Name:  fmt.Sprintf("%d.%s", i, p.Name),
				Layer: layer,
				Shape: append([]int{}, p.Data.Shape...),
				Data:  append([]float32{}, data...),
			})
		}
		if bn, ok := child.(*nn.BatchNorm); ok {
			mean, variance := bn.RunningStats()
			c.Weights = append(c.Weights,
				WeightTensor{
					Name:  fmt.Sprintf("%d.running_mean", i),
					Layer: layer,
					Shape: []int{len(mean)},
					Data:  append([]float32{}, mean...),
				},
				WeightTensor{
					Name:  fmt.Sprintf("%d.running_var", i),
					Layer: layer,
					Shape: []int{len(variance)},
					Data:  append([]float32{}, variance...),
				})
		}
	}
	return c, nil
}

// ApplyTo copies the checkpoint's weights into model. Every parameter
// of model must be present with a matching shape.
func (c *Checkpoint) ApplyTo(model *nn.Sequential) error {
	byName := make(map[string]*WeightTensor, len(c.Weights))
	for i := range c.Weights {
		byName[c.Weights[i].Name] = &c.Weights[i]
	}

	for i, child := range model.Children() {
		for _, p := range child.Parameters() {
			name := fmt.Sprintf("%d.%s", i, p.Name)
			w, ok := byName[name]
			if !ok {
				return fmt.Errorf("checkpoint is missing weight %s", name)
			}
			if !tensor.ShapesEqual(w.Shape, p.Data.Shape) {
				return fmt.Errorf("weight %s has shape %v, model expects %v", name, w.Shape, p.Data.Shape)
			}
			copy(p.Data.Float32s(), w.Data)
		}
		if bn, ok := child.(*nn.BatchNorm); ok {
			mean, okMean := byName[fmt.Sprintf("%d.running_mean", i)]
			variance, okVar := byName[fmt.Sprintf("%d.running_var", i)]
			if !okMean || !okVar {
				return fmt.Errorf("checkpoint is missing running statistics for layer %d", i)
			}
			if err := bn.SetRunningStats(mean.Data, variance.Data); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return nil
}

// SaveJSON writes the checkpoint to path as JSON.
func SaveJSON(path string, c *Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	return nil
}

// LoadJSON reads a JSON checkpoint from path.
func LoadJSON(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %v", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %v", err)
	}
	return &c, nil
}
