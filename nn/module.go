package nn

import (
	"fmt"

	"github.com/tsawler/go-transfer/tensor"
)

// Parameter is a trainable tensor paired with its accumulated gradient.
// Frozen parameters receive no gradient and are skipped by optimizers.
type Parameter struct {
	Name   string
	Data   *tensor.Tensor
	Grad   *tensor.Tensor
	Frozen bool
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}

// accumulate adds g into the parameter gradient, respecting Frozen.
func (p *Parameter) accumulate(g *tensor.Tensor) error {
	if p.Frozen {
		return nil
	}
	if p.Grad == nil {
		cloned, err := g.Clone()
		if err != nil {
			return err
		}
		p.Grad = cloned
		return nil
	}
	sum, err := tensor.Add(p.Grad, g)
	if err != nil {
		return fmt.Errorf("gradient accumulation failed: %v", err)
	}
	p.Grad = sum
	return nil
}

// Module is the interface all network layers implement. Backward consumes
// the gradient of the loss with respect to the module output and returns
// the gradient with respect to the module input, accumulating parameter
// gradients along the way. Modules cache their last input during Forward,
// so Forward must precede Backward within a step.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Train() // Sets module to training mode
	Eval()  // Sets module to evaluation mode
}

// Sequential chains modules in order.
type Sequential struct {
	modules []Module
}

// NewSequential creates a Sequential container from the given modules.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

// Forward runs the input through every module in order.
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return out, nil
}

// Backward propagates the output gradient through every module in reverse.
func (s *Sequential) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOut
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %d backward failed: %v", i, err)
		}
	}
	return grad, nil
}

// Parameters returns the parameters of all contained modules.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Train sets every contained module to training mode.
func (s *Sequential) Train() {
	for _, m := range s.modules {
		m.Train()
	}
}

// Eval sets every contained module to evaluation mode.
func (s *Sequential) Eval() {
	for _, m := range s.modules {
		m.Eval()
	}
}

// Children returns the contained modules.
func (s *Sequential) Children() []Module {
	return s.modules
}

// Len returns the number of contained modules.
func (s *Sequential) Len() int {
	return len(s.modules)
}

// SetFrozen marks every parameter of the module frozen or unfrozen.
func SetFrozen(m Module, frozen bool) {
	for _, p := range m.Parameters() {
		p.Frozen = frozen
		if frozen {
			p.Grad = nil
		}
	}
}
