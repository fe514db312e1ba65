package training

import (
	"fmt"

	"github.com/tsawler/go-transfer/nn"
)

// ParamGroup is a set of parameters sharing one learning rate.
type ParamGroup struct {
	Params []*nn.Parameter
	LR     float32
}

// GroupsFromModules flattens module groups into parameter groups, one
// per module group, all at lr. Use SetLRs afterwards for differential
// rates.
func GroupsFromModules(moduleGroups [][]nn.Module, lr float32) []ParamGroup {
	groups := make([]ParamGroup, 0, len(moduleGroups))
	for _, modules := range moduleGroups {
		var params []*nn.Parameter
		for _, m := range modules {
			params = append(params, m.Parameters()...)
		}
		groups = append(groups, ParamGroup{Params: params, LR: lr})
	}
	return groups
}

// SGDConfig holds optimizer settings. Zero momentum and weight decay
// give plain gradient descent.
type SGDConfig struct {
	Momentum    float32
	WeightDecay float32
}

// SGD is stochastic gradient descent with momentum and weight decay
// over parameter groups. Frozen parameters and parameters without
// gradients are skipped.
type SGD struct {
	groups      []ParamGroup
	momentum    float32
	weightDecay float32
	velocity    map[*nn.Parameter][]float32
}

// NewSGD creates an optimizer over the given parameter groups.
func NewSGD(groups []ParamGroup, cfg SGDConfig) *SGD {
	return &SGD{
		groups:      groups,
		momentum:    cfg.Momentum,
		weightDecay: cfg.WeightDecay,
		velocity:    make(map[*nn.Parameter][]float32),
	}
}

// Groups returns the number of parameter groups.
func (o *SGD) Groups() int { return len(o.groups) }

// LRs returns the current learning rate of each group.
func (o *SGD) LRs() []float32 {
	lrs := make([]float32, len(o.groups))
	for i, g := range o.groups {
		lrs[i] = g.LR
	}
	return lrs
}

// SetLRs assigns per-group learning rates. A single rate broadcasts to
// all groups.
func (o *SGD) SetLRs(lrs []float32) error {
	if len(lrs) == 1 {
		for i := range o.groups {
			o.groups[i].LR = lrs[0]
		}
		return nil
	}
	if len(lrs) != len(o.groups) {
		return fmt.Errorf("got %d learning rates for %d groups", len(lrs), len(o.groups))
	}
	for i, lr := range lrs {
		o.groups[i].LR = lr
	}
	return nil
}

// Step applies one update to every unfrozen parameter with a gradient.
func (o *SGD) Step() error {
	for _, group := range o.groups {
		for _, p := range group.Params {
			if p.Frozen || p.Grad == nil {
				continue
			}

			weights := p.Data.Float32s()
			grads := p.Grad.Float32s()
			if len(grads) != len(weights) {
				return fmt.Errorf("parameter %s: gradient has %d values, weights have %d", p.Name, len(grads), len(weights))
			}

			if o.momentum > 0 {
				v, ok := o.velocity[p]
				if !ok {
					v = make([]float32, len(weights))
					o.velocity[p] = v
				}
				for i := range weights {
					g := grads[i] + o.weightDecay*weights[i]
					v[i] = o.momentum*v[i] + g
					weights[i] -= group.LR * v[i]
				}
			} else {
				for i := range weights {
					g := grads[i] + o.weightDecay*weights[i]
					weights[i] -= group.LR * g
				}
			}
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient.
func (o *SGD) ZeroGrad() {
	for _, group := range o.groups {
		for _, p := range group.Params {
			p.ZeroGrad()
		}
	}
}
