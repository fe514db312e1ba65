package convnet

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-transfer/checkpoints"
	"github.com/tsawler/go-transfer/nn"
)

// Config holds optional builder settings. Zero values select the
// defaults: dropout [0.25, 0.5], one extra hidden layer of 512 units,
// no extra cut.
type Config struct {
	Ps      []float32 // dropout per head layer, or a single broadcast value
	XtraFC  []int     // extra hidden layer widths
	XtraCut int       // cut this many layers earlier than the registry default
}

// Builder assembles a convolutional transfer-learning model from a
// registered backbone: TopModel is the truncated backbone plus the
// pooling/flatten adapter, FCModel is the fully connected head, and Model
// is their concatenation. The head's input width always equals the
// backbone's feature width.
type Builder struct {
	Arch    string
	C       int
	IsMulti bool
	IsReg   bool

	TopModel *nn.Sequential
	FCModel  *nn.Sequential
	Model    *nn.Sequential

	ps      []float32
	xtraFC  []int
	xtraCut int
	cut     int
	lrCut   int
	nf      int
	fcLen   int
}

// New builds a model for arch with a c-wide output layer. isMulti selects
// a sigmoid final activation and isReg suppresses the final activation
// entirely; otherwise the head ends in log-softmax.
func New(arch string, c int, isMulti, isReg bool, cfg Config) (*Builder, error) {
	if c <= 0 {
		return nil, fmt.Errorf("invalid output size %d", c)
	}

	entry, err := Lookup(arch)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		Arch:    arch,
		C:       c,
		IsMulti: isMulti,
		IsReg:   isReg,
		ps:      cfg.Ps,
		xtraFC:  cfg.XtraFC,
		xtraCut: cfg.XtraCut,
		lrCut:   entry.Meta.LRCut,
	}
	if b.ps == nil {
		b.ps = []float32{0.25, 0.5}
	}
	if b.xtraFC == nil {
		b.xtraFC = []int{512}
	}

	b.cut = entry.Meta.Cut - b.xtraCut
	full, err := entry.New()
	if err != nil {
		return nil, fmt.Errorf("failed to construct backbone %s: %v", arch, err)
	}
	children := full.Children()
	if b.cut <= 0 || b.cut > len(children) {
		return nil, fmt.Errorf("cut %d out of range for %s (%d children)", b.cut, arch, len(children))
	}
	backbone := children[:b.cut]

	if entry.Features > 0 {
		b.nf = entry.Features
	} else {
		width, err := inferFeatures(backbone)
		if err != nil {
			return nil, fmt.Errorf("cannot infer feature width for %s: %v", arch, err)
		}
		// the concat pool doubles the channel count
		b.nf = width * 2
	}

	top := append(append([]nn.Module{}, backbone...), nn.NewAdaptiveConcatPool2d(), nn.NewFlatten())
	b.TopModel = nn.NewSequential(top...)

	// broadcast a single dropout rate across all head layers
	nFC := len(b.xtraFC) + 1
	if len(b.ps) == 1 {
		ps := make([]float32, nFC)
		for i := range ps {
			ps[i] = b.ps[0]
		}
		b.ps = ps
	}
	if len(b.ps) != nFC {
		return nil, fmt.Errorf("got %d dropout rates for %d head layers", len(b.ps), nFC)
	}

	fcLayers, err := b.buildFCLayers()
	if err != nil {
		return nil, err
	}
	b.fcLen = len(fcLayers)
	b.FCModel = nn.NewSequential(fcLayers...)
	nn.KaimingNormal(b.FCModel)

	b.Model = nn.NewSequential(append(top, fcLayers...)...)
	return b, nil
}

// Name identifies the builder for activation-cache keys.
func (b *Builder) Name() string {
	return fmt.Sprintf("%s_%d", b.Arch, b.xtraCut)
}

// NumFeatures returns the backbone's output feature width, which is also
// the head's input width.
func (b *Builder) NumFeatures() int { return b.nf }

// LoadWeights restores pretrained weights from a checkpoint file into the
// assembled model. The format is chosen by extension: ".onnx" files are
// read as ONNX, everything else as JSON. The checkpoint must match the
// model's child layout.
func (b *Builder) LoadWeights(path string) error {
	var (
		c   *checkpoints.Checkpoint
		err error
	)
	if filepath.Ext(path) == ".onnx" {
		c, err = checkpoints.LoadONNX(path)
	} else {
		c, err = checkpoints.LoadJSON(path)
	}
	if err != nil {
		return err
	}
	return c.ApplyTo(b.Model)
}

// fcLayer builds one head layer: batch norm, optional dropout, linear,
// optional activation.
func fcLayer(ni, nf int, p float32, actn nn.Module) ([]nn.Module, error) {
	bn, err := nn.NewBatchNorm1d(ni)
	if err != nil {
		return nil, err
	}
	res := []nn.Module{bn}
	if p > 0 {
		res = append(res, nn.NewDropout(p))
	}
	linear, err := nn.NewLinear(ni, nf, true)
	if err != nil {
		return nil, err
	}
	res = append(res, linear)
	if actn != nil {
		res = append(res, actn)
	}
	return res, nil
}

func (b *Builder) buildFCLayers() ([]nn.Module, error) {
	var res []nn.Module
	ni := b.nf
	for i, nf := range b.xtraFC {
		layer, err := fcLayer(ni, nf, b.ps[i], nn.NewReLU())
		if err != nil {
			return nil, fmt.Errorf("head layer %d construction failed: %v", i, err)
		}
		res = append(res, layer...)
		ni = nf
	}

	var finalActn nn.Module
	switch {
	case b.IsReg:
		finalActn = nil
	case b.IsMulti:
		finalActn = nn.NewSigmoid()
	default:
		finalActn = nn.NewLogSoftmax()
	}

	layer, err := fcLayer(ni, b.C, b.ps[len(b.ps)-1], finalActn)
	if err != nil {
		return nil, fmt.Errorf("output layer construction failed: %v", err)
	}
	return append(res, layer...), nil
}

// LayerGroups partitions the model for differential learning rates. With
// headOnly set (precompute mode) the head's sublayers form a single
// group; otherwise the groups are backbone prefix, backbone suffix split
// at the architecture's LR cut, and head. A large xtraCut can shorten
// the backbone past the LR cut; the split clamps to the backbone end,
// leaving the middle group empty.
func (b *Builder) LayerGroups(headOnly bool) [][]nn.Module {
	if headOnly {
		return [][]nn.Module{b.FCModel.Children()}
	}

	children := b.Model.Children()
	headStart := len(children) - b.fcLen
	split := b.lrCut
	if split > headStart {
		split = headStart
	}
	return [][]nn.Module{
		children[:split],
		children[split:headStart],
		children[headStart:],
	}
}

// inferFeatures walks the cut backbone backward for the last child that
// declares an output width.
func inferFeatures(children []nn.Module) (int, error) {
	for i := len(children) - 1; i >= 0; i-- {
		switch m := children[i].(type) {
		case *nn.Conv2d:
			return m.OutChannels(), nil
		case *nn.BatchNorm:
			return m.NumFeatures(), nil
		case *nn.Linear:
			return m.OutFeatures(), nil
		}
	}
	return 0, fmt.Errorf("no layer with a declared output width")
}
