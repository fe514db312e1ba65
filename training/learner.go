package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-transfer/carray"
	"github.com/tsawler/go-transfer/checkpoints"
	"github.com/tsawler/go-transfer/convnet"
	"github.com/tsawler/go-transfer/nn"
	"github.com/tsawler/go-transfer/vision/dataloader"
	"github.com/tsawler/go-transfer/vision/dataset"
)

// LearnerConfig holds Pretrained settings. Ps, XtraFC, and XtraCut pass
// through to the model builder. Precompute caches backbone activations
// up front and trains the head against them. Metrics overrides the task
// default.
type LearnerConfig struct {
	Ps      []float32
	XtraFC  []int
	XtraCut int

	Precompute bool
	Metrics    []Metric
}

// Learner ties a built transfer-learning model to its data. It selects
// the loss and default metric from the task flags, manages precompute
// mode, and drives the fit loop.
//
// Loss selection: multi-label tasks get binary cross entropy and
// thresholded multi-label accuracy, regression tasks get L1 and no
// default metric, plain classification gets negative log likelihood
// and accuracy.
type Learner struct {
	builder *convnet.Builder
	data    *dataset.ImageData
	actData *dataset.ImageData // cached-activation view, nil until computed

	crit       Loss
	metrics    []Metric
	precompute bool
}

// Pretrained builds a model for arch over data and wraps it in a
// Learner. The backbone starts frozen; with cfg.Precompute set the
// activation cache is computed (or reused) immediately.
func Pretrained(arch string, data *dataset.ImageData, cfg LearnerConfig) (*Learner, error) {
	if data == nil {
		return nil, fmt.Errorf("data is required")
	}

	builder, err := convnet.New(arch, data.C(), data.IsMulti, data.IsReg, convnet.Config{
		Ps:      cfg.Ps,
		XtraFC:  cfg.XtraFC,
		XtraCut: cfg.XtraCut,
	})
	if err != nil {
		return nil, err
	}

	l := &Learner{
		builder: builder,
		data:    data,
	}

	switch {
	case data.IsMulti:
		l.crit = NewBCELoss()
		l.metrics = []Metric{AccuracyMultiMetric(0.5)}
	case data.IsReg:
		l.crit = NewL1Loss()
	default:
		l.crit = NewNLLLoss()
		l.metrics = []Metric{AccuracyMetric()}
	}
	if cfg.Metrics != nil {
		l.metrics = cfg.Metrics
	}

	l.Freeze()
	if cfg.Precompute {
		if err := l.SetPrecompute(true); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Builder returns the underlying model builder.
func (l *Learner) Builder() *convnet.Builder { return l.builder }

// Crit returns the loss in use.
func (l *Learner) Crit() Loss { return l.crit }

// SetCrit replaces the loss.
func (l *Learner) SetCrit(crit Loss) { l.crit = crit }

// Metrics returns the metrics evaluated each epoch.
func (l *Learner) Metrics() []Metric { return l.metrics }

// Precompute reports whether precompute mode is active.
func (l *Learner) Precompute() bool { return l.precompute }

// Model returns the model Fit trains: the head alone in precompute
// mode, the full model otherwise.
func (l *Learner) Model() *nn.Sequential {
	if l.precompute && l.actData != nil {
		return l.builder.FCModel
	}
	return l.builder.Model
}

// TrainData returns the data Fit trains on: the cached-activation view
// in precompute mode, the original data otherwise.
func (l *Learner) TrainData() *dataset.ImageData {
	if l.precompute && l.actData != nil {
		return l.actData
	}
	return l.data
}

// SetPrecompute toggles precompute mode, computing (or reusing) the
// activation cache on first activation. The full model is untouched.
func (l *Learner) SetPrecompute(on bool) error {
	if on && l.actData == nil {
		if err := l.ComputeActivations(false); err != nil {
			return err
		}
	}
	l.precompute = on
	return nil
}

// SetData replaces the dataset, recomputes the activation cache when
// precompute mode is active, and refreezes the backbone.
func (l *Learner) SetData(data *dataset.ImageData) error {
	if data == nil {
		return fmt.Errorf("data is required")
	}
	l.data = data
	l.actData = nil
	if l.precompute {
		if err := l.ComputeActivations(false); err != nil {
			return err
		}
	}
	l.Freeze()
	return nil
}

// Freeze freezes every layer group except the head.
func (l *Learner) Freeze() {
	groups := l.builder.LayerGroups(false)
	l.freezeGroups(groups, len(groups)-1)
}

// FreezeTo freezes the first n layer groups and unfreezes the rest.
func (l *Learner) FreezeTo(n int) {
	l.freezeGroups(l.builder.LayerGroups(false), n)
}

// Unfreeze makes every layer group trainable.
func (l *Learner) Unfreeze() {
	l.freezeGroups(l.builder.LayerGroups(false), 0)
}

func (l *Learner) freezeGroups(groups [][]nn.Module, frozenBelow int) {
	for i, group := range groups {
		frozen := i < frozenBelow
		for _, m := range group {
			nn.SetFrozen(m, frozen)
		}
	}
}

// ComputeActivations runs the truncated backbone over every partition
// once and stores the resulting feature rows on disk under the dataset
// tmp path. Existing arrays are reused unless force is set; staleness
// is not detected.
func (l *Learner) ComputeActivations(force bool) error {
	if err := os.MkdirAll(l.data.TmpPath, 0755); err != nil {
		return fmt.Errorf("failed to create tmp path: %v", err)
	}

	name := l.builder.Name()
	sz := l.data.Sz
	trnPath := filepath.Join(l.data.TmpPath, fmt.Sprintf("x_act_%s_%d.ca", name, sz))
	valPath := filepath.Join(l.data.TmpPath, fmt.Sprintf("x_act_val_%s_%d.ca", name, sz))
	testPath := filepath.Join(l.data.TmpPath, fmt.Sprintf("x_act_test_%s_%d.ca", name, sz))

	// the train-partition file decides reuse for all partitions
	reuse := !force && carray.Exists(trnPath)

	trnDS, err := l.partitionActivations(l.data.Trn, trnPath, reuse)
	if err != nil {
		return err
	}
	valDS, err := l.partitionActivations(l.data.Val, valPath, reuse)
	if err != nil {
		return err
	}

	var testDS dataloader.Dataset
	if l.data.Test != nil {
		ds, err := l.partitionActivations(l.data.Test, testPath, reuse)
		if err != nil {
			return err
		}
		testDS = ds
	}

	actData, err := dataset.FromArrays(l.data.Path, trnDS, valDS, testDS,
		l.data.Classes, sz, l.data.Bs, l.data.IsMulti, l.data.IsReg)
	if err != nil {
		return err
	}
	l.actData = actData
	return nil
}

// partitionActivations fills (or reopens) one partition's activation
// array and wraps it with the partition's targets.
func (l *Learner) partitionActivations(ds dataloader.Dataset, path string, reuse bool) (*dataset.Arrays, error) {
	nf := l.builder.NumFeatures()

	var arr *carray.Array
	if reuse && carray.Exists(path) {
		opened, err := carray.Open(path)
		if err != nil {
			return nil, err
		}
		if opened.Dim() != nf || opened.Rows() != ds.Len() {
			return nil, fmt.Errorf("cached activations at %s are %dx%d, expected %dx%d",
				path, opened.Rows(), opened.Dim(), ds.Len(), nf)
		}
		arr = opened
	} else {
		created, err := carray.Create(path, nf, 0)
		if err != nil {
			return nil, err
		}
		if err := l.fillActivations(created, ds); err != nil {
			return nil, err
		}
		arr = created
	}

	x, err := arr.ReadAll()
	if err != nil {
		return nil, err
	}
	y, err := collectTargets(ds)
	if err != nil {
		return nil, err
	}
	return dataset.NewArrays(x, []int{nf}, y, ds.TargetWidth())
}

// fillActivations runs the truncated backbone over ds in order,
// appending one feature row per sample.
func (l *Learner) fillActivations(arr *carray.Array, ds dataloader.Dataset) error {
	model := l.builder.TopModel
	model.Eval()

	loader := dataloader.NewLoader(ds, dataloader.Config{BatchSize: l.data.Bs})
	for {
		batch, err := loader.NextBatch()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		features, err := model.Forward(batch.X)
		if err != nil {
			return fmt.Errorf("backbone forward failed: %w", err)
		}
		if err := arr.AppendRows(features.Float32s()); err != nil {
			return err
		}
	}
	return arr.Flush()
}

// collectTargets gathers every sample's target, skipping input decoding
// when the dataset supports it.
func collectTargets(ds dataloader.Dataset) ([]float32, error) {
	var out []float32
	if tg, ok := ds.(dataset.Targeter); ok {
		for i := 0; i < ds.Len(); i++ {
			y, err := tg.Target(i)
			if err != nil {
				return nil, err
			}
			out = append(out, y...)
		}
		return out, nil
	}
	for i := 0; i < ds.Len(); i++ {
		_, y, err := ds.At(i)
		if err != nil {
			return nil, err
		}
		out = append(out, y...)
	}
	return out, nil
}

// Save writes the full model's weights to path as a JSON checkpoint.
func (l *Learner) Save(path string) error {
	c, err := checkpoints.FromModel(l.builder.Model, l.builder.Arch)
	if err != nil {
		return err
	}
	return checkpoints.SaveJSON(path, c)
}

// Load restores the full model's weights from a JSON checkpoint.
func (l *Learner) Load(path string) error {
	c, err := checkpoints.LoadJSON(path)
	if err != nil {
		return err
	}
	return c.ApplyTo(l.builder.Model)
}
