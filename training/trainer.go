package training

import (
	"fmt"

	"github.com/tsawler/go-transfer/nn"
	"github.com/tsawler/go-transfer/vision/dataloader"
)

// FitConfig holds fit-loop settings. LRs is either one rate for every
// layer group or one rate per group; nil selects 0.01. Verbose prints a
// per-epoch summary line.
type FitConfig struct {
	Epochs      int
	LRs         []float32
	Momentum    float32
	WeightDecay float32
	Verbose     bool
}

// EpochResult is one epoch's training and validation summary.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	Metrics   map[string]float64
}

// Fit trains Model() on TrainData() for the configured epochs. In
// precompute mode the head's sublayers form one parameter group;
// otherwise the groups follow the builder's layer partition, so LRs can
// assign lower rates to earlier backbone groups.
func (l *Learner) Fit(cfg FitConfig) ([]EpochResult, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("invalid epoch count %d", cfg.Epochs)
	}
	if cfg.LRs == nil {
		cfg.LRs = []float32{0.01}
	}

	model := l.Model()
	data := l.TrainData()
	headOnly := l.precompute && l.actData != nil

	groups := GroupsFromModules(l.builder.LayerGroups(headOnly), 0)
	opt := NewSGD(groups, SGDConfig{Momentum: cfg.Momentum, WeightDecay: cfg.WeightDecay})
	if err := opt.SetLRs(cfg.LRs); err != nil {
		return nil, err
	}

	results := make([]EpochResult, 0, cfg.Epochs)
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		trainLoss, err := l.trainEpoch(model, data.TrnLoader, opt)
		if err != nil {
			return results, fmt.Errorf("epoch %d failed: %w", epoch, err)
		}

		valLoss, metricVals, err := l.Evaluate(data.ValLoader)
		if err != nil {
			return results, fmt.Errorf("epoch %d validation failed: %w", epoch, err)
		}

		result := EpochResult{
			Epoch:     epoch,
			TrainLoss: trainLoss,
			ValLoss:   valLoss,
			Metrics:   metricVals,
		}
		results = append(results, result)

		if cfg.Verbose {
			line := fmt.Sprintf("Epoch %d/%d - train loss: %.4f, val loss: %.4f",
				epoch, cfg.Epochs, trainLoss, valLoss)
			for _, m := range l.metrics {
				line += fmt.Sprintf(", %s: %.4f", m.Name, metricVals[m.Name])
			}
			fmt.Println(line)
		}
	}
	return results, nil
}

// trainEpoch runs one pass over the training loader, returning the
// sample-weighted mean loss.
func (l *Learner) trainEpoch(model *nn.Sequential, loader *dataloader.Loader, opt *SGD) (float64, error) {
	model.Train()
	loader.Reset()

	var lossSum float64
	var count int
	for {
		batch, err := loader.NextBatch()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		output, err := model.Forward(batch.X)
		if err != nil {
			return 0, fmt.Errorf("forward failed: %w", err)
		}
		loss, err := l.crit.Forward(output, batch.Y)
		if err != nil {
			return 0, fmt.Errorf("loss failed: %w", err)
		}
		grad, err := l.crit.Backward(output, batch.Y)
		if err != nil {
			return 0, fmt.Errorf("loss gradient failed: %w", err)
		}
		if _, err := model.Backward(grad); err != nil {
			return 0, fmt.Errorf("backward failed: %w", err)
		}
		if err := opt.Step(); err != nil {
			return 0, err
		}
		opt.ZeroGrad()

		lossSum += float64(loss.Float32s()[0]) * float64(batch.Size)
		count += batch.Size
	}
	if count == 0 {
		return 0, fmt.Errorf("empty training pass")
	}
	return lossSum / float64(count), nil
}

// Evaluate runs the current model over a loader in eval mode, returning
// the mean loss and each configured metric.
func (l *Learner) Evaluate(loader *dataloader.Loader) (float64, map[string]float64, error) {
	model := l.Model()
	model.Eval()
	loader.Reset()

	var lossSum float64
	metricSums := make(map[string]float64)
	var count int
	for {
		batch, err := loader.NextBatch()
		if err != nil {
			return 0, nil, err
		}
		if batch == nil {
			break
		}

		output, err := model.Forward(batch.X)
		if err != nil {
			return 0, nil, fmt.Errorf("forward failed: %w", err)
		}
		loss, err := l.crit.Forward(output, batch.Y)
		if err != nil {
			return 0, nil, fmt.Errorf("loss failed: %w", err)
		}
		lossSum += float64(loss.Float32s()[0]) * float64(batch.Size)

		for _, m := range l.metrics {
			v, err := m.Fn(output, batch.Y)
			if err != nil {
				return 0, nil, fmt.Errorf("metric %s failed: %w", m.Name, err)
			}
			metricSums[m.Name] += v * float64(batch.Size)
		}
		count += batch.Size
	}
	if count == 0 {
		return 0, nil, fmt.Errorf("empty evaluation pass")
	}

	metricVals := make(map[string]float64, len(metricSums))
	for name, sum := range metricSums {
		metricVals[name] = sum / float64(count)
	}
	return lossSum / float64(count), metricVals, nil
}
