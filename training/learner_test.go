package training

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-transfer/carray"
	"github.com/tsawler/go-transfer/nn"
	"github.com/tsawler/go-transfer/vision/dataset"
)

// arrayImageData builds a small in-memory image task: 6 train and 4
// validation samples of shape [3, 16, 16].
func arrayImageData(t *testing.T, isMulti, isReg bool) *dataset.ImageData {
	t.Helper()

	sampleShape := []int{3, 16, 16}
	sampleSize := 3 * 16 * 16
	build := func(n int) ([]float32, []float32) {
		x := make([]float32, n*sampleSize)
		for i := range x {
			x[i] = float32(i%17) / 17
		}
		var y []float32
		for i := 0; i < n; i++ {
			switch {
			case isMulti:
				y = append(y, float32(i%2), float32((i+1)%2))
			case isReg:
				y = append(y, float32(i)/10)
			default:
				y = append(y, float32(i%2))
			}
		}
		return x, y
	}

	targetWidth := 0
	if isMulti {
		targetWidth = 2
	} else if isReg {
		targetWidth = 1
	}

	trnX, trnY := build(6)
	trn, err := dataset.NewArrays(trnX, sampleShape, trnY, targetWidth)
	if err != nil {
		t.Fatalf("Failed to build train arrays: %v", err)
	}
	valX, valY := build(4)
	val, err := dataset.NewArrays(valX, sampleShape, valY, targetWidth)
	if err != nil {
		t.Fatalf("Failed to build validation arrays: %v", err)
	}

	var classes []string
	if !isReg {
		classes = []string{"a", "b"}
	}
	data, err := dataset.FromArrays(t.TempDir(), trn, val, nil, classes, 16, 2, isMulti, isReg)
	if err != nil {
		t.Fatalf("FromArrays failed: %v", err)
	}
	return data
}

func smallLearner(t *testing.T, data *dataset.ImageData, precompute bool) *Learner {
	t.Helper()
	nn.SetRandomSeed(3)
	l, err := Pretrained("tinynet", data, LearnerConfig{
		XtraFC:     []int{8},
		Precompute: precompute,
	})
	if err != nil {
		t.Fatalf("Pretrained failed: %v", err)
	}
	return l
}

func TestLossSelection(t *testing.T) {
	t.Run("Classification", func(t *testing.T) {
		l := smallLearner(t, arrayImageData(t, false, false), false)
		if _, ok := l.Crit().(*NLLLoss); !ok {
			t.Errorf("Expected NLLLoss, got %T", l.Crit())
		}
		if len(l.Metrics()) != 1 || l.Metrics()[0].Name != "accuracy" {
			t.Errorf("Expected accuracy metric, got %v", l.Metrics())
		}
	})

	t.Run("Multi-label", func(t *testing.T) {
		l := smallLearner(t, arrayImageData(t, true, false), false)
		if _, ok := l.Crit().(*BCELoss); !ok {
			t.Errorf("Expected BCELoss, got %T", l.Crit())
		}
		if len(l.Metrics()) != 1 || l.Metrics()[0].Name != "accuracy_multi" {
			t.Errorf("Expected multi-label accuracy metric, got %v", l.Metrics())
		}
	})

	t.Run("Regression", func(t *testing.T) {
		l := smallLearner(t, arrayImageData(t, false, true), false)
		if _, ok := l.Crit().(*L1Loss); !ok {
			t.Errorf("Expected L1Loss, got %T", l.Crit())
		}
		if len(l.Metrics()) != 0 {
			t.Errorf("Expected no default metrics, got %v", l.Metrics())
		}
	})
}

func TestFreezeState(t *testing.T) {
	l := smallLearner(t, arrayImageData(t, false, false), false)
	groups := l.Builder().LayerGroups(false)

	frozen := func(group []nn.Module) (all, any bool) {
		all = true
		for _, m := range group {
			for _, p := range m.Parameters() {
				if p.Frozen {
					any = true
				} else {
					all = false
				}
			}
		}
		return all, any
	}

	t.Run("Pretrained freezes the backbone", func(t *testing.T) {
		for i := 0; i < len(groups)-1; i++ {
			if all, _ := frozen(groups[i]); !all {
				t.Errorf("Expected group %d fully frozen", i)
			}
		}
		if _, any := frozen(groups[len(groups)-1]); any {
			t.Error("Expected head unfrozen")
		}
	})

	t.Run("Unfreeze clears everything", func(t *testing.T) {
		l.Unfreeze()
		for i := range groups {
			if _, any := frozen(groups[i]); any {
				t.Errorf("Expected group %d unfrozen", i)
			}
		}
	})

	t.Run("FreezeTo freezes a prefix", func(t *testing.T) {
		l.FreezeTo(1)
		if all, _ := frozen(groups[0]); !all {
			t.Error("Expected group 0 frozen")
		}
		if _, any := frozen(groups[1]); any {
			t.Error("Expected group 1 unfrozen")
		}
	})
}

func TestPrecomputeToggle(t *testing.T) {
	data := arrayImageData(t, false, false)
	l := smallLearner(t, data, false)

	fullModel := l.Builder().Model
	fullLen := fullModel.Len()
	firstParam := fullModel.Children()[0].Parameters()[0]
	snapshot := append([]float32{}, firstParam.Data.Float32s()...)

	if l.Model() != fullModel {
		t.Fatal("Expected full model before precompute")
	}
	if l.TrainData() != data {
		t.Fatal("Expected original data before precompute")
	}

	if err := l.SetPrecompute(true); err != nil {
		t.Fatalf("SetPrecompute failed: %v", err)
	}
	if l.Model() != l.Builder().FCModel {
		t.Error("Expected head model in precompute mode")
	}
	act := l.TrainData()
	if act == data {
		t.Error("Expected cached-activation data in precompute mode")
	}
	nf := l.Builder().NumFeatures()
	if shape := act.Trn.SampleShape(); len(shape) != 1 || shape[0] != nf {
		t.Errorf("Expected feature rows of width %d, got shape %v", nf, shape)
	}
	if act.Trn.Len() != data.Trn.Len() || act.Val.Len() != data.Val.Len() {
		t.Error("Cached partitions have wrong sample counts")
	}

	if err := l.SetPrecompute(false); err != nil {
		t.Fatalf("SetPrecompute failed: %v", err)
	}
	if l.Model() != fullModel || l.TrainData() != data {
		t.Error("Expected full model and original data after disabling precompute")
	}

	// the underlying full model is untouched by the toggling
	if fullModel.Len() != fullLen {
		t.Error("Full model layout changed")
	}
	for i, v := range firstParam.Data.Float32s() {
		if v != snapshot[i] {
			t.Fatal("Full model weights changed")
		}
	}
}

func TestActivationCacheReuse(t *testing.T) {
	data := arrayImageData(t, false, false)
	l := smallLearner(t, data, true)

	cachePath := filepath.Join(data.TmpPath, "x_act_tinynet_0_16.ca")
	arr, err := carray.Open(cachePath)
	if err != nil {
		t.Fatalf("Expected cache at %s: %v", cachePath, err)
	}
	if arr.Rows() != 6 || arr.Dim() != l.Builder().NumFeatures() {
		t.Errorf("Cache is %dx%d, expected 6x%d", arr.Rows(), arr.Dim(), l.Builder().NumFeatures())
	}

	headerPath := filepath.Join(cachePath, "meta.json")
	before, err := os.Stat(headerPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := l.ComputeActivations(false); err != nil {
		t.Fatalf("ComputeActivations failed: %v", err)
	}
	after, err := os.Stat(headerPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("Cache was rewritten without force")
	}

	t.Run("Force recomputes", func(t *testing.T) {
		time.Sleep(20 * time.Millisecond)
		if err := l.ComputeActivations(true); err != nil {
			t.Fatalf("ComputeActivations failed: %v", err)
		}
		forced, err := os.Stat(headerPath)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if forced.ModTime().Equal(before.ModTime()) {
			t.Error("Expected cache rewrite with force")
		}
	})

	t.Run("Validation cache exists", func(t *testing.T) {
		valPath := filepath.Join(data.TmpPath, "x_act_val_tinynet_0_16.ca")
		arr, err := carray.Open(valPath)
		if err != nil {
			t.Fatalf("Expected validation cache: %v", err)
		}
		if arr.Rows() != 4 {
			t.Errorf("Expected 4 validation rows, got %d", arr.Rows())
		}
	})
}

func TestFitPrecompute(t *testing.T) {
	l := smallLearner(t, arrayImageData(t, false, false), true)

	results, err := l.Fit(FitConfig{Epochs: 2, LRs: []float32{0.01}})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 epoch results, got %d", len(results))
	}
	for _, r := range results {
		if math.IsNaN(r.TrainLoss) || math.IsInf(r.TrainLoss, 0) {
			t.Errorf("Epoch %d train loss is not finite: %f", r.Epoch, r.TrainLoss)
		}
		if math.IsNaN(r.ValLoss) || math.IsInf(r.ValLoss, 0) {
			t.Errorf("Epoch %d val loss is not finite: %f", r.Epoch, r.ValLoss)
		}
		if _, ok := r.Metrics["accuracy"]; !ok {
			t.Errorf("Epoch %d is missing the accuracy metric", r.Epoch)
		}
	}
}

func TestFitFullModel(t *testing.T) {
	l := smallLearner(t, arrayImageData(t, false, false), false)
	l.Unfreeze()

	results, err := l.Fit(FitConfig{Epochs: 1, LRs: []float32{0.001, 0.005, 0.01}})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 epoch result, got %d", len(results))
	}

	t.Run("LR count must match groups", func(t *testing.T) {
		if _, err := l.Fit(FitConfig{Epochs: 1, LRs: []float32{0.1, 0.2}}); err == nil {
			t.Error("Expected error for 2 rates over 3 groups")
		}
	})
}

func TestSaveLoad(t *testing.T) {
	l := smallLearner(t, arrayImageData(t, false, false), false)
	path := filepath.Join(t.TempDir(), "learner.json")

	param := l.Builder().Model.Children()[0].Parameters()[0]
	original := append([]float32{}, param.Data.Float32s()...)

	if err := l.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	param.Data.Float32s()[0] += 10
	if err := l.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for i, v := range param.Data.Float32s() {
		if v != original[i] {
			t.Fatalf("Weight %d not restored: %f vs %f", i, v, original[i])
		}
	}
}

func TestSetData(t *testing.T) {
	l := smallLearner(t, arrayImageData(t, false, false), false)
	l.Unfreeze()

	replacement := arrayImageData(t, false, false)
	if err := l.SetData(replacement); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	if l.TrainData() != replacement {
		t.Error("Expected replacement data")
	}

	// SetData refreezes the backbone
	groups := l.Builder().LayerGroups(false)
	for _, p := range groups[0][0].Parameters() {
		if !p.Frozen {
			t.Error("Expected backbone refrozen after SetData")
		}
	}
}
