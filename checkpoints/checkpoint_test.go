package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/tsawler/go-transfer/nn"
)

func buildModel(t *testing.T) *nn.Sequential {
	t.Helper()
	linear, err := nn.NewLinear(4, 3, true)
	if err != nil {
		t.Fatalf("Failed to create linear: %v", err)
	}
	bn, err := nn.NewBatchNorm1d(3)
	if err != nil {
		t.Fatalf("Failed to create batch norm: %v", err)
	}
	return nn.NewSequential(linear, bn, nn.NewReLU())
}

func modelWeights(m *nn.Sequential) []float32 {
	var out []float32
	for _, child := range m.Children() {
		for _, p := range child.Parameters() {
			out = append(out, p.Data.Float32s()...)
		}
	}
	return out
}

func TestFromModel(t *testing.T) {
	model := buildModel(t)
	c, err := FromModel(model, "testnet")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	if c.Arch != "testnet" {
		t.Errorf("Expected arch testnet, got %s", c.Arch)
	}
	// linear weight+bias, bn weight+bias, bn running mean+var
	if len(c.Weights) != 6 {
		t.Fatalf("Expected 6 weight tensors, got %d", len(c.Weights))
	}

	byName := make(map[string]WeightTensor)
	for _, w := range c.Weights {
		byName[w.Name] = w
	}
	for _, name := range []string{"0.weight", "0.bias", "1.weight", "1.bias", "1.running_mean", "1.running_var"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("Missing weight %s", name)
		}
	}
	if byName["1.running_var"].Data[0] != 1 {
		t.Errorf("Expected initial running variance 1, got %f", byName["1.running_var"].Data[0])
	}
}

func TestJSONRoundTrip(t *testing.T) {
	nn.SetRandomSeed(7)
	source := buildModel(t)
	path := filepath.Join(t.TempDir(), "model.json")

	c, err := FromModel(source, "testnet")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}
	if err := SaveJSON(path, c); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}

	loaded, err := LoadJSON(path)
	if err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}
	if loaded.Arch != "testnet" {
		t.Errorf("Expected arch testnet, got %s", loaded.Arch)
	}

	nn.SetRandomSeed(99)
	target := buildModel(t)
	if err := loaded.ApplyTo(target); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}

	src := modelWeights(source)
	dst := modelWeights(target)
	for i := range src {
		if src[i] != dst[i] {
			t.Fatalf("Weight %d differs after restore: %f vs %f", i, src[i], dst[i])
		}
	}
}

func TestApplyToMismatch(t *testing.T) {
	source := buildModel(t)
	c, err := FromModel(source, "testnet")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	t.Run("Different layout", func(t *testing.T) {
		linear, err := nn.NewLinear(4, 3, true)
		if err != nil {
			t.Fatalf("Failed to create linear: %v", err)
		}
		other := nn.NewSequential(nn.NewReLU(), linear)
		if err := c.ApplyTo(other); err == nil {
			t.Error("Expected error applying to a different layout")
		}
	})

	t.Run("Different shape", func(t *testing.T) {
		linear, err := nn.NewLinear(5, 3, true)
		if err != nil {
			t.Fatalf("Failed to create linear: %v", err)
		}
		bn, err := nn.NewBatchNorm1d(3)
		if err != nil {
			t.Fatalf("Failed to create batch norm: %v", err)
		}
		other := nn.NewSequential(linear, bn, nn.NewReLU())
		if err := c.ApplyTo(other); err == nil {
			t.Error("Expected error applying mismatched shapes")
		}
	})
}

func TestONNXRoundTrip(t *testing.T) {
	nn.SetRandomSeed(7)
	source := buildModel(t)
	path := filepath.Join(t.TempDir(), "model.onnx")

	c, err := FromModel(source, "testnet")
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}
	if err := SaveONNX(path, c); err != nil {
		t.Fatalf("SaveONNX failed: %v", err)
	}

	loaded, err := LoadONNX(path)
	if err != nil {
		t.Fatalf("LoadONNX failed: %v", err)
	}
	if loaded.Arch != "testnet" {
		t.Errorf("Expected arch testnet, got %s", loaded.Arch)
	}
	if len(loaded.Weights) != len(c.Weights) {
		t.Fatalf("Expected %d weights, got %d", len(c.Weights), len(loaded.Weights))
	}

	for i, w := range c.Weights {
		got := loaded.Weights[i]
		if got.Name != w.Name || got.Layer != w.Layer {
			t.Errorf("Weight %d: expected %s/%s, got %s/%s", i, w.Name, w.Layer, got.Name, got.Layer)
		}
		if len(got.Shape) != len(w.Shape) || len(got.Data) != len(w.Data) {
			t.Fatalf("Weight %s: size mismatch after round trip", w.Name)
		}
		for j := range w.Data {
			if got.Data[j] != w.Data[j] {
				t.Fatalf("Weight %s value %d differs: %f vs %f", w.Name, j, w.Data[j], got.Data[j])
			}
		}
	}

	nn.SetRandomSeed(99)
	target := buildModel(t)
	if err := loaded.ApplyTo(target); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}
	src := modelWeights(source)
	dst := modelWeights(target)
	for i := range src {
		if src[i] != dst[i] {
			t.Fatalf("Weight %d differs after ONNX restore: %f vs %f", i, src[i], dst[i])
		}
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadJSON(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Expected error for missing JSON checkpoint")
	}
	if _, err := LoadONNX(filepath.Join(dir, "missing.onnx")); err == nil {
		t.Error("Expected error for missing ONNX file")
	}
}
