package nn

import (
	"math"
	"testing"

	"github.com/tsawler/go-transfer/tensor"
)

func TestLinear(t *testing.T) {
	t.Run("Forward shape", func(t *testing.T) {
		linear, err := NewLinear(4, 3, true)
		if err != nil {
			t.Fatalf("Failed to create linear layer: %v", err)
		}

		input, _ := tensor.NewTensor([]int{2, 4}, tensor.Float32, make([]float32, 8))
		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !tensor.ShapesEqual(output.Shape, []int{2, 3}) {
			t.Errorf("Expected shape [2 3], got %v", output.Shape)
		}
	})

	t.Run("Forward computation", func(t *testing.T) {
		linear, _ := NewLinear(2, 1, true)
		linear.weight.Data.Data = []float32{2, 3}
		linear.bias.Data.Data = []float32{1}

		input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 1})
		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		// 1*2 + 1*3 + 1 = 6
		if got := output.Data.([]float32)[0]; got != 6 {
			t.Errorf("Expected 6, got %f", got)
		}
	})

	t.Run("Backward gradients", func(t *testing.T) {
		linear, _ := NewLinear(2, 1, true)
		linear.weight.Data.Data = []float32{2, 3}
		linear.bias.Data.Data = []float32{0}

		input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{4, 5})
		if _, err := linear.Forward(input); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		gradOut, _ := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{1})
		gradIn, err := linear.Backward(gradOut)
		if err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		// dX = dY . W^T = [2, 3]
		gradInData := gradIn.Data.([]float32)
		if gradInData[0] != 2 || gradInData[1] != 3 {
			t.Errorf("Expected input gradient [2 3], got %v", gradInData)
		}

		// dW = x^T . dY = [4, 5]
		gradW := linear.weight.Grad.Data.([]float32)
		if gradW[0] != 4 || gradW[1] != 5 {
			t.Errorf("Expected weight gradient [4 5], got %v", gradW)
		}

		// db = 1
		if gradB := linear.bias.Grad.Data.([]float32); gradB[0] != 1 {
			t.Errorf("Expected bias gradient 1, got %f", gradB[0])
		}
	})

	t.Run("Frozen parameters get no gradient", func(t *testing.T) {
		linear, _ := NewLinear(2, 2, true)
		SetFrozen(linear, true)

		input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 2})
		if _, err := linear.Forward(input); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		gradOut, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 1})
		if _, err := linear.Backward(gradOut); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		if linear.weight.Grad != nil {
			t.Error("Frozen weight accumulated a gradient")
		}
	})
}

func TestConv2d(t *testing.T) {
	t.Run("Output shape", func(t *testing.T) {
		conv, err := NewConv2d(3, 8, 3, 1, 1, true)
		if err != nil {
			t.Fatalf("Failed to create conv layer: %v", err)
		}

		input, _ := tensor.Zeros([]int{2, 3, 8, 8}, tensor.Float32)
		output, err := conv.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !tensor.ShapesEqual(output.Shape, []int{2, 8, 8, 8}) {
			t.Errorf("Expected shape [2 8 8 8], got %v", output.Shape)
		}
	})

	t.Run("Identity kernel", func(t *testing.T) {
		conv, _ := NewConv2d(1, 1, 1, 1, 0, false)
		conv.weight.Data.Data = []float32{2}

		input, _ := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
		output, err := conv.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		expected := []float32{2, 4, 6, 8}
		for i, v := range output.Data.([]float32) {
			if v != expected[i] {
				t.Errorf("Output[%d]: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Backward shapes", func(t *testing.T) {
		conv, _ := NewConv2d(2, 4, 3, 1, 1, true)
		input, _ := tensor.Zeros([]int{1, 2, 6, 6}, tensor.Float32)
		output, err := conv.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		gradOut, _ := tensor.Ones(output.Shape, tensor.Float32)
		gradIn, err := conv.Backward(gradOut)
		if err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if !tensor.ShapesEqual(gradIn.Shape, input.Shape) {
			t.Errorf("Expected input gradient shape %v, got %v", input.Shape, gradIn.Shape)
		}
		if conv.weight.Grad == nil || conv.bias.Grad == nil {
			t.Error("Expected weight and bias gradients")
		}
	})
}

func TestMaxPool2d(t *testing.T) {
	pool := NewMaxPool2d(2, 2)

	input, _ := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.Float32, []float32{1, 5, 3, 2})
	output, err := pool.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got := output.Data.([]float32)[0]; got != 5 {
		t.Errorf("Expected max 5, got %f", got)
	}

	gradOut, _ := tensor.NewTensor([]int{1, 1, 1, 1}, tensor.Float32, []float32{1})
	gradIn, err := pool.Backward(gradOut)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	expected := []float32{0, 1, 0, 0}
	for i, v := range gradIn.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("GradIn[%d]: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestBatchNorm(t *testing.T) {
	t.Run("Training normalizes batch", func(t *testing.T) {
		bn, err := NewBatchNorm1d(2)
		if err != nil {
			t.Fatalf("Failed to create batch norm: %v", err)
		}

		input, _ := tensor.NewTensor([]int{4, 2}, tensor.Float32, []float32{
			1, 10, 2, 20, 3, 30, 4, 40,
		})
		output, err := bn.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		// Each feature column should be zero-mean after normalization
		data := output.Data.([]float32)
		for f := 0; f < 2; f++ {
			var sum float32
			for i := 0; i < 4; i++ {
				sum += data[i*2+f]
			}
			if math.Abs(float64(sum)) > 1e-4 {
				t.Errorf("Feature %d not zero-mean: sum %f", f, sum)
			}
		}
	})

	t.Run("Eval uses running stats", func(t *testing.T) {
		bn, _ := NewBatchNorm1d(1)
		bn.SetRunningStats([]float32{2}, []float32{4})
		bn.Eval()

		input, _ := tensor.NewTensor([]int{1, 1}, tensor.Float32, []float32{4})
		output, err := bn.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		// (4 - 2) / sqrt(4 + eps) ~= 1
		if got := output.Data.([]float32)[0]; math.Abs(float64(got-1)) > 1e-3 {
			t.Errorf("Expected ~1, got %f", got)
		}
	})

	t.Run("Feature dimension mismatch", func(t *testing.T) {
		bn, _ := NewBatchNorm1d(3)
		input, _ := tensor.Zeros([]int{2, 2}, tensor.Float32)
		if _, err := bn.Forward(input); err == nil {
			t.Error("Expected error for feature mismatch")
		}
	})
}

func TestLogSoftmax(t *testing.T) {
	ls := NewLogSoftmax()
	input, _ := tensor.NewTensor([]int{1, 3}, tensor.Float32, []float32{1, 2, 3})

	output, err := ls.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// exp(log-probs) must sum to 1
	var sum float64
	for _, v := range output.Data.([]float32) {
		sum += math.Exp(float64(v))
	}
	if math.Abs(sum-1.0) > 1e-5 {
		t.Errorf("Expected probabilities summing to 1, got %f", sum)
	}
}

func TestSigmoid(t *testing.T) {
	s := NewSigmoid()
	input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{0, 100})

	output, err := s.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	data := output.Data.([]float32)
	if math.Abs(float64(data[0]-0.5)) > 1e-6 {
		t.Errorf("Expected sigmoid(0)=0.5, got %f", data[0])
	}
	if math.Abs(float64(data[1]-1.0)) > 1e-6 {
		t.Errorf("Expected sigmoid(100)~=1, got %f", data[1])
	}
}

func TestDropout(t *testing.T) {
	t.Run("Eval mode is identity", func(t *testing.T) {
		d := NewDropout(0.5)
		d.Eval()

		input, _ := tensor.NewTensor([]int{1, 4}, tensor.Float32, []float32{1, 2, 3, 4})
		output, err := d.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		for i, v := range output.Data.([]float32) {
			if v != input.Data.([]float32)[i] {
				t.Error("Eval-mode dropout changed values")
			}
		}
	})

	t.Run("Training drops some values", func(t *testing.T) {
		SetRandomSeed(42)
		d := NewDropout(0.5)

		input, _ := tensor.Ones([]int{1, 1000}, tensor.Float32)
		output, err := d.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		zeros := 0
		for _, v := range output.Data.([]float32) {
			if v == 0 {
				zeros++
			}
		}
		if zeros < 300 || zeros > 700 {
			t.Errorf("Expected ~500 dropped values, got %d", zeros)
		}
	})
}

func TestAdaptiveConcatPool2d(t *testing.T) {
	pool := NewAdaptiveConcatPool2d()

	input, _ := tensor.NewTensor([]int{1, 2, 2, 2}, tensor.Float32, []float32{
		1, 2, 3, 4, // channel 0
		5, 6, 7, 8, // channel 1
	})
	output, err := pool.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !tensor.ShapesEqual(output.Shape, []int{1, 4, 1, 1}) {
		t.Fatalf("Expected shape [1 4 1 1], got %v", output.Shape)
	}

	// [max(c0), max(c1), avg(c0), avg(c1)]
	expected := []float32{4, 8, 2.5, 6.5}
	for i, v := range output.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("Output[%d]: expected %f, got %f", i, expected[i], v)
		}
	}
}

func TestSequential(t *testing.T) {
	linear1, _ := NewLinear(4, 8, true)
	linear2, _ := NewLinear(8, 2, true)
	seq := NewSequential(linear1, NewReLU(), linear2)

	t.Run("Forward chains modules", func(t *testing.T) {
		input, _ := tensor.Zeros([]int{3, 4}, tensor.Float32)
		output, err := seq.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !tensor.ShapesEqual(output.Shape, []int{3, 2}) {
			t.Errorf("Expected shape [3 2], got %v", output.Shape)
		}
	})

	t.Run("Parameters collects all modules", func(t *testing.T) {
		if got := len(seq.Parameters()); got != 4 {
			t.Errorf("Expected 4 parameters, got %d", got)
		}
	})

	t.Run("Backward produces input gradient", func(t *testing.T) {
		input, _ := tensor.Zeros([]int{3, 4}, tensor.Float32)
		if _, err := seq.Forward(input); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		gradOut, _ := tensor.Ones([]int{3, 2}, tensor.Float32)
		gradIn, err := seq.Backward(gradOut)
		if err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if !tensor.ShapesEqual(gradIn.Shape, []int{3, 4}) {
			t.Errorf("Expected gradient shape [3 4], got %v", gradIn.Shape)
		}
	})
}
