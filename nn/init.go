package nn

import (
	"math"
	"math/rand"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// KaimingNormal reinitializes the weights of every Linear and Conv2d module
// in m with He-normal values (std = sqrt(2 / fan_in)) and zeroes their
// biases. Classifier heads are initialized this way before training.
func KaimingNormal(m Module) {
	switch layer := m.(type) {
	case *Sequential:
		for _, child := range layer.Children() {
			KaimingNormal(child)
		}
	case *Linear:
		fanIn := layer.InFeatures()
		std := math.Sqrt(2.0 / float64(fanIn))
		fillNormal(layer.weight.Data.Data.([]float32), std)
		if layer.bias != nil {
			zeroFill(layer.bias.Data.Data.([]float32))
		}
	case *Conv2d:
		fanIn := layer.inChannels * layer.kernelSize * layer.kernelSize
		std := math.Sqrt(2.0 / float64(fanIn))
		fillNormal(layer.weight.Data.Data.([]float32), std)
		if layer.bias != nil {
			zeroFill(layer.bias.Data.Data.([]float32))
		}
	}
}

func fillNormal(data []float32, std float64) {
	for i := range data {
		data[i] = float32(globalRng.NormFloat64() * std)
	}
}

func zeroFill(data []float32) {
	for i := range data {
		data[i] = 0
	}
}
