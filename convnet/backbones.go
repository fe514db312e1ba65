package convnet

import (
	"fmt"

	"github.com/tsawler/go-transfer/nn"
)

// The built-in backbones are sequential conv stacks in the VGG style plus
// a compact batch-normalized net for tests and small datasets. Each
// constructor returns the full child sequence including a native
// classifier head; the builder truncates at Meta.Cut, so the native head
// exists only to make the architectures usable stand-alone.

func init() {
	Register("vgg11", Architecture{
		New:  newVGG11,
		Meta: Meta{Cut: 21, LRCut: 11},
	})
	Register("vgg16", Architecture{
		New:  newVGG16,
		Meta: Meta{Cut: 31, LRCut: 17},
	})
	Register("tinynet", Architecture{
		New:      newTinyNet,
		Meta:     Meta{Cut: 12, LRCut: 8},
		Features: 128, // 64 channels doubled by the concat pool
	})
}

// convBlock returns conv -> ReLU children.
func convBlock(in, out int) ([]nn.Module, error) {
	conv, err := nn.NewConv2d(in, out, 3, 1, 1, true)
	if err != nil {
		return nil, err
	}
	return []nn.Module{conv, nn.NewReLU()}, nil
}

// vggStack builds conv/ReLU/pool children from per-block conv widths.
func vggStack(blocks [][]int) ([]nn.Module, error) {
	var children []nn.Module
	in := 3
	for _, widths := range blocks {
		for _, out := range widths {
			block, err := convBlock(in, out)
			if err != nil {
				return nil, err
			}
			children = append(children, block...)
			in = out
		}
		children = append(children, nn.NewMaxPool2d(2, 2))
	}
	return children, nil
}

// nativeHead is the stand-alone classifier cut away during transfer
// learning: concat pool, flatten, and a single linear layer over the
// doubled feature width.
func nativeHead(channels, classes int) ([]nn.Module, error) {
	linear, err := nn.NewLinear(2*channels, classes, true)
	if err != nil {
		return nil, err
	}
	return []nn.Module{nn.NewAdaptiveConcatPool2d(), nn.NewFlatten(), linear}, nil
}

func newVGG11() (*nn.Sequential, error) {
	features, err := vggStack([][]int{{64}, {128}, {256, 256}, {512, 512}, {512, 512}})
	if err != nil {
		return nil, fmt.Errorf("vgg11 construction failed: %v", err)
	}
	head, err := nativeHead(512, 1000)
	if err != nil {
		return nil, fmt.Errorf("vgg11 head construction failed: %v", err)
	}
	return nn.NewSequential(append(features, head...)...), nil
}

func newVGG16() (*nn.Sequential, error) {
	features, err := vggStack([][]int{{64, 64}, {128, 128}, {256, 256, 256}, {512, 512, 512}, {512, 512, 512}})
	if err != nil {
		return nil, fmt.Errorf("vgg16 construction failed: %v", err)
	}
	head, err := nativeHead(512, 1000)
	if err != nil {
		return nil, fmt.Errorf("vgg16 head construction failed: %v", err)
	}
	return nn.NewSequential(append(features, head...)...), nil
}

// newTinyNet builds a small batch-normalized conv net. Its feature width
// is registered explicitly because the last feature child is a pooling
// layer, not a conv.
func newTinyNet() (*nn.Sequential, error) {
	var children []nn.Module
	widths := []int{16, 32, 64}
	in := 3
	for _, out := range widths {
		conv, err := nn.NewConv2d(in, out, 3, 1, 1, false)
		if err != nil {
			return nil, fmt.Errorf("tinynet construction failed: %v", err)
		}
		bn, err := nn.NewBatchNorm2d(out)
		if err != nil {
			return nil, fmt.Errorf("tinynet construction failed: %v", err)
		}
		children = append(children, conv, bn, nn.NewReLU(), nn.NewMaxPool2d(2, 2))
		in = out
	}
	head, err := nativeHead(64, 10)
	if err != nil {
		return nil, fmt.Errorf("tinynet head construction failed: %v", err)
	}
	return nn.NewSequential(append(children, head...)...), nil
}
