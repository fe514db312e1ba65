// Package dataset provides image datasets and the ImageData handle that
// bundles train/validation/test loaders with task metadata.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tsawler/go-transfer/vision/preprocessing"
)

var defaultExtensions = []string{".jpg", ".jpeg", ".png"}

// Folder is a classification dataset loaded from a directory where each
// subdirectory is a class. Samples decode lazily to CHW float32.
type Folder struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int

	processor *preprocessing.ImageProcessor
	sz        int
}

// NewFolder scans root for class subdirectories and builds a dataset of
// sz x sz images. When classNames is non-nil it fixes the class-to-index
// mapping (so validation splits share the training split's indices);
// otherwise classes are the sorted subdirectory names.
func NewFolder(root string, sz int, classNames []string) (*Folder, error) {
	d := &Folder{
		classToIdx: make(map[string]int),
		processor:  preprocessing.NewImageProcessor(sz),
		sz:         sz,
	}

	if classNames != nil {
		d.classNames = append([]string{}, classNames...)
		for i, name := range d.classNames {
			d.classToIdx[name] = i
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("failed to list classes in %s: %w", root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				d.classNames = append(d.classNames, e.Name())
			}
		}
		sort.Strings(d.classNames)
		for i, name := range d.classNames {
			d.classToIdx[name] = i
		}
	}

	for _, className := range d.classNames {
		classIdx := d.classToIdx[className]
		for _, ext := range defaultExtensions {
			files, err := filepath.Glob(filepath.Join(root, className, "*"+ext))
			if err != nil {
				continue
			}
			sort.Strings(files)
			for _, file := range files {
				d.imagePaths = append(d.imagePaths, file)
				d.labels = append(d.labels, classIdx)
			}
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

// Len returns the number of samples.
func (d *Folder) Len() int { return len(d.imagePaths) }

// SampleShape returns the per-sample CHW shape.
func (d *Folder) SampleShape() []int { return []int{3, d.sz, d.sz} }

// TargetWidth is 0: targets are integer class labels.
func (d *Folder) TargetWidth() int { return 0 }

// At decodes sample index and returns its CHW values and class label.
func (d *Folder) At(index int) ([]float32, []float32, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	img, err := d.processor.ProcessFile(d.imagePaths[index])
	if err != nil {
		return nil, nil, err
	}
	return img.Data, []float32{float32(d.labels[index])}, nil
}

// Target returns sample index's class label without decoding the image.
func (d *Folder) Target(index int) ([]float32, error) {
	if index < 0 || index >= len(d.labels) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.labels))
	}
	return []float32{float32(d.labels[index])}, nil
}

// ClassNames returns the class names in index order.
func (d *Folder) ClassNames() []string { return d.classNames }

// NumClasses returns the number of classes.
func (d *Folder) NumClasses() int { return len(d.classNames) }

// ClassDistribution returns per-class sample counts.
func (d *Folder) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}
