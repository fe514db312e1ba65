package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-transfer/vision/dataloader"
)

// Targeter reads a sample's target without loading its input. Both
// Folder and Arrays implement it; callers that only need labels can
// type-assert a Dataset to avoid decoding images.
type Targeter interface {
	Target(index int) ([]float32, error)
}

// ImageData bundles the train/validation/optional-test datasets of one
// task with their loaders and metadata. The training loader shuffles;
// the others do not.
type ImageData struct {
	Path    string // dataset root
	TmpPath string // scratch directory for activation caches
	Sz      int    // image (or feature-row) size
	Bs      int    // batch size
	Classes []string
	IsMulti bool
	IsReg   bool

	Trn  dataloader.Dataset
	Val  dataloader.Dataset
	Test dataloader.Dataset // nil when absent

	TrnLoader  *dataloader.Loader
	ValLoader  *dataloader.Loader
	TestLoader *dataloader.Loader
}

// C returns the output width of the task: the class count for
// classification, the target vector width otherwise.
func (d *ImageData) C() int {
	if d.IsMulti || d.IsReg {
		return d.Trn.TargetWidth()
	}
	return len(d.Classes)
}

// FolderConfig holds FromFolder settings. Zero values select train/
// valid subdirectories, no test split, batch size 64.
type FolderConfig struct {
	Sz       int
	Bs       int
	TrainDir string
	ValDir   string
	TestDir  string
}

// FromFolder builds classification ImageData from a root directory with
// one subdirectory per split, each holding one subdirectory per class.
// Class indices come from the training split and are shared by the
// other splits.
func FromFolder(root string, cfg FolderConfig) (*ImageData, error) {
	if cfg.Sz <= 0 {
		return nil, fmt.Errorf("invalid image size %d", cfg.Sz)
	}
	if cfg.Bs <= 0 {
		cfg.Bs = 64
	}
	if cfg.TrainDir == "" {
		cfg.TrainDir = "train"
	}
	if cfg.ValDir == "" {
		cfg.ValDir = "valid"
	}

	trn, err := NewFolder(filepath.Join(root, cfg.TrainDir), cfg.Sz, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load training split: %w", err)
	}
	val, err := NewFolder(filepath.Join(root, cfg.ValDir), cfg.Sz, trn.ClassNames())
	if err != nil {
		return nil, fmt.Errorf("failed to load validation split: %w", err)
	}

	d := &ImageData{
		Path:    root,
		TmpPath: filepath.Join(root, "tmp"),
		Sz:      cfg.Sz,
		Bs:      cfg.Bs,
		Classes: trn.ClassNames(),
		Trn:     trn,
		Val:     val,
	}

	if cfg.TestDir != "" {
		test, err := NewFolder(filepath.Join(root, cfg.TestDir), cfg.Sz, trn.ClassNames())
		if err != nil {
			return nil, fmt.Errorf("failed to load test split: %w", err)
		}
		d.Test = test
	}

	d.buildLoaders()
	return d, nil
}

// FromArrays builds ImageData over in-memory datasets. It backs
// precompute mode and array-based tasks (multi-label, regression). test
// may be nil.
func FromArrays(path string, trn, val, test dataloader.Dataset, classes []string, sz, bs int, isMulti, isReg bool) (*ImageData, error) {
	if trn == nil || val == nil {
		return nil, fmt.Errorf("train and validation datasets are required")
	}
	if bs <= 0 {
		bs = 64
	}

	d := &ImageData{
		Path:    path,
		TmpPath: filepath.Join(path, "tmp"),
		Sz:      sz,
		Bs:      bs,
		Classes: classes,
		IsMulti: isMulti,
		IsReg:   isReg,
		Trn:     trn,
		Val:     val,
		Test:    test,
	}
	d.buildLoaders()
	return d, nil
}

func (d *ImageData) buildLoaders() {
	d.TrnLoader = dataloader.NewLoader(d.Trn, dataloader.Config{BatchSize: d.Bs, Shuffle: true})
	d.ValLoader = dataloader.NewLoader(d.Val, dataloader.Config{BatchSize: d.Bs})
	if d.Test != nil {
		d.TestLoader = dataloader.NewLoader(d.Test, dataloader.Config{BatchSize: d.Bs})
	}
}
