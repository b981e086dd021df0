// Package kitti reads the KITTI road dataset, renders inference samples and
// fetches the backbone bundle.
//
// Expected layout under the data directory:
//
//	data_road/training/image_2/*.png      camera images
//	data_road/training/gt_image_2/*.png   ground truth, e.g. um_road_000000.png
//	data_road/testing/image_2/*.png       images for inference samples
//	vgg/                                  backbone bundle
package kitti

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Dataset directories relative to the data directory.
const (
	TrainingDir = "data_road/training"
	TestingDir  = "data_road/testing"
	ImageDir    = "image_2"
	GTDir       = "gt_image_2"
)

// ErrDatasetMissing is returned when required dataset files are absent.
var ErrDatasetMissing = errors.New("kitti: dataset missing")

// CheckDataset verifies that the training images, their ground truth and
// the testing images are present under dataDir.
func CheckDataset(dataDir string) error {
	for _, dir := range []string{
		filepath.Join(dataDir, TrainingDir, ImageDir),
		filepath.Join(dataDir, TrainingDir, GTDir),
		filepath.Join(dataDir, TestingDir, ImageDir),
	} {
		fi, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDatasetMissing, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrDatasetMissing, dir)
		}
	}
	for _, dir := range []string{
		filepath.Join(dataDir, TrainingDir, ImageDir),
		filepath.Join(dataDir, TrainingDir, GTDir),
	} {
		pngs, err := globPNG(dir)
		if err != nil {
			return err
		}
		if len(pngs) == 0 {
			return fmt.Errorf("%w: no images in %s", ErrDatasetMissing, dir)
		}
	}
	return nil
}

// globPNG returns the sorted PNG files of dir.
func globPNG(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}
	return paths, nil
}
