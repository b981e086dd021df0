// Package fcn builds and trains an FCN-8 style road segmentation network on
// top of a VGG16 backbone.
//
// The backbone is imported from a bundle directory (LoadVGG), a decoder of
// transposed convolutions with two skip connections is added on top of it
// (Layers), followed by the per-pixel softmax cross-entropy loss and an Adam
// update (Optimize). TrainNN runs the epoch/batch loop.
package fcn

import (
	"errors"

	"github.com/born-ml/roadseg/internal/kitti"
)

// Bundle layout and backbone tensor names.
const (
	BundleTag     = "vgg16"
	GraphFile     = kitti.BundleGraphFile
	VariablesDir  = kitti.BundleVariablesDir
	VariablesFile = kitti.BundleVariablesFile

	ImageInputName = "image_input"
	KeepProbName   = "keep_prob"
	Layer3Name     = "layer3_out"
	Layer4Name     = "layer4_out"
	Layer7Name     = "layer7_out"
)

// Decoder and loss node names.
const (
	LogitsName = "logits"
	LossName   = "loss"
	TrainName  = "train_op"
)

var (
	// ErrInvalidBundle is returned when a backbone bundle is missing,
	// malformed, or inconsistent with its weights.
	ErrInvalidBundle = errors.New("fcn: invalid backbone bundle")
	// ErrDiverged is returned when a training step yields a non-finite loss.
	ErrDiverged = errors.New("fcn: loss diverged")
)
