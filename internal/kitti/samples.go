package kitti

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"

	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/tensor"
)

// RoadMaskColor is painted over pixels classified as road.
var RoadMaskColor = color.NRGBA{R: 0, G: 255, B: 0, A: 127}

// RoadThreshold is the road probability above which a pixel is painted.
const RoadThreshold = 0.5

// Runner evaluates graph nodes. *graph.Session implements it.
type Runner interface {
	Run(fetches []*graph.Node, feeds graph.Feeds) ([]*tensor.RawTensor, error)
}

// SaveInferenceSamples segments every testing image and writes it, with the
// predicted road painted over, to a new runs/<unix-time> directory. It
// returns that directory.
func SaveInferenceSamples(runsDir, dataDir string, sess Runner, imageShape [2]int, logits, keepProb, input *graph.Node) (string, error) {
	outDir := filepath.Join(runsDir, strconv.FormatInt(time.Now().Unix(), 10))
	if err := os.RemoveAll(outDir); err != nil {
		return "", fmt.Errorf("clear %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil { //nolint:gosec // output directory
		return "", fmt.Errorf("create %s: %w", outDir, err)
	}

	paths, err := globPNG(filepath.Join(dataDir, TestingDir, ImageDir))
	if err != nil {
		return "", err
	}
	h, w := imageShape[0], imageShape[1]
	keep := tensor.Scalar(1)
	for _, path := range paths {
		img, err := loadResized(path, h, w, imaging.Linear)
		if err != nil {
			return "", err
		}
		x := tensor.Zeros(tensor.Shape{1, h, w, 3})
		fillImage(x.AsFloat32(), img)

		out, err := sess.Run([]*graph.Node{logits}, graph.Feeds{input: x, keepProb: keep})
		if err != nil {
			return "", fmt.Errorf("segment %s: %w", filepath.Base(path), err)
		}
		mask, err := roadMask(out[0], h, w)
		if err != nil {
			return "", fmt.Errorf("segment %s: %w", filepath.Base(path), err)
		}
		street := imaging.Overlay(img, mask, image.Point{}, 1)
		if err := imaging.Save(street, filepath.Join(outDir, filepath.Base(path))); err != nil {
			return "", fmt.Errorf("save sample: %w", err)
		}
	}
	return outDir, nil
}

// roadMask turns flattened (H*W, C) logits into an overlay that is
// RoadMaskColor where the softmax road probability exceeds RoadThreshold
// and transparent elsewhere. Class 1 is road.
func roadMask(logits *tensor.RawTensor, h, w int) (*image.NRGBA, error) {
	shape := logits.Shape()
	if len(shape) != 2 || shape[0] != h*w || shape[1] < 2 {
		return nil, fmt.Errorf("logits shape %v, want (%d, >=2)", shape, h*w)
	}
	classes := shape[1]
	values := logits.AsFloat32()
	mask := image.NewNRGBA(image.Rect(0, 0, w, h))
	for p := range h * w {
		row := values[p*classes : (p+1)*classes]
		maxV := row[0]
		for _, v := range row[1:] {
			maxV = max(maxV, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxV))
		}
		if math.Exp(float64(row[1]-maxV))/sum > RoadThreshold {
			mask.SetNRGBA(p%w, p/w, RoadMaskColor)
		}
	}
	return mask, nil
}
