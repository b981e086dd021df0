package kitti

import (
	"fmt"
	"image"
	"image/color"
	"iter"
	"math/rand"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/roadseg/internal/tensor"
)

// NumClasses is the number of label classes: background and road.
const NumClasses = 2

// BackgroundColor marks non-road pixels in the ground truth images.
var BackgroundColor = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

// Batch is one training batch.
type Batch struct {
	Images *tensor.RawTensor // (Size, H, W, 3), values in [0, 1]
	Labels *tensor.RawTensor // (Size, H, W, NumClasses), one-hot
	Size   int
}

// BatchFunc yields the batches of one epoch. A non-nil error ends the
// sequence.
type BatchFunc func(batchSize int) iter.Seq2[Batch, error]

// BatchOption configures GenBatchFunction.
type BatchOption func(*batchConfig)

type batchConfig struct {
	seed    int64
	workers int
}

// WithSeed seeds the per-epoch shuffle. Zero selects a time-based seed.
func WithSeed(seed int64) BatchOption {
	return func(c *batchConfig) { c.seed = seed }
}

// WithWorkers bounds the number of images decoded concurrently.
func WithWorkers(n int) BatchOption {
	return func(c *batchConfig) { c.workers = n }
}

var gtMarker = regexp.MustCompile(`_(lane|road)_`)

type sample struct {
	image, gt string
}

// GenBatchFunction pairs every image of folder/image_2 with its ground
// truth in folder/gt_image_2 and returns a function producing shuffled,
// resized batches. Ground truth files are matched by dropping the "_road_"
// or "_lane_" marker from their name; when both exist the later one in
// sorted order wins.
func GenBatchFunction(folder string, imageShape [2]int, opts ...BatchOption) (BatchFunc, error) {
	cfg := batchConfig{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}
	if imageShape[0] <= 0 || imageShape[1] <= 0 {
		return nil, fmt.Errorf("kitti: invalid image shape %v", imageShape)
	}

	images, err := globPNG(filepath.Join(folder, ImageDir))
	if err != nil {
		return nil, err
	}
	gts, err := globPNG(filepath.Join(folder, GTDir))
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrDatasetMissing, filepath.Join(folder, ImageDir))
	}
	gtByImage := make(map[string]string, len(gts))
	for _, gt := range gts {
		gtByImage[gtMarker.ReplaceAllString(filepath.Base(gt), "_")] = gt
	}
	samples := make([]sample, len(images))
	for i, img := range images {
		gt, ok := gtByImage[filepath.Base(img)]
		if !ok {
			return nil, fmt.Errorf("%w: no ground truth for %s", ErrDatasetMissing, filepath.Base(img))
		}
		samples[i] = sample{image: img, gt: gt}
	}

	rng := rand.New(rand.NewSource(cfg.seed)) //nolint:gosec // shuffling only
	h, w := imageShape[0], imageShape[1]

	return func(batchSize int) iter.Seq2[Batch, error] {
		return func(yield func(Batch, error) bool) {
			if batchSize <= 0 {
				yield(Batch{}, fmt.Errorf("kitti: batch size must be positive, got %d", batchSize))
				return
			}
			order := rng.Perm(len(samples))
			for start := 0; start < len(order); start += batchSize {
				idx := order[start:min(start+batchSize, len(order))]
				batch, err := loadBatch(samples, idx, h, w, cfg.workers)
				if !yield(batch, err) || err != nil {
					return
				}
			}
		}
	}, nil
}

// loadBatch decodes the samples at idx concurrently into one batch. Each
// worker writes a disjoint slice of the batch tensors.
func loadBatch(samples []sample, idx []int, h, w, workers int) (Batch, error) {
	n := len(idx)
	images := tensor.Zeros(tensor.Shape{n, h, w, 3})
	labels := tensor.Zeros(tensor.Shape{n, h, w, NumClasses})
	imgData, labData := images.AsFloat32(), labels.AsFloat32()

	var eg errgroup.Group
	eg.SetLimit(max(workers, 1))
	for i, j := range idx {
		eg.Go(func() error {
			s := samples[j]
			img, err := loadResized(s.image, h, w, imaging.Linear)
			if err != nil {
				return err
			}
			gt, err := loadResized(s.gt, h, w, imaging.NearestNeighbor)
			if err != nil {
				return err
			}
			fillImage(imgData[i*h*w*3:(i+1)*h*w*3], img)
			fillLabels(labData[i*h*w*NumClasses:(i+1)*h*w*NumClasses], gt)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{Images: images, Labels: labels, Size: n}, nil
}

func loadResized(path string, h, w int, filter imaging.ResampleFilter) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kitti: %w", err)
	}
	return imaging.Resize(img, w, h, filter), nil
}

// fillImage writes the RGB channels of img scaled to [0, 1].
func fillImage(dst []float32, img *image.NRGBA) {
	b := img.Bounds()
	k := 0
	for y := range b.Dy() {
		row := img.Pix[y*img.Stride:]
		for x := range b.Dx() {
			p := row[x*4 : x*4+3]
			dst[k] = float32(p[0]) / 255
			dst[k+1] = float32(p[1]) / 255
			dst[k+2] = float32(p[2]) / 255
			k += 3
		}
	}
}

// fillLabels one-hot encodes gt: background pixels are class 0, every other
// pixel class 1.
func fillLabels(dst []float32, gt *image.NRGBA) {
	b := gt.Bounds()
	k := 0
	for y := range b.Dy() {
		row := gt.Pix[y*gt.Stride:]
		for x := range b.Dx() {
			p := row[x*4 : x*4+3]
			if p[0] == BackgroundColor.R && p[1] == BackgroundColor.G && p[2] == BackgroundColor.B {
				dst[k] = 1
			} else {
				dst[k+1] = 1
			}
			k += NumClasses
		}
	}
}
