package fcn

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/roadseg/internal/events"
	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/kitti"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Training constants fed on every update.
const (
	TrainKeepProb     = 0.5
	TrainLearningRate = 1e-4
)

// Runner evaluates graph nodes. *graph.Session implements it.
type Runner interface {
	Run(fetches []*graph.Node, feeds graph.Feeds) ([]*tensor.RawTensor, error)
}

// ScalarWriter records per-epoch summaries. *events.Writer implements it.
type ScalarWriter interface {
	WriteScalar(tag string, step int64, value float64) error
}

// TrainOption configures TrainNN.
type TrainOption func(*trainConfig)

type trainConfig struct {
	logger       *zap.SugaredLogger
	events       ScalarWriter
	keepProb     float32
	learningRate float32
}

// WithLogger sets the logger receiving the per-epoch loss lines.
func WithLogger(logger *zap.SugaredLogger) TrainOption {
	return func(c *trainConfig) { c.logger = logger }
}

// WithEvents records each epoch loss to w.
func WithEvents(w ScalarWriter) TrainOption {
	return func(c *trainConfig) { c.events = w }
}

// WithHyperparameters overrides the keep probability and learning rate.
func WithHyperparameters(keepProb, learningRate float32) TrainOption {
	return func(c *trainConfig) {
		c.keepProb = keepProb
		c.learningRate = learningRate
	}
}

// TrainNN trains for epochs sequential epochs. Each epoch calls getBatches
// once and runs one update per batch; the epoch loss is the batch-size
// weighted mean of the batch losses. One line "Loss at epoch <i>: <loss>"
// is logged per epoch and the epoch losses are returned.
func TrainNN(
	ctx context.Context,
	sess Runner,
	epochs, batchSize int,
	getBatches kitti.BatchFunc,
	trainOp, loss, inputImage, correctLabel, keepProb, learningRate *graph.Node,
	opts ...TrainOption,
) ([]float64, error) {
	cfg := trainConfig{
		logger:       zap.NewNop().Sugar(),
		keepProb:     TrainKeepProb,
		learningRate: TrainLearningRate,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	keep, lr := tensor.Scalar(cfg.keepProb), tensor.Scalar(cfg.learningRate)
	fetches := []*graph.Node{trainOp, loss}
	epochLosses := make([]float64, 0, epochs)

	for epoch := range epochs {
		var losses, weights []float64
		for batch, err := range getBatches(batchSize) {
			if err != nil {
				return epochLosses, fmt.Errorf("epoch %d: batches: %w", epoch, err)
			}
			if err := ctx.Err(); err != nil {
				return epochLosses, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			out, err := sess.Run(fetches, graph.Feeds{
				inputImage:   batch.Images,
				correctLabel: batch.Labels,
				keepProb:     keep,
				learningRate: lr,
			})
			if err != nil {
				return epochLosses, fmt.Errorf("epoch %d: update: %w", epoch, err)
			}
			l := float64(out[1].Item())
			if math.IsNaN(l) || math.IsInf(l, 0) {
				return epochLosses, fmt.Errorf("epoch %d: %w: batch loss %v", epoch, ErrDiverged, l)
			}
			losses = append(losses, l)
			weights = append(weights, float64(batch.Size))
		}
		if len(losses) == 0 {
			return epochLosses, fmt.Errorf("epoch %d: %w: no batches", epoch, kitti.ErrDatasetMissing)
		}

		mean := stat.Mean(losses, weights)
		cfg.logger.Infof("Loss at epoch %d: %v", epoch, mean)
		epochLosses = append(epochLosses, mean)
		if cfg.events != nil {
			if err := cfg.events.WriteScalar(events.TagEpochLoss, int64(epoch), mean); err != nil {
				return epochLosses, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
	}
	return epochLosses, nil
}
