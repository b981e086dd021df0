// Package app wires the road segmentation training run together: dataset
// checks, backbone import, decoder and optimizer construction, training,
// inference samples and the saved model.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/born-ml/roadseg/internal/config"
	"github.com/born-ml/roadseg/internal/events"
	"github.com/born-ml/roadseg/internal/fcn"
	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/kitti"
	"github.com/born-ml/roadseg/internal/nn"
	"github.com/born-ml/roadseg/internal/serialization"
	"github.com/born-ml/roadseg/internal/tensor"
)

// Artifact names inside the model and logs directories.
const (
	GraphFileName      = "vgg16_fcn.pb"
	CheckpointFileName = "vgg16_fcn.ckpt"
	DOTFileName        = "graph.dot"
	LossPlotFileName   = "loss.png"

	// GraphTag marks the saved training graph.
	GraphTag = "fcn-vgg16"

	// OptimizerPrefix prefixes the Adam moment buffers in the checkpoint.
	OptimizerPrefix = "optimizer/"
)

// Result describes a finished run.
type Result struct {
	RunID          string
	EpochLosses    []float64
	GraphPath      string
	CheckpointPath string
	EventsPath     string
	SamplesDir     string
}

// Run trains FCN-VGG16 on the KITTI road data under cfg.DataDir and writes
// the graph, event log, inference samples and checkpoint.
func Run(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := kitti.CheckDataset(cfg.DataDir); err != nil {
		return nil, err
	}
	if err := kitti.MaybeDownloadPretrainedVGG(ctx, cfg.DataDir, cfg.VGGURL, logger); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:          uuid.NewString(),
		GraphPath:      filepath.Join(cfg.ModelDir, GraphFileName),
		CheckpointPath: filepath.Join(cfg.ModelDir, CheckpointFileName),
	}
	logger = logger.With("run_id", res.RunID)

	var opts []graph.SessionOption
	if cfg.Seed != 0 {
		opts = append(opts, graph.WithSeed(cfg.Seed))
	}
	store := nn.NewParameterStore()
	err := graph.Scope(store, func(g *graph.Graph, sess *graph.Session) error {
		return train(ctx, cfg, logger, g, sess, res)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func train(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, g *graph.Graph, sess *graph.Session, res *Result) (err error) {
	h, w := cfg.ImageHeight, cfg.ImageWidth
	vgg, err := fcn.LoadVGG(sess, filepath.Join(cfg.DataDir, kitti.VGGDirName), fcn.WithImageShape(h, w))
	if err != nil {
		return err
	}
	lastLayer, err := fcn.Layers(g, vgg.Layer3, vgg.Layer4, vgg.Layer7, cfg.NumClasses)
	if err != nil {
		return err
	}
	correctLabel, err := g.Placeholder("correct_label", tensor.Shape{tensor.Dynamic, h, w, cfg.NumClasses})
	if err != nil {
		return err
	}
	learningRate, err := g.Placeholder("learning_rate", tensor.Shape{})
	if err != nil {
		return err
	}
	logits, trainOp, loss, err := fcn.Optimize(g, lastLayer, correctLabel, learningRate, cfg.NumClasses)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil { //nolint:gosec // model directory
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := graph.WriteGraphDef(res.GraphPath, g, GraphTag); err != nil {
		return err
	}
	ev, err := events.NewWriter(cfg.LogsDir, res.RunID)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, ev.Close()) }()
	res.EventsPath = ev.Path()
	if err := ev.WriteGraph(graph.MarshalGraphDef(g, GraphTag)); err != nil {
		return err
	}
	if err := graph.WriteDOT(filepath.Join(cfg.LogsDir, DOTFileName), g, "vgg16_fcn"); err != nil {
		return err
	}

	fresh := g.Store().Complement(vgg.Loaded)
	sess.Initialize(fresh)
	logger.Infof("Graph variables:\n%s", VariableTable(g.Store(), vgg.Loaded))

	batchOpts := []kitti.BatchOption{kitti.WithSeed(cfg.Seed)}
	if cfg.NumWorkers > 0 {
		batchOpts = append(batchOpts, kitti.WithWorkers(cfg.NumWorkers))
	}
	getBatches, err := kitti.GenBatchFunction(filepath.Join(cfg.DataDir, kitti.TrainingDir), cfg.ImageShape(), batchOpts...)
	if err != nil {
		return err
	}
	res.EpochLosses, err = fcn.TrainNN(ctx, sess, cfg.Epochs, cfg.BatchSize, getBatches,
		trainOp, loss, vgg.ImageInput, correctLabel, vgg.KeepProb, learningRate,
		fcn.WithLogger(logger),
		fcn.WithEvents(ev),
		fcn.WithHyperparameters(cfg.KeepProb, cfg.LearningRate))
	if err != nil {
		return err
	}
	if err := PlotLosses(filepath.Join(cfg.LogsDir, LossPlotFileName), res.EpochLosses); err != nil {
		return err
	}

	res.SamplesDir, err = kitti.SaveInferenceSamples(cfg.RunsDir, cfg.DataDir, sess, cfg.ImageShape(), logits, vgg.KeepProb, vgg.ImageInput)
	if err != nil {
		return err
	}
	logger.Infow("Saved inference samples", "dir", res.SamplesDir)

	return saveCheckpoint(cfg, sess, trainOp, res)
}

// saveCheckpoint writes every parameter plus the Adam moments.
func saveCheckpoint(cfg config.Config, sess *graph.Session, trainOp *graph.Node, res *Result) error {
	state := sess.Store().StateDict()
	meta := &serialization.CheckpointMeta{
		RunID: res.RunID,
		Epoch: len(res.EpochLosses),
	}
	if n := len(res.EpochLosses); n > 0 {
		meta.Loss = res.EpochLosses[n-1]
	}
	if opt, ok := sess.Optimizer(trainOp); ok {
		for name, t := range opt.StateDict() {
			state[OptimizerPrefix+name] = t
		}
		c := opt.Config()
		meta.Step = int64(opt.GetTimestep())
		meta.OptimizerType = "adam"
		meta.OptimizerConfig = map[string]any{
			"lr":    c.LR,
			"beta1": c.Betas[0],
			"beta2": c.Betas[1],
			"eps":   c.Eps,
		}
	}
	_, err := serialization.SaveCheckpoint(res.CheckpointPath, state, serialization.Header{
		ModelType: GraphTag,
		Metadata: map[string]string{
			"image_height": strconv.Itoa(cfg.ImageHeight),
			"image_width":  strconv.Itoa(cfg.ImageWidth),
			"num_classes":  strconv.Itoa(cfg.NumClasses),
			"keep_prob":    strconv.FormatFloat(float64(cfg.KeepProb), 'g', -1, 32),
		},
		Checkpoint: meta,
	})
	return err
}
