package fcn

import (
	"fmt"

	"github.com/born-ml/roadseg/internal/graph"
	"github.com/born-ml/roadseg/internal/optim"
	"github.com/born-ml/roadseg/internal/tensor"
)

// AdamConfig is the optimizer configuration of the train op. The learning
// rate itself is fed on every run.
var AdamConfig = optim.AdamConfig{Betas: [2]float32{0.9, 0.999}, Eps: 1e-8}

// Optimize flattens lastLayer and correctLabel to (pixels, numClasses),
// adds the mean softmax cross-entropy loss and an Adam train op over every
// trainable variable of the graph, reading its learning rate from the
// learningRate placeholder.
func Optimize(g *graph.Graph, lastLayer, correctLabel, learningRate *graph.Node, numClasses int) (logits, trainOp, loss *graph.Node, err error) {
	if !lastLayer.Shape().Compatible(correctLabel.Shape()) {
		return nil, nil, nil, &graph.ShapeError{
			Node:   LossName,
			Op:     graph.OpSoftmaxCrossEntropy,
			Detail: "labels must match the network output",
			Want:   lastLayer.Shape(),
			Got:    correctLabel.Shape(),
		}
	}
	flat := tensor.Shape{-1, numClasses}
	if logits, err = g.Reshape(LogitsName, lastLayer, flat); err != nil {
		return nil, nil, nil, err
	}
	labels, err := g.Reshape("labels", correctLabel, flat)
	if err != nil {
		return nil, nil, nil, err
	}
	xent, err := g.SoftmaxCrossEntropy("cross_entropy", logits, labels)
	if err != nil {
		return nil, nil, nil, err
	}
	if loss, err = g.Mean(LossName, xent); err != nil {
		return nil, nil, nil, err
	}
	if trainOp, err = g.Minimize(TrainName, loss, learningRate, AdamConfig); err != nil {
		return nil, nil, nil, fmt.Errorf("optimizer: %w", err)
	}
	return logits, trainOp, loss, nil
}
