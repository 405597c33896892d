// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg19

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Pooling used between the convolution blocks.
type Pooling int

const (
	// MeanPooling is the default: it gives smoother gradients w.r.t. the input image than max pooling,
	// and it is the usual choice for style transfer.
	MeanPooling Pooling = iota

	// MaxPooling is what VGG19 was originally trained with.
	MaxPooling
)

// ParamPooling is the context hyperparameter that selects the pooling: "mean" (or "avg") or "max".
const ParamPooling = "vgg19_pooling"

func (p Pooling) String() string {
	if p == MaxPooling {
		return "max"
	}
	return "mean"
}

// PoolingFromString parses "mean", "avg" or "max".
func PoolingFromString(name string) (Pooling, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mean", "avg", "average":
		return MeanPooling, nil
	case "max":
		return MaxPooling, nil
	}
	return MeanPooling, errors.Errorf("unknown pooling %q for %q, valid values are \"mean\" or \"max\"",
		name, ParamPooling)
}

// Activations maps each requested layer to its output (after ReLU), shaped [batch, height, width, channels].
type Activations map[Layer]*Node

// ModelBuilder configures the VGG19 feature extraction graph. Create it with BuildGraph and
// finish with Done.
type ModelBuilder struct {
	ctx          *context.Context
	image        *Node
	pooling      Pooling
	channelOrder ChannelOrder
}

// BuildGraph prepares the VGG19 feature extractor applied to image, using the weights previously
// set in the context with Weights.SetInContext.
//
// The image is shaped [batch, height, width, 3] with channels in RGB order, and normalized by subtracting
// Means (see imageio.Normalize). If the weights expect BGR images the channels are reversed in the graph.
//
// The pooling and the channel order default to the values of the context hyperparameters ParamPooling
// and ParamChannelOrder.
func BuildGraph(ctx *context.Context, image *Node) *ModelBuilder {
	ctx = ctx.In(Scope)
	b := &ModelBuilder{ctx: ctx, image: image}
	var err error
	b.pooling, err = PoolingFromString(context.GetParamOr(ctx, ParamPooling, MeanPooling.String()))
	if err != nil {
		panic(err)
	}
	if context.GetParamOr(ctx, ParamChannelOrder, RGB.String()) == BGR.String() {
		b.channelOrder = BGR
	}
	return b
}

// Pooling sets the pooling used between convolution blocks.
func (b *ModelBuilder) Pooling(pooling Pooling) *ModelBuilder {
	b.pooling = pooling
	return b
}

// ChannelOrder sets the channel order expected by the weights. The input image is always RGB.
func (b *ModelBuilder) ChannelOrder(order ChannelOrder) *ModelBuilder {
	b.channelOrder = order
	return b
}

// Done builds the network up to the deepest of the requested layers and returns their activations.
func (b *ModelBuilder) Done(outputs ...Layer) Activations {
	if len(outputs) == 0 {
		Panicf("vgg19.BuildGraph(...).Done() requires at least one layer to output")
	}
	for _, l := range outputs {
		if !l.IsValid() {
			Panicf("vgg19: invalid layer %s requested", l)
		}
	}
	x := b.image
	if x.Rank() != 4 || x.Shape().Dimensions[3] != 3 {
		Panicf("vgg19: image must be shaped [batch, height, width, 3], got %s", x.Shape())
	}
	if b.channelOrder == BGR {
		x = Reverse(x, 3)
	}

	deepest := Deepest(outputs...)
	wanted := make(map[Layer]bool, len(outputs))
	for _, l := range outputs {
		wanted[l] = true
	}
	acts := make(Activations, len(outputs))
	for _, l := range AllLayers()[:deepest+1] {
		if l.IsBlockStart() && l != Conv1_1 {
			x = b.pool(x)
		}
		x = b.conv(l, x)
		if wanted[l] {
			acts[l] = x
		}
	}
	return acts
}

// conv applies the convolution, bias and ReLU of the layer, reusing the variables loaded with
// Weights.SetInContext.
func (b *ModelBuilder) conv(l Layer, x *Node) *Node {
	ctxLayer := b.ctx.In(l.String()).Reuse()
	kernelVar := ctxLayer.GetVariable(KernelVariableName)
	if kernelVar == nil {
		Panicf("vgg19: weights for layer %s not found in context scope %q, were they loaded with Weights.SetInContext?",
			l, ctxLayer.Scope())
	}
	filters := kernelVar.Shape().Dimensions[3]
	x = layers.Convolution(ctxLayer, x).
		CurrentScope().
		Channels(filters).
		KernelSize(3).
		PadSame().
		Done()
	return activations.Relu(x)
}

func (b *ModelBuilder) pool(x *Node) *Node {
	if b.pooling == MaxPooling {
		return MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(2).Strides(2).NoPadding().Done()
	}
	return MeanPool(x).ChannelsAxis(images.ChannelsLast).Window(2).Strides(2).NoPadding().Done()
}
