// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg19

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Scope is the context scope under which the VGG19 variables are stored.
	Scope = "vgg19"

	// KernelVariableName and BiasVariableName are the names of the variables of each layer,
	// stored under the scope "/vgg19/<layer>", e.g. "/vgg19/conv4_2/weights".
	// They match the names used by layers.Convolution.
	KernelVariableName = "weights"
	BiasVariableName   = "biases"

	// ParamChannelOrder is the context hyperparameter with the channel order expected by the
	// loaded weights ("rgb" or "bgr"). It is set by Weights.SetInContext.
	ParamChannelOrder = "vgg19_channel_order"
)

// Means holds the per-channel (R, G, B) mean values of the ImageNet images used to train VGG19.
// Images are fed to the network with these values subtracted.
var Means = [3]float32{123.68, 116.779, 103.939}

// ChannelOrder of the images expected by a set of weights.
type ChannelOrder int

const (
	RGB ChannelOrder = iota
	BGR
)

func (o ChannelOrder) String() string {
	if o == BGR {
		return "bgr"
	}
	return "rgb"
}

// Weights of the convolutional layers of VGG19.
//
// Kernels are shaped [3, 3, inputChannels, outputChannels] and biases [outputChannels].
// Layers must be present contiguously starting at Conv1_1, but deeper layers may be missing
// if they are not going to be used.
type Weights struct {
	Kernels, Biases map[Layer]*tensors.Tensor
	ChannelOrder    ChannelOrder
}

// NewWeights returns an empty set of weights for the given channel order.
func NewWeights(order ChannelOrder) *Weights {
	return &Weights{
		Kernels:      make(map[Layer]*tensors.Tensor, NumLayers),
		Biases:       make(map[Layer]*tensors.Tensor, NumLayers),
		ChannelOrder: order,
	}
}

// Set the kernel and bias for the layer.
func (w *Weights) Set(layer Layer, kernel, bias *tensors.Tensor) {
	w.Kernels[layer] = kernel
	w.Biases[layer] = bias
}

// Depth returns the number of contiguous layers, starting at Conv1_1, available.
func (w *Weights) Depth() int {
	for ii, l := range AllLayers() {
		if w.Kernels[l] == nil || w.Biases[l] == nil {
			return ii
		}
	}
	return NumLayers
}

// Validate checks that weights are consistently shaped: kernels are 3x3, the input channels of a
// layer match the output channels of the previous one, and biases match the output channels.
//
// It doesn't require the number of channels to match the reference architecture, see IsReference.
func (w *Weights) Validate() error {
	depth := w.Depth()
	if depth == 0 {
		return errors.Errorf("vgg19: no weights for layer %s", Conv1_1)
	}
	prevChannels := 3
	for _, l := range AllLayers()[:depth] {
		kernel, bias := w.Kernels[l].Shape(), w.Biases[l].Shape()
		if kernel.Rank() != 4 || kernel.Dimensions[0] != 3 || kernel.Dimensions[1] != 3 {
			return errors.Errorf("vgg19: layer %s kernel must be shaped [3, 3, in, out], got %s", l, kernel)
		}
		if kernel.Dimensions[2] != prevChannels {
			return errors.Errorf("vgg19: layer %s kernel takes %d input channels, but previous layer outputs %d",
				l, kernel.Dimensions[2], prevChannels)
		}
		outChannels := kernel.Dimensions[3]
		if bias.Rank() != 1 || bias.Dimensions[0] != outChannels {
			return errors.Errorf("vgg19: layer %s bias must be shaped [%d], got %s", l, outChannels, bias)
		}
		if kernel.DType != bias.DType || !kernel.DType.IsFloat() {
			return errors.Errorf("vgg19: layer %s kernel (%s) and bias (%s) must have the same float dtype",
				l, kernel.DType, bias.DType)
		}
		prevChannels = outChannels
	}
	return nil
}

// IsReference returns whether all layers are present and have the shapes of the reference VGG19.
func (w *Weights) IsReference() bool {
	if w.Depth() != NumLayers {
		return false
	}
	for _, l := range AllLayers() {
		want := ReferenceKernelShape(l, w.Kernels[l].DType())
		if !w.Kernels[l].Shape().Equal(want) {
			return false
		}
	}
	return true
}

// ReferenceKernelShape returns the shape of the kernel of the layer in the reference VGG19.
func ReferenceKernelShape(l Layer, dtype dtypes.DType) shapes.Shape {
	return shapes.Make(dtype, 3, 3, l.InputChannels(), l.Filters())
}

// RandomWeights creates weights for the first depth layers with the VGG19 topology, but with the given
// number of filters in each block. Kernels are drawn with He-uniform initialization from a generator
// seeded with seed, and biases are small positive values, so ReLU activations stay alive.
//
// They are useful to exercise the style transfer with small networks, without downloading the
// pre-trained weights.
func RandomWeights(depth int, blockWidths [NumBlocks]int, seed int64) *Weights {
	rng := rand.New(rand.NewSource(seed))
	w := NewWeights(RGB)
	inChannels := 3
	for _, l := range AllLayers()[:depth] {
		filters := blockWidths[l.Block()-1]
		limit := math.Sqrt(6.0 / float64(9*inChannels))
		kernel := make([]float32, 9*inChannels*filters)
		for ii := range kernel {
			kernel[ii] = float32((2*rng.Float64() - 1) * limit)
		}
		bias := make([]float32, filters)
		for ii := range bias {
			bias[ii] = float32(0.01 + 0.1*rng.Float64())
		}
		w.Set(l,
			tensors.FromFlatDataAndDimensions(kernel, 3, 3, inChannels, filters),
			tensors.FromFlatDataAndDimensions(bias, filters))
		inChannels = filters
	}
	return w
}

// SetInContext creates the (non-trainable) variables with the weights under the "vgg19" scope of ctx,
// and sets ParamChannelOrder accordingly.
//
// Variables are created with the names used by layers.Convolution, so the model can be built
// reusing them.
func (w *Weights) SetInContext(ctx *context.Context) error {
	if err := w.Validate(); err != nil {
		return err
	}
	ctxVGG := ctx.In(Scope)
	ctxVGG.SetParam(ParamChannelOrder, w.ChannelOrder.String())
	for _, l := range AllLayers()[:w.Depth()] {
		ctxLayer := ctxVGG.In(l.String())
		ctxLayer.VariableWithValue(KernelVariableName, w.Kernels[l]).SetTrainable(false)
		ctxLayer.VariableWithValue(BiasVariableName, w.Biases[l]).SetTrainable(false)
	}
	klog.V(1).Infof("vgg19: loaded %d layers (channel order %s) into context scope %q",
		w.Depth(), w.ChannelOrder, ctxVGG.Scope())
	return nil
}

// LoadWeights from the given path, selecting the format by its type:
//
//   - a directory: weights unpacked from the Keras ".h5" file, see DownloadAndUnpackWeights.
//   - a ".h5" file: the Keras weights file, unpacked next to it before being loaded.
//   - a ".mat" file: MatConvNet or flat MATLAB weights, see LoadMatlabWeights.
func LoadWeights(weightsPath string) (*Weights, error) {
	weightsPath = fsutil.MustReplaceTildeInDir(weightsPath)
	info, err := os.Stat(weightsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "vgg19: cannot access weights in %q", weightsPath)
	}
	if info.IsDir() {
		return LoadKerasWeights(weightsPath)
	}
	switch strings.ToLower(filepath.Ext(weightsPath)) {
	case ".mat":
		return LoadMatlabWeights(weightsPath)
	case ".h5", ".hdf5":
		unpackedDir := filepath.Join(filepath.Dir(weightsPath), UnpackedWeightsName)
		if !fsutil.MustFileExists(unpackedDir) {
			if err := UnpackKerasWeights(weightsPath, unpackedDir); err != nil {
				return nil, err
			}
		}
		return LoadKerasWeights(unpackedDir)
	}
	return nil, errors.Errorf("vgg19: unknown weights format for %q, expected a directory, a \".h5\" or a \".mat\" file",
		weightsPath)
}
