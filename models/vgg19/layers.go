// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg19

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Layer is a handle to one of the convolutional layers of VGG19.
//
// Activations are always taken after the ReLU of the layer, so Conv4_2 refers to the
// output of the second convolution of the fourth block, after its activation.
type Layer int

const (
	Conv1_1 Layer = iota
	Conv1_2
	Conv2_1
	Conv2_2
	Conv3_1
	Conv3_2
	Conv3_3
	Conv3_4
	Conv4_1
	Conv4_2
	Conv4_3
	Conv4_4
	Conv5_1
	Conv5_2
	Conv5_3
	Conv5_4

	// NumLayers is the number of convolutional layers in VGG19.
	NumLayers int = iota
)

// NumBlocks is the number of convolution blocks. Blocks are separated by a 2x2 pooling with stride 2.
const NumBlocks = 5

var (
	// blockFilters is the number of output channels of the convolutions of each block.
	blockFilters = [NumBlocks]int{64, 128, 256, 512, 512}

	// blockSizes is the number of convolutions on each block.
	blockSizes = [NumBlocks]int{2, 2, 4, 4, 4}

	// blockStart holds the first layer of each block.
	blockStart = [NumBlocks]Layer{Conv1_1, Conv2_1, Conv3_1, Conv4_1, Conv5_1}
)

// AllLayers returns all layers in order.
func AllLayers() []Layer {
	all := make([]Layer, NumLayers)
	for ii := range all {
		all[ii] = Layer(ii)
	}
	return all
}

// IsValid returns whether the layer is one of the VGG19 convolutional layers.
func (l Layer) IsValid() bool {
	return l >= 0 && int(l) < NumLayers
}

// Block returns the 1-based block number of the layer, e.g.: 4 for Conv4_2.
func (l Layer) Block() int {
	for block := NumBlocks - 1; block >= 0; block-- {
		if l >= blockStart[block] {
			return block + 1
		}
	}
	return 0
}

// Position returns the 1-based position of the layer within its block, e.g.: 2 for Conv4_2.
func (l Layer) Position() int {
	return int(l-blockStart[l.Block()-1]) + 1
}

// IsBlockStart returns whether this is the first convolution of a block, which is preceded
// by a pooling layer (except for the very first block).
func (l Layer) IsBlockStart() bool {
	return l.Position() == 1
}

// Filters returns the number of output channels of the layer in the reference architecture.
func (l Layer) Filters() int {
	return blockFilters[l.Block()-1]
}

// InputChannels returns the number of input channels of the layer in the reference architecture.
func (l Layer) InputChannels() int {
	if l == Conv1_1 {
		return 3
	}
	return (l - 1).Filters()
}

// String returns the conventional name of the layer, e.g.: "conv4_2".
func (l Layer) String() string {
	if !l.IsValid() {
		return fmt.Sprintf("Layer(%d)", int(l))
	}
	return fmt.Sprintf("conv%d_%d", l.Block(), l.Position())
}

// KerasName returns the name used by Keras for the layer, e.g.: "block4_conv2".
func (l Layer) KerasName() string {
	return fmt.Sprintf("block%d_conv%d", l.Block(), l.Position())
}

// LayerFromString parses the layer name, either in the conventional format ("conv4_2") or
// in Keras format ("block4_conv2").
func LayerFromString(name string) (Layer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, l := range AllLayers() {
		if name == l.String() || name == l.KerasName() {
			return l, nil
		}
	}
	return -1, errors.Errorf("unknown VGG19 layer %q, valid values are conv1_1 ... conv5_4", name)
}

// Deepest returns the deepest layer of the list. It returns -1 if the list is empty.
func Deepest(layers ...Layer) Layer {
	deepest := Layer(-1)
	for _, l := range layers {
		if l > deepest {
			deepest = l
		}
	}
	return deepest
}
