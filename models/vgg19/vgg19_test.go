// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg19

import (
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWidths = [NumBlocks]int{4, 5, 6, 7, 8}

func TestLayers(t *testing.T) {
	assert.Equal(t, 16, NumLayers)
	assert.Len(t, AllLayers(), NumLayers)
	assert.Equal(t, "conv1_1", Conv1_1.String())
	assert.Equal(t, "conv4_2", Conv4_2.String())
	assert.Equal(t, "conv5_4", Conv5_4.String())
	assert.Equal(t, "block4_conv2", Conv4_2.KerasName())
	assert.Equal(t, 4, Conv4_2.Block())
	assert.Equal(t, 2, Conv4_2.Position())
	assert.True(t, Conv3_1.IsBlockStart())
	assert.False(t, Conv3_4.IsBlockStart())
	assert.Equal(t, 512, Conv4_2.Filters())
	assert.Equal(t, 3, Conv1_1.InputChannels())
	assert.Equal(t, 256, Conv4_1.InputChannels())
	assert.Equal(t, 512, Conv5_1.InputChannels())

	for _, name := range []string{"conv4_2", "block4_conv2", " CONV4_2 "} {
		l, err := LayerFromString(name)
		require.NoError(t, err)
		assert.Equal(t, Conv4_2, l)
	}
	_, err := LayerFromString("conv6_1")
	require.Error(t, err)

	assert.Equal(t, Conv5_1, Deepest(Conv1_1, Conv5_1, Conv4_2))
	assert.Equal(t, Layer(-1), Deepest())
}

func TestPoolingFromString(t *testing.T) {
	for name, want := range map[string]Pooling{"mean": MeanPooling, "avg": MeanPooling, "MAX": MaxPooling} {
		got, err := PoolingFromString(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := PoolingFromString("median")
	require.Error(t, err)
}

func TestColumnToRowMajor(t *testing.T) {
	// Matrix [[0, 1, 2], [3, 4, 5]] stored column-major.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, columnToRowMajor([]int{0, 3, 1, 4, 2, 5}, []int{2, 3}))

	// Rank-3 [2, 2, 2]: element (i, j, k) = 4i+2j+k, column-major index is i+2j+4k.
	colMajor := make([]int, 8)
	for i := range 2 {
		for j := range 2 {
			for k := range 2 {
				colMajor[i+2*j+4*k] = 4*i + 2*j + k
			}
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, columnToRowMajor(colMajor, []int{2, 2, 2}))
	assert.Equal(t, []int{7, 8}, columnToRowMajor([]int{7, 8}, []int{2}))
}

func TestWeightsValidate(t *testing.T) {
	w := RandomWeights(int(Conv4_2)+1, testWidths, 42)
	require.NoError(t, w.Validate())
	assert.Equal(t, int(Conv4_2)+1, w.Depth())
	assert.False(t, w.IsReference())

	require.Error(t, NewWeights(RGB).Validate())

	// Broken chain of channels.
	broken := RandomWeights(3, testWidths, 42)
	broken.Kernels[Conv2_1] = tensors.FromShape(shapes.Make(dtypes.Float32, 3, 3, 5, 5))
	require.Error(t, broken.Validate())

	// Bias of the wrong size.
	broken = RandomWeights(1, testWidths, 42)
	broken.Biases[Conv1_1] = tensors.FromShape(shapes.Make(dtypes.Float32, 3))
	require.Error(t, broken.Validate())

	// 1x1 kernel.
	broken = RandomWeights(1, testWidths, 42)
	broken.Kernels[Conv1_1] = tensors.FromShape(shapes.Make(dtypes.Float32, 1, 1, 3, 4))
	require.Error(t, broken.Validate())
}

func TestLoadWeightsErrors(t *testing.T) {
	_, err := LoadWeights(filepath.Join(t.TempDir(), "missing.h5"))
	require.Error(t, err)

	// Empty directory: no Keras weights in there.
	_, err = LoadWeights(t.TempDir())
	require.Error(t, err)
}

func TestBuildGraphShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, RandomWeights(int(Conv4_2)+1, testWidths, 1).SetInContext(ctx))

	g := NewGraph(backend, "vgg19")
	image := Parameter(g, "image", shapes.Make(dtypes.Float32, 1, 32, 48, 3))
	acts := BuildGraph(ctx, image).Done(Conv1_1, Conv2_1, Conv3_1, Conv4_1, Conv4_2)
	require.Len(t, acts, 5)
	assert.Equal(t, []int{1, 32, 48, 4}, acts[Conv1_1].Shape().Dimensions)
	assert.Equal(t, []int{1, 16, 24, 5}, acts[Conv2_1].Shape().Dimensions)
	assert.Equal(t, []int{1, 8, 12, 6}, acts[Conv3_1].Shape().Dimensions)
	assert.Equal(t, []int{1, 4, 6, 7}, acts[Conv4_1].Shape().Dimensions)
	assert.Equal(t, []int{1, 4, 6, 7}, acts[Conv4_2].Shape().Dimensions)

	// Layers deeper than the loaded weights.
	assert.Panics(t, func() { _ = BuildGraph(ctx, image).Done(Conv5_1) })
	// No layers requested.
	assert.Panics(t, func() { _ = BuildGraph(ctx, image).Done() })
}

// selectChannelWeights returns a single layer whose only filter copies the given input channel.
func selectChannelWeights(channel int, order ChannelOrder) *Weights {
	kernel := make([]float32, 3*3*3*1)
	// Center of the 3x3 window: index [1, 1, channel, 0].
	kernel[(1*3+1)*3+channel] = 1
	w := NewWeights(order)
	w.Set(Conv1_1, tensors.FromFlatDataAndDimensions(kernel, 3, 3, 3, 1), tensors.FromFlatDataAndDimensions([]float32{0}, 1))
	return w
}

func TestBuildGraphChannelOrder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 1, 1, 2, 3)
	for _, tc := range []struct {
		order ChannelOrder
		want  []float32
	}{
		{RGB, []float32{1, 4}},
		{BGR, []float32{3, 6}},
	} {
		ctx := context.New()
		require.NoError(t, selectChannelWeights(0, tc.order).SetInContext(ctx))
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
			return BuildGraph(ctx, image).Done(Conv1_1)[Conv1_1]
		}, input)
		assert.Equal(t, tc.want, tensors.CopyFlatData[float32](output), "channel order %s", tc.order)
	}
}

func TestBuildGraphPooling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Single channel image 2x2, values (1, 2, 3, 6): only the red channel is used by the selecting kernel.
	input := tensors.FromFlatDataAndDimensions([]float32{
		1, 0, 0, 2, 0, 0,
		3, 0, 0, 6, 0, 0,
	}, 1, 2, 2, 3)
	for _, tc := range []struct {
		pooling string
		want    float32
	}{
		{"mean", 3},
		{"max", 6},
	} {
		ctx := context.New()
		w := selectChannelWeights(0, RGB)
		// Conv1_2 and Conv2_1 pass the single channel through.
		identity := make([]float32, 9)
		identity[4] = 1
		for _, l := range []Layer{Conv1_2, Conv2_1} {
			w.Set(l, tensors.FromFlatDataAndDimensions(identity, 3, 3, 1, 1), tensors.FromFlatDataAndDimensions([]float32{0}, 1))
		}
		require.NoError(t, w.SetInContext(ctx))
		ctx.SetParam(ParamPooling, tc.pooling)
		output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, image *Node) *Node {
			return BuildGraph(ctx, image).Done(Conv2_1)[Conv2_1]
		}, input)
		assert.Equal(t, []int{1, 1, 1, 1}, output.Shape().Dimensions)
		assert.InDelta(t, tc.want, tensors.CopyFlatData[float32](output)[0], 1e-5, "pooling %s", tc.pooling)
	}
}
