// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package styletransfer

import (
	stdcontext "context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/styletransfer/models/vgg19"
	"github.com/gomlx/styletransfer/pkg/costplot"
	"github.com/gomlx/styletransfer/pkg/costs"
	"github.com/gomlx/styletransfer/pkg/imageio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImageSize = 32

var testWidths = [vgg19.NumBlocks]int{4, 5, 6, 7, 8}

// testWeights covers all layers up to conv5_1, the deepest default style layer.
func testWeights() *vgg19.Weights {
	return vgg19.RandomWeights(int(vgg19.Conv5_1)+1, testWidths, 7)
}

// testImages returns normalized content and style images: a smooth gradient and a checkerboard.
func testImages(size int) (content, style *tensors.Tensor) {
	contentFlat := make([]float32, size*size*3)
	styleFlat := make([]float32, size*size*3)
	for y := range size {
		for x := range size {
			for c := range 3 {
				idx := (y*size+x)*3 + c
				contentFlat[idx] = float32((y*255)/size+c*20) / 1.5
				if (x/4+y/4)%2 == 0 {
					styleFlat[idx] = float32(200 - 60*c)
				} else {
					styleFlat[idx] = float32(30 + 50*c)
				}
			}
		}
	}
	content = imageio.Normalize(tensors.FromFlatDataAndDimensions(contentFlat, 1, size, size, 3))
	style = imageio.Normalize(tensors.FromFlatDataAndDimensions(styleFlat, 1, size, size, 3))
	return
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Height, cfg.Width = testImageSize, testImageSize
	cfg.Iterations = 5
	cfg.SnapshotPeriod = 2
	cfg.Seed = 42
	return cfg
}

func newTestTransfer(t *testing.T, cfg Config) *Transfer {
	backend := graphtest.BuildTestBackend()
	content, style := testImages(testImageSize)
	st, err := New(backend, context.New(), cfg, testWeights(), content, style)
	require.NoError(t, err)
	return st
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.NumSnapshots())
	assert.Equal(t, vgg19.Conv4_2, cfg.ContentLayer)
	assert.Equal(t, []vgg19.Layer{vgg19.Conv4_2, vgg19.Conv1_1, vgg19.Conv2_1, vgg19.Conv3_1, vgg19.Conv4_1, vgg19.Conv5_1},
		cfg.Layers())
	assert.Equal(t, "20.png", SnapshotName(20))

	cfg.Iterations, cfg.SnapshotPeriod = 5, 2
	assert.Equal(t, 3, cfg.NumSnapshots())
	cfg.Iterations = 0
	assert.Equal(t, 0, cfg.NumSnapshots())

	// Defaults set in the context are read back.
	ctx := context.New()
	SetDefaultParams(ctx)
	fromCtx, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), fromCtx)

	// Edited hyperparameters.
	ctx.SetParams(map[string]any{
		ParamAlpha:         1.0,
		ParamIterations:    7,
		ParamContentLayer:  "block5_conv2",
		ParamStyleLayers:   "conv1_1,conv2_1",
		vgg19.ParamPooling: "max",
	})
	fromCtx, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, fromCtx.Alpha)
	assert.Equal(t, DefaultBeta, fromCtx.Beta)
	assert.Equal(t, 7, fromCtx.Iterations)
	assert.Equal(t, vgg19.Conv5_2, fromCtx.ContentLayer)
	assert.Equal(t, []costs.StyleLayer{{Layer: vgg19.Conv1_1, Weight: 0.5}, {Layer: vgg19.Conv2_1, Weight: 0.5}}, fromCtx.StyleLayers)
	assert.Equal(t, vgg19.MaxPooling, fromCtx.Pooling)

	for key, value := range map[string]any{
		ParamContentLayer:   "conv6_1",
		ParamStyleLayers:    "conv1_1:x",
		vgg19.ParamPooling:  "median",
		ParamLearningRate:   -1.0,
		ParamSnapshotPeriod: 0,
		ParamNoiseRatio:     1.5,
	} {
		ctx := context.New()
		SetDefaultParams(ctx)
		ctx.SetParam(key, value)
		_, err = ConfigFromContext(ctx)
		assert.Errorf(t, err, "setting %q to %v should have failed", key, value)
	}
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	content, style := testImages(testImageSize)
	smallContent, _ := testImages(testImageSize / 2)
	cfg := testConfig()

	_, err := New(backend, nil, cfg, testWeights(), smallContent, style)
	require.Error(t, err, "content and style of different shapes")

	_, err = New(backend, nil, cfg, testWeights(), content, nil)
	require.Error(t, err, "missing style image")

	_, err = New(backend, nil, cfg, vgg19.RandomWeights(int(vgg19.Conv4_2), testWidths, 1), content, style)
	require.Error(t, err, "weights missing the content layer")

	cfg.SnapshotPeriod = 0
	_, err = New(backend, nil, cfg, testWeights(), content, style)
	require.Error(t, err, "invalid configuration")
}

func TestReproducibility(t *testing.T) {
	cfg := testConfig()
	var costsPerRun [2][]Cost
	var images [2][]float32
	for run := range 2 {
		st := newTestTransfer(t, cfg)
		for range 2 {
			cost, err := st.Step()
			require.NoError(t, err)
			costsPerRun[run] = append(costsPerRun[run], cost)
		}
		assert.Equal(t, 2, st.Iteration())
		images[run] = tensors.CopyFlatData[float32](st.GeneratedImage())
	}
	for ii := range costsPerRun[0] {
		c0, c1 := costsPerRun[0][ii], costsPerRun[1][ii]
		assert.InDelta(t, c0.Total, c1.Total, 1e-4*c0.Total)
		assert.InDelta(t, c0.Content, c1.Content, 1e-4*c0.Content+1e-6)
		assert.InDelta(t, c0.Style, c1.Style, 1e-4*c0.Style+1e-6)
		assert.InDelta(t, cfg.Alpha*c0.Content+cfg.Beta*c0.Style, c0.Total, 1e-4*c0.Total)
	}
	assert.InDeltaSlice(t, images[0], images[1], 1e-3)
}

func TestStepDecreasesCost(t *testing.T) {
	cfg := testConfig()
	cfg.LearningRate = 1.0
	st := newTestTransfer(t, cfg)
	initial, err := st.Costs()
	require.NoError(t, err)
	require.Greater(t, initial.Total, 0.0)

	// Step returns the cost before the update.
	first, err := st.Step()
	require.NoError(t, err)
	assert.InDelta(t, initial.Total, first.Total, 1e-4*initial.Total)

	for range 9 {
		_, err = st.Step()
		require.NoError(t, err)
	}
	final, err := st.Costs()
	require.NoError(t, err)
	fmt.Printf("\ttotal cost: %g -> %g\n", initial.Total, final.Total)
	assert.Less(t, final.Total, initial.Total)
}

func TestStepOnlyUpdatesGeneratedImage(t *testing.T) {
	st := newTestTransfer(t, testConfig())
	ctx := st.Context()
	vggScope := "/" + vgg19.Scope + "/"
	frozen := map[string]*context.Variable{
		"kernel":         ctx.GetVariableByScopeAndName(vggScope+vgg19.Conv1_1.String(), vgg19.KernelVariableName),
		"bias":           ctx.GetVariableByScopeAndName(vggScope+vgg19.Conv4_2.String(), vgg19.BiasVariableName),
		"content target": ctx.GetVariableByScopeAndName("/"+TargetsScope, ContentTargetName),
		"style target":   ctx.GetVariableByScopeAndName("/"+TargetsScope+"/"+StyleTargetsSubScope, vgg19.Conv3_1.String()),
	}
	before := make(map[string][]float32, len(frozen))
	for name, v := range frozen {
		require.NotNilf(t, v, "variable %q not found", name)
		before[name] = tensors.CopyFlatData[float32](v.Value())
	}
	imageBefore := tensors.CopyFlatData[float32](st.GeneratedImage())

	for range 3 {
		_, err := st.Step()
		require.NoError(t, err)
	}
	for name, v := range frozen {
		assert.Equalf(t, before[name], tensors.CopyFlatData[float32](v.Value()), "%s changed during the optimization", name)
	}
	imageAfter := tensors.CopyFlatData[float32](st.GeneratedImage())
	require.Len(t, imageAfter, len(imageBefore))
	assert.NotEqual(t, imageBefore, imageAfter, "generated image was not updated")
}

func TestParamNames(t *testing.T) {
	// The optimizer reads these hyperparameters directly from the context.
	assert.Equal(t, optimizers.ParamLearningRate, ParamLearningRate)
	assert.Equal(t, optimizers.ParamAdamEpsilon, ParamAdamEpsilon)
}

func TestRun(t *testing.T) {
	cfg := testConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "output")
	st := newTestTransfer(t, cfg)

	var hookIterations []int
	st.OnSnapshot("record", func(_ *Transfer, iteration int, cost Cost) error {
		hookIterations = append(hookIterations, iteration)
		assert.Greater(t, cost.Total, 0.0)
		return nil
	})
	require.NoError(t, st.Run(stdcontext.Background()))
	assert.Equal(t, cfg.Iterations, st.Iteration())
	assert.Equal(t, []int{0, 2, 4}, hookIterations)
	assert.Equal(t, []int{0, 2, 4}, st.History().Iterations())
	_, found := st.History().Last(costplot.Style)
	assert.True(t, found)

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	assert.Equal(t, []string{"0.png", "2.png", "4.png", FinalImageName}, names)
	assert.Len(t, names, cfg.NumSnapshots()+1)

	// The saved image can be loaded back with the same dimensions.
	loaded, err := imageio.Load(filepath.Join(cfg.OutputDir, FinalImageName), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, testImageSize, testImageSize, 3}, loaded.Shape().Dimensions)
}

func TestRunHookErrorAndCancellation(t *testing.T) {
	cfg := testConfig()
	st := newTestTransfer(t, cfg)
	st.OnSnapshot("fail", func(_ *Transfer, _ int, _ Cost) error {
		return fmt.Errorf("stop here")
	})
	err := st.Run(stdcontext.Background())
	require.ErrorContains(t, err, "stop here")
	assert.Equal(t, 1, st.Iteration())

	st = newTestTransfer(t, cfg)
	goCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	err = st.Run(goCtx)
	require.ErrorIs(t, err, stdcontext.Canceled)
	assert.Equal(t, 0, st.Iteration())
}
