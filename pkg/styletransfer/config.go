// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package styletransfer

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/styletransfer/models/vgg19"
	"github.com/gomlx/styletransfer/pkg/costs"
	"github.com/gomlx/styletransfer/pkg/imageio"
	"github.com/pkg/errors"
)

// Hyperparameters of the style transfer, set in the context with Context.SetParams.
const (
	// ParamAlpha is the weight of the content cost in the total cost.
	ParamAlpha = "alpha"

	// ParamBeta is the weight of the style cost in the total cost.
	ParamBeta = "beta"

	// ParamLearningRate of the Adam optimizer.
	ParamLearningRate = "learning_rate"

	// ParamAdamEpsilon of the Adam optimizer.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamIterations is the number of optimization steps.
	ParamIterations = "iterations"

	// ParamSnapshotPeriod is the number of iterations between snapshots of the generated image.
	ParamSnapshotPeriod = "snapshot_period"

	// ParamContentLayer is the name of the VGG19 layer used for the content cost, e.g. "conv4_2".
	ParamContentLayer = "content_layer"

	// ParamStyleLayers lists the VGG19 layers used for the style cost and their weights,
	// e.g. "conv1_1:0.2,conv2_1:0.2,conv3_1:0.2,conv4_1:0.2,conv5_1:0.2".
	ParamStyleLayers = "style_layers"

	// ParamImageHeight and ParamImageWidth are the dimensions the content and style images are resized to.
	ParamImageHeight = "image_height"
	ParamImageWidth  = "image_width"

	// ParamNoiseRatio is the fraction of noise blended into the content image to create the initial
	// generated image.
	ParamNoiseRatio = "noise_ratio"

	// ParamNoiseRange is the half-width of the uniform noise.
	ParamNoiseRange = "noise_range"

	// ParamSeed for the random number generator. If negative, a random seed is used.
	ParamSeed = "seed"
)

// Reference values of the hyperparameters.
const (
	DefaultAlpha          = 10.0
	DefaultBeta           = 40.0
	DefaultLearningRate   = 2.0
	DefaultAdamEpsilon    = 1e-8
	DefaultIterations     = 200
	DefaultSnapshotPeriod = 20
)

// Names of the generated images saved in the output directory.
const (
	// FinalImageName is the name of the image saved at the end of the optimization.
	FinalImageName = "generated_image.jpg"

	// SnapshotExtension of the intermediary images, named after their iteration.
	SnapshotExtension = ".png"
)

// SnapshotName returns the file name of the snapshot of the given iteration, e.g. "20.png".
func SnapshotName(iteration int) string {
	return fmt.Sprintf("%d%s", iteration, SnapshotExtension)
}

// Config of the style transfer.
type Config struct {
	Alpha, Beta    float64
	LearningRate   float64
	AdamEpsilon    float64
	Iterations     int
	SnapshotPeriod int
	ContentLayer   vgg19.Layer
	StyleLayers    []costs.StyleLayer
	Height, Width  int
	NoiseRatio     float64
	NoiseRange     float64
	Seed           int64
	Pooling        vgg19.Pooling

	// OutputDir where snapshots and the final image are saved. If empty, images are not saved.
	OutputDir string

	// ShowProgressBar during Transfer.Run.
	ShowProgressBar bool
}

// DefaultConfig returns the configuration with the reference values. OutputDir is left empty,
// in which case no images are saved.
func DefaultConfig() Config {
	return Config{
		Alpha:          DefaultAlpha,
		Beta:           DefaultBeta,
		LearningRate:   DefaultLearningRate,
		AdamEpsilon:    DefaultAdamEpsilon,
		Iterations:     DefaultIterations,
		SnapshotPeriod: DefaultSnapshotPeriod,
		ContentLayer:   costs.DefaultContentLayer,
		StyleLayers:    costs.DefaultStyleLayers(),
		Height:         imageio.DefaultHeight,
		Width:          imageio.DefaultWidth,
		NoiseRatio:     imageio.DefaultNoiseRatio,
		NoiseRange:     imageio.DefaultNoiseRange,
		Seed:           -1,
		Pooling:        vgg19.MeanPooling,
	}
}

// SetDefaultParams sets the hyperparameters in ctx to their reference values.
// Use ConfigFromContext to read them back, after they are edited (e.g.: with commandline.ParseContextSettings).
func SetDefaultParams(ctx *context.Context) {
	cfg := DefaultConfig()
	ctx.SetParams(map[string]any{
		ParamAlpha:          cfg.Alpha,
		ParamBeta:           cfg.Beta,
		ParamLearningRate:   cfg.LearningRate,
		ParamAdamEpsilon:    cfg.AdamEpsilon,
		ParamIterations:     cfg.Iterations,
		ParamSnapshotPeriod: cfg.SnapshotPeriod,
		ParamContentLayer:   cfg.ContentLayer.String(),
		ParamStyleLayers:    costs.FormatStyleLayers(cfg.StyleLayers),
		ParamImageHeight:    cfg.Height,
		ParamImageWidth:     cfg.Width,
		ParamNoiseRatio:     cfg.NoiseRatio,
		ParamNoiseRange:     cfg.NoiseRange,
		ParamSeed:           int(cfg.Seed),
		vgg19.ParamPooling:  cfg.Pooling.String(),
	})
}

// ConfigFromContext reads the configuration from the hyperparameters in ctx. Missing hyperparameters
// take their reference values.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.Alpha = context.GetParamOr(ctx, ParamAlpha, cfg.Alpha)
	cfg.Beta = context.GetParamOr(ctx, ParamBeta, cfg.Beta)
	cfg.LearningRate = context.GetParamOr(ctx, ParamLearningRate, cfg.LearningRate)
	cfg.AdamEpsilon = context.GetParamOr(ctx, ParamAdamEpsilon, cfg.AdamEpsilon)
	cfg.Iterations = context.GetParamOr(ctx, ParamIterations, cfg.Iterations)
	cfg.SnapshotPeriod = context.GetParamOr(ctx, ParamSnapshotPeriod, cfg.SnapshotPeriod)
	cfg.Height = context.GetParamOr(ctx, ParamImageHeight, cfg.Height)
	cfg.Width = context.GetParamOr(ctx, ParamImageWidth, cfg.Width)
	cfg.NoiseRatio = context.GetParamOr(ctx, ParamNoiseRatio, cfg.NoiseRatio)
	cfg.NoiseRange = context.GetParamOr(ctx, ParamNoiseRange, cfg.NoiseRange)
	cfg.Seed = int64(context.GetParamOr(ctx, ParamSeed, int(cfg.Seed)))

	var err error
	contentLayer := context.GetParamOr(ctx, ParamContentLayer, cfg.ContentLayer.String())
	cfg.ContentLayer, err = vgg19.LayerFromString(contentLayer)
	if err != nil {
		return cfg, errors.WithMessagef(err, "invalid %q", ParamContentLayer)
	}
	styleLayers := context.GetParamOr(ctx, ParamStyleLayers, costs.FormatStyleLayers(cfg.StyleLayers))
	cfg.StyleLayers, err = costs.ParseStyleLayers(styleLayers)
	if err != nil {
		return cfg, errors.WithMessagef(err, "invalid %q", ParamStyleLayers)
	}
	pooling := context.GetParamOr(ctx, vgg19.ParamPooling, cfg.Pooling.String())
	cfg.Pooling, err = vgg19.PoolingFromString(pooling)
	if err != nil {
		return cfg, errors.WithMessagef(err, "invalid %q", vgg19.ParamPooling)
	}
	return cfg, cfg.Validate()
}

// Validate returns an error if some value of the configuration is out of range.
func (cfg Config) Validate() error {
	var problems []string
	if cfg.Alpha < 0 || cfg.Beta < 0 {
		problems = append(problems, fmt.Sprintf("alpha (%g) and beta (%g) must be >= 0", cfg.Alpha, cfg.Beta))
	}
	if cfg.LearningRate <= 0 {
		problems = append(problems, fmt.Sprintf("learning rate (%g) must be > 0", cfg.LearningRate))
	}
	if cfg.AdamEpsilon <= 0 {
		problems = append(problems, fmt.Sprintf("adam epsilon (%g) must be > 0", cfg.AdamEpsilon))
	}
	if cfg.Iterations < 0 {
		problems = append(problems, fmt.Sprintf("iterations (%d) must be >= 0", cfg.Iterations))
	}
	if cfg.SnapshotPeriod <= 0 {
		problems = append(problems, fmt.Sprintf("snapshot period (%d) must be > 0", cfg.SnapshotPeriod))
	}
	if !cfg.ContentLayer.IsValid() {
		problems = append(problems, fmt.Sprintf("invalid content layer %s", cfg.ContentLayer))
	}
	if len(cfg.StyleLayers) == 0 {
		problems = append(problems, "at least one style layer is required")
	}
	if cfg.Height < 0 || cfg.Width < 0 {
		problems = append(problems, fmt.Sprintf("image size %dx%d must be >= 0", cfg.Height, cfg.Width))
	}
	if cfg.NoiseRatio < 0 || cfg.NoiseRatio > 1 {
		problems = append(problems, fmt.Sprintf("noise ratio (%g) must be in [0, 1]", cfg.NoiseRatio))
	}
	if cfg.NoiseRange < 0 {
		problems = append(problems, fmt.Sprintf("noise range (%g) must be >= 0", cfg.NoiseRange))
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid style transfer configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Layers returns all VGG19 layers needed by the configuration, content layer first.
func (cfg Config) Layers() []vgg19.Layer {
	return append([]vgg19.Layer{cfg.ContentLayer}, costs.StyleLayersList(cfg.StyleLayers)...)
}

// NumSnapshots returns the number of intermediary images saved during the optimization: one every
// SnapshotPeriod iterations, starting at iteration 0.
func (cfg Config) NumSnapshots() int {
	if cfg.SnapshotPeriod <= 0 {
		return 0
	}
	return (cfg.Iterations + cfg.SnapshotPeriod - 1) / cfg.SnapshotPeriod
}
