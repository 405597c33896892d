// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package styletransfer implements neural style transfer: it optimizes the pixels of a generated image
// so its VGG19 activations match the content image's at the content layer, and the Gram matrices of
// its activations match the style image's at the style layers.
//
// Example:
//
//	weights := must.M1(vgg19.LoadWeights(weightsDir))
//	content := imageio.Normalize(must.M1(imageio.Load(contentPath, 300, 400)))
//	style := imageio.Normalize(must.M1(imageio.Load(stylePath, 300, 400)))
//	t := must.M1(styletransfer.New(backend, ctx, cfg, weights, content, style))
//	must.M(t.Run(context.Background()))
package styletransfer

import (
	stdcontext "context"
	"path/filepath"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/styletransfer/models/vgg19"
	"github.com/gomlx/styletransfer/pkg/costplot"
	"github.com/gomlx/styletransfer/pkg/costs"
	"github.com/gomlx/styletransfer/pkg/imageio"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Context scopes and variable names used by Transfer.
const (
	// GeneratedScope holds the generated image variable, the only trainable variable.
	GeneratedScope       = "generated"
	GeneratedImageName   = "image"
	TargetsScope         = "targets"
	ContentTargetName    = "content"
	StyleTargetsSubScope = "style"
)

// Cost values of the generated image.
type Cost struct {
	Total, Content, Style float64
}

// OnSnapshotFn is called at each snapshot of Transfer.Run, with the iteration and the costs after
// the optimization step of that iteration.
type OnSnapshotFn func(t *Transfer, iteration int, cost Cost) error

type snapshotHook struct {
	name string
	fn   OnSnapshotFn
}

// Transfer holds the state of one style transfer: the backend, the context with the VGG19 weights,
// the frozen targets and the generated image, the optimizer and the compiled graphs.
type Transfer struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	generatedVar     *context.Variable
	contentTargetVar *context.Variable
	styleTargetVars  map[vgg19.Layer]*context.Variable

	optimizer           optimizers.Interface
	stepExec, costsExec *context.Exec

	iteration   int
	history     *costplot.History
	onSnapshots []snapshotHook
}

// New creates a style transfer of style to content.
//
// The content and style images must be normalized (see imageio.Normalize), and shaped [1, height, width, 3].
// The weights must cover the deepest layer used in cfg.
//
// ctx will hold the weights (as non-trainable variables), the frozen target activations, the generated image
// and the optimizer state. If nil, a new context is created. If cfg.Seed >= 0, the random number generator
// of ctx is seeded with it.
//
// The initial generated image is the content image blended with uniform noise, see imageio.NoiseImageGraph.
func New(backend backends.Backend, ctx *context.Context, cfg Config, weights *vgg19.Weights,
	content, style *tensors.Tensor) (*Transfer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkImages(content, style); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.New()
	}
	deepest := vgg19.Deepest(cfg.Layers()...)
	if weights.Depth() <= int(deepest) {
		return nil, errors.Errorf("weights have only %d layers, but layer %s is required", weights.Depth(), deepest)
	}
	if err := weights.SetInContext(ctx); err != nil {
		return nil, err
	}
	if cfg.Seed >= 0 {
		ctx.RngStateFromSeed(cfg.Seed)
	}

	t := &Transfer{
		backend:         backend,
		ctx:             ctx,
		cfg:             cfg,
		styleTargetVars: make(map[vgg19.Layer]*context.Variable, len(cfg.StyleLayers)),
		history:         costplot.NewHistory(),
	}
	if err := t.createTargets(content, style); err != nil {
		return nil, err
	}
	noisy, err := imageio.NoiseImage(backend, ctx, content, cfg.NoiseRatio, cfg.NoiseRange)
	if err != nil {
		return nil, err
	}
	t.generatedVar = ctx.In(GeneratedScope).VariableWithValue(GeneratedImageName, noisy)

	t.optimizer = optimizers.Adam().
		LearningRate(cfg.LearningRate).
		Epsilon(cfg.AdamEpsilon).
		Done()
	err = TryCatch[error](func() {
		t.stepExec = context.MustNewExec(backend, ctx, t.stepGraph)
		t.costsExec = context.MustNewExec(backend, ctx, t.CostGraph)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create style transfer executors")
	}
	return t, nil
}

// checkImages returns an error if the content and style images are not normalized RGB images
// of the same shape.
func checkImages(content, style *tensors.Tensor) error {
	for _, img := range []struct {
		name string
		t    *tensors.Tensor
	}{{"content", content}, {"style", style}} {
		if img.t == nil {
			return errors.Errorf("%s image is nil", img.name)
		}
		shape := img.t.Shape()
		if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[0] != 1 || shape.Dimensions[3] != 3 {
			return errors.Errorf("%s image must be float32 shaped [1, height, width, 3], got %s", img.name, shape)
		}
	}
	if !content.Shape().Equal(style.Shape()) {
		return errors.Errorf("content image %s and style image %s must have the same shape, resize them to the same dimensions",
			content.Shape(), style.Shape())
	}
	return nil
}

// features returns the activations of image at the given layers.
func (t *Transfer) features(ctx *context.Context, image *Node, layers ...vgg19.Layer) vgg19.Activations {
	return vgg19.BuildGraph(ctx, image).Pooling(t.cfg.Pooling).Done(layers...)
}

// createTargets computes the activations of the content image at the content layer, and of the style image
// at the style layers, and stores them as non-trainable variables.
func (t *Transfer) createTargets(content, style *tensors.Tensor) error {
	styleLayers := costs.StyleLayersList(t.cfg.StyleLayers)
	var outputs []*tensors.Tensor
	err := TryCatch[error](func() {
		outputs = context.MustExecOnceN(t.backend, t.ctx, func(ctx *context.Context, content, style *Node) []*Node {
			targets := []*Node{t.features(ctx, content, t.cfg.ContentLayer)[t.cfg.ContentLayer]}
			styleActs := t.features(ctx, style, styleLayers...)
			for _, l := range styleLayers {
				targets = append(targets, styleActs[l])
			}
			return targets
		}, content, style)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to compute target activations")
	}
	ctxTargets := t.ctx.In(TargetsScope)
	t.contentTargetVar = ctxTargets.VariableWithValue(ContentTargetName, outputs[0]).SetTrainable(false)
	ctxStyle := ctxTargets.In(StyleTargetsSubScope)
	for ii, l := range styleLayers {
		t.styleTargetVars[l] = ctxStyle.VariableWithValue(l.String(), outputs[1+ii]).SetTrainable(false)
	}
	klog.V(1).Infof("computed targets: content %s at %s, %d style layers",
		outputs[0].Shape(), t.cfg.ContentLayer, len(styleLayers))
	return nil
}

// CostGraph builds the total, content and style costs of the current generated image.
func (t *Transfer) CostGraph(ctx *context.Context, g *Graph) (total, content, style *Node) {
	generated := t.generatedVar.ValueGraph(g)
	acts := t.features(ctx, generated, t.cfg.Layers()...)
	content = costs.ContentCost(t.contentTargetVar.ValueGraph(g), acts[t.cfg.ContentLayer])
	styleTargets := make(vgg19.Activations, len(t.styleTargetVars))
	for l, v := range t.styleTargetVars {
		styleTargets[l] = v.ValueGraph(g)
	}
	style = costs.StyleCost(styleTargets, acts, t.cfg.StyleLayers)
	total = costs.TotalCost(content, style, t.cfg.Alpha, t.cfg.Beta)
	return
}

// stepGraph builds the costs and the Adam update of the generated image.
func (t *Transfer) stepGraph(ctx *context.Context, g *Graph) (total, content, style *Node) {
	total, content, style = t.CostGraph(ctx, g)
	t.optimizer.UpdateGraph(ctx, g, total)
	return
}

func toCost(total, content, style *tensors.Tensor) Cost {
	return Cost{
		Total:   float64(tensors.ToScalar[float32](total)),
		Content: float64(tensors.ToScalar[float32](content)),
		Style:   float64(tensors.ToScalar[float32](style)),
	}
}

// Step takes one optimization step on the generated image. It returns the costs of the generated
// image before the update.
func (t *Transfer) Step() (Cost, error) {
	var cost Cost
	err := TryCatch[error](func() {
		total, content, style, err := t.stepExec.Exec3()
		if err != nil {
			panic(err)
		}
		cost = toCost(total, content, style)
	})
	if err != nil {
		return cost, errors.WithMessagef(err, "failed optimization step %d", t.iteration)
	}
	t.iteration++
	return cost, nil
}

// Costs returns the costs of the current generated image.
func (t *Transfer) Costs() (Cost, error) {
	var cost Cost
	err := TryCatch[error](func() {
		total, content, style, err := t.costsExec.Exec3()
		if err != nil {
			panic(err)
		}
		cost = toCost(total, content, style)
	})
	if err != nil {
		return cost, errors.WithMessage(err, "failed to compute costs")
	}
	return cost, nil
}

// OnSnapshot adds a hook called at every snapshot of Run, after the snapshot image is saved.
// The name is used for error reporting.
func (t *Transfer) OnSnapshot(name string, fn OnSnapshotFn) {
	t.onSnapshots = append(t.onSnapshots, snapshotHook{name: name, fn: fn})
}

// Run the optimization for Config.Iterations steps.
//
// Every Config.SnapshotPeriod iterations (starting at 0), after the step, the costs are logged and
// recorded in History, the generated image is saved to "<OutputDir>/<iteration>.png" and the OnSnapshot
// hooks are called. At the end the generated image is saved to "<OutputDir>/generated_image.jpg".
// Images are not saved if Config.OutputDir is empty.
//
// The Go context goCtx is checked for cancellation between iterations.
func (t *Transfer) Run(goCtx stdcontext.Context) error {
	start := time.Now()
	var pBar *progressbar.ProgressBar
	if t.cfg.ShowProgressBar {
		pBar = progressbar.NewOptions(t.cfg.Iterations,
			progressbar.OptionSetDescription("Style transfer"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode))
	}
	for range t.cfg.Iterations {
		if err := goCtx.Err(); err != nil {
			return errors.Wrapf(err, "style transfer interrupted at iteration %d", t.iteration)
		}
		iteration := t.iteration
		if _, err := t.Step(); err != nil {
			return err
		}
		if iteration%t.cfg.SnapshotPeriod == 0 {
			if err := t.snapshot(iteration); err != nil {
				return err
			}
		}
		if pBar != nil {
			_ = pBar.Add(1)
		}
	}
	if pBar != nil {
		_ = pBar.Finish()
	}
	if t.cfg.OutputDir != "" {
		finalPath := filepath.Join(t.cfg.OutputDir, FinalImageName)
		if err := t.SaveImage(finalPath); err != nil {
			return err
		}
		klog.Infof("saved generated image to %q", finalPath)
	}
	klog.V(1).Infof("style transfer: %d iterations in %s", t.cfg.Iterations, time.Since(start).Round(time.Millisecond))
	return nil
}

// snapshot logs and records the costs, saves the generated image and calls the hooks.
func (t *Transfer) snapshot(iteration int) error {
	cost, err := t.Costs()
	if err != nil {
		return err
	}
	klog.Infof("Iteration %d: total cost = %g, content cost = %g, style cost = %g",
		iteration, cost.Total, cost.Content, cost.Style)
	t.history.Add(iteration, cost.Total, cost.Content, cost.Style)
	if t.cfg.OutputDir != "" {
		if err := t.SaveImage(filepath.Join(t.cfg.OutputDir, SnapshotName(iteration))); err != nil {
			return err
		}
	}
	for _, hook := range t.onSnapshots {
		if err := hook.fn(t, iteration, cost); err != nil {
			return errors.WithMessagef(err, "styletransfer.Transfer.OnSnapshot(hook %q)", hook.name)
		}
	}
	return nil
}

// GeneratedImage returns the current generated image, normalized. See imageio.Denormalize.
func (t *Transfer) GeneratedImage() *tensors.Tensor {
	return t.generatedVar.Value()
}

// SaveImage saves the current generated image to filePath, the format is chosen by the extension.
func (t *Transfer) SaveImage(filePath string) error {
	return imageio.Save(t.GeneratedImage(), filePath)
}

// Iteration returns the number of optimization steps taken so far.
func (t *Transfer) Iteration() int { return t.iteration }

// History of the costs recorded at each snapshot.
func (t *Transfer) History() *costplot.History { return t.history }

// Config used by the style transfer.
func (t *Transfer) Config() Config { return t.cfg }

// Context holding the variables of the style transfer.
func (t *Transfer) Context() *context.Context { return t.ctx }
