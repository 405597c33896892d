// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// styletransfer generates an image with the content of one image and the style of another.
//
// Usage:
//
//	styletransfer -content=photo.jpg -style=painting.jpg -output=output -set="iterations=400;beta=100"
//
// Hyperparameters are set with -set, see styletransfer.SetDefaultParams for the list.
// The VGG19 weights are downloaded from Keras to the -data directory, unless -weights is given.
// The backend is selected with the environment variable GOMLX_BACKEND.
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/styletransfer/models/vgg19"
	"github.com/gomlx/styletransfer/pkg/costplot"
	"github.com/gomlx/styletransfer/pkg/imageio"
	"github.com/gomlx/styletransfer/pkg/styletransfer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagContent  string
	flagStyle    string
	flagOutput   = flag.String("output", "output", "Directory where the intermediary and final generated images are saved.")
	flagDataDir  = flag.String("data", "~/.cache/styletransfer", "Directory to cache the downloaded VGG19 weights.")
	flagWeights  = flag.String("weights", "", "Path to the VGG19 weights: a directory with unpacked Keras weights, a Keras \".h5\" file or a \".mat\" file. If empty, the Keras weights are downloaded to -data.")
	flagPlot     = flag.Bool("plot", false, "Save a plot (costs.png) and the points (cost_points.json) of the costs to the output directory.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
)

func init() {
	flag.StringVar(&flagContent, "content", "", "Path to the content image (required).")
	flag.StringVar(&flagContent, "c", "", "Alias to -content.")
	flag.StringVar(&flagStyle, "style", "", "Path to the style image (required).")
	flag.StringVar(&flagStyle, "s", "", "Alias to -style.")
}

func main() {
	ctx := context.New()
	styletransfer.SetDefaultParams(ctx)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if flagContent == "" || flagStyle == "" {
		fmt.Fprintf(os.Stderr, "Flags -content and -style are required.\n\n")
		flag.Usage()
		os.Exit(2)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	goCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt)
	defer stop()
	err := exceptions.TryCatch[error](func() {
		must.M(run(goCtx, ctx))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(goCtx stdcontext.Context, ctx *context.Context) error {
	cfg, err := styletransfer.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	cfg.OutputDir = *flagOutput
	cfg.ShowProgressBar = *flagProgress

	weights, err := loadWeights()
	if err != nil {
		return err
	}
	content, err := imageio.Load(flagContent, cfg.Height, cfg.Width)
	if err != nil {
		return err
	}
	style, err := imageio.Load(flagStyle, cfg.Height, cfg.Width)
	if err != nil {
		return err
	}

	backend := backends.MustNew()
	defer backend.Finalize()
	klog.V(1).Infof("backend: %s", backend.Description())

	t, err := styletransfer.New(backend, ctx, cfg, weights, imageio.Normalize(content), imageio.Normalize(style))
	if err != nil {
		return err
	}
	if err = t.Run(goCtx); err != nil {
		return err
	}
	fmt.Println(t.History().Table())

	if *flagPlot {
		history := t.History()
		pointsPath := filepath.Join(cfg.OutputDir, costplot.PointsFileName)
		if err = history.SavePoints(pointsPath); err != nil {
			return err
		}
		plotPath := filepath.Join(cfg.OutputDir, costplot.PlotFileName)
		if err = history.SavePlot(plotPath); err != nil {
			return err
		}
		klog.Infof("saved cost plot to %q and points to %q", plotPath, pointsPath)
	}
	return nil
}

// loadWeights from -weights, or downloads the Keras weights to -data.
func loadWeights() (*vgg19.Weights, error) {
	weightsPath := *flagWeights
	if weightsPath == "" {
		var err error
		weightsPath, err = vgg19.DownloadAndUnpackWeights(*flagDataDir)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to download VGG19 weights, use -weights to provide them")
		}
	}
	return vgg19.LoadWeights(weightsPath)
}
