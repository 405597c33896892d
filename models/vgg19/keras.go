// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg19

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/styletransfer/internal/downloader"
	"github.com/gomlx/styletransfer/internal/hdf5"
	"github.com/pkg/errors"
)

const (
	// WeightsURL is the URL of the Keras VGG19 weights without the classification top layers,
	// which are not needed to extract features.
	WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/vgg19/vgg19_weights_tf_dim_ordering_tf_kernels_notop.h5"

	// WeightsH5Checksum is the MD5 checksum of the weights file, as published by Keras.
	WeightsH5Checksum = "253f8cb515780f3b799900260a226db6"

	// WeightsH5Name is the name of the local ".h5" file with the weights.
	WeightsH5Name = "vgg19_weights_notop.h5"

	// UnpackedWeightsName is the name of the subdirectory that holds the unpacked weights.
	UnpackedWeightsName = "gomlx_weights"
)

// DownloadAndUnpackWeights to the given baseDir. It only does the work if the files are not there yet.
//
// It is verbose and uses a progressbar if downloading/unpacking. It is quiet if there is nothing to do.
// It returns the path to the directory with the unpacked weights, which can be given to LoadKerasWeights.
func DownloadAndUnpackWeights(baseDir string) (unpackedDir string, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	unpackedDir = filepath.Join(baseDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedDir) {
		return
	}
	weightsH5Path := filepath.Join(baseDir, WeightsH5Name)
	if err = downloader.DownloadIfMissing(WeightsURL, weightsH5Path, WeightsH5Checksum); err != nil {
		return
	}
	err = UnpackKerasWeights(weightsH5Path, unpackedDir)
	return
}

// UnpackKerasWeights unpacks the ".h5" Keras weights file into a directory with one file per tensor.
// It requires the `h5dump` program, see package hdf5.
func UnpackKerasWeights(h5Path, unpackedDir string) error {
	fmt.Printf("Unpacking weights to %s:\n", unpackedDir)
	return hdf5.Unpack(h5Path, unpackedDir).ProgressBar().Done()
}

// LoadKerasWeights reads the weights unpacked from the Keras ".h5" file.
//
// Keras stores each layer under a group with its name (e.g. "block4_conv2"). Depending on the
// Keras version that saved the file the kernel is named "block4_conv2_W_1:0" or "kernel:0", and
// the bias "block4_conv2_b_1:0" or "bias:0": both are accepted.
//
// Keras VGG19 was trained on BGR images ("caffe" preprocessing), so the weights are marked as BGR.
func LoadKerasWeights(unpackedDir string) (*Weights, error) {
	unpackedDir = fsutil.MustReplaceTildeInDir(unpackedDir)
	w := NewWeights(BGR)
	for _, l := range AllLayers() {
		kernelPath, biasPath, err := findKerasLayerFiles(filepath.Join(unpackedDir, l.KerasName()), l)
		if err != nil {
			return nil, err
		}
		kernel, err := tensors.Load(kernelPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "vgg19: failed loading kernel of %s from %q", l, kernelPath)
		}
		bias, err := tensors.Load(biasPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "vgg19: failed loading bias of %s from %q", l, biasPath)
		}
		w.Set(l, kernel, bias)
	}
	if !w.IsReference() {
		return nil, errors.Errorf("vgg19: weights in %q don't match the VGG19 architecture", unpackedDir)
	}
	return w, nil
}

// findKerasLayerFiles searches the layer directory for the kernel and bias tensor files.
func findKerasLayerFiles(layerDir string, l Layer) (kernelPath, biasPath string, err error) {
	err = filepath.WalkDir(layerDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), ":0")
		switch {
		case name == "kernel" || strings.HasPrefix(name, l.KerasName()+"_W"):
			kernelPath = p
		case name == "bias" || strings.HasPrefix(name, l.KerasName()+"_b"):
			biasPath = p
		}
		return nil
	})
	if err != nil {
		err = errors.Wrapf(err, "vgg19: failed to scan weights of %s in %q", l, layerDir)
		return
	}
	if kernelPath == "" || biasPath == "" {
		err = errors.Errorf("vgg19: kernel or bias for %s not found in %q", l, layerDir)
	}
	return
}
