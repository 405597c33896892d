// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg19

import (
	"os"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// MatConvNetLayersVariable is the cell array with one struct per layer in MatConvNet model files,
	// like "imagenet-vgg-verydeep-19.mat".
	MatConvNetLayersVariable = "layers"

	// MatlabKernelSuffix and MatlabBiasSuffix are appended to the layer name (e.g. "conv4_2") to
	// form the names of the variables in a flat MATLAB weights file.
	MatlabKernelSuffix = "_W"
	MatlabBiasSuffix   = "_b"
)

// LoadMatlabWeights reads VGG19 weights from a MATLAB ".mat" file, in one of two layouts:
//
//   - MatConvNet's "imagenet-vgg-verydeep-19.mat": the variable "layers" is a cell array of structs,
//     each with a "name" (e.g. "conv1_1") and "weights", a cell with the [3, 3, in, out] kernel and the bias.
//     Older MatConvNet files store them in the fields "filters" and "biases" instead.
//     Layers that are not convolutions (e.g. "relu1_1", "pool1", "fc6") are skipped.
//   - A flat file, used if there is no "layers" variable: one numeric variable per tensor, named
//     "<layer>_W" for the kernel and "<layer>_b" for the bias (e.g. "conv1_1_W" and "conv1_1_b").
//
// The convolutions must be given in order, starting at conv1_1, but it's ok to have only the first
// layers. Values are stored by MATLAB in column-major order, and they are transposed here to GoMLX
// row-major order. MatConvNet trained VGG19 on RGB images.
func LoadMatlabWeights(filePath string) (*Weights, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "vgg19: failed to open MATLAB weights file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "vgg19: failed to parse MATLAB weights file %q", filePath)
	}

	// The matlab package panics on contents it doesn't support (sparse or object arrays, etc.).
	var w *Weights
	exception := exceptions.Try(func() {
		layersVar, found := matFile.GetVar(MatConvNetLayersVariable)
		if found {
			w, err = matConvNetWeights(layersVar)
		} else {
			w, err = flatMatlabWeights(matFile)
		}
	})
	if exception != nil {
		err = exceptionToError(exception)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "vgg19: reading MATLAB weights file %q", filePath)
	}
	if err = w.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "vgg19: MATLAB weights file %q", filePath)
	}
	klog.V(1).Infof("vgg19: read %d layers from MATLAB file %q", w.Depth(), filePath)
	return w, nil
}

func exceptionToError(exception any) error {
	if err, ok := exception.(error); ok {
		return err
	}
	return errors.Errorf("%v", exception)
}

// matConvNetWeights walks the MatConvNet cell array of layers.
func matConvNetWeights(layersVar *matlab.Matrix) (*Weights, error) {
	if layersVar.Class.String() != "Cell array" {
		return nil, errors.Errorf("variable %q must be a cell array, got %s", MatConvNetLayersVariable, layersVar.Class)
	}
	w := NewWeights(RGB)
	next := Conv1_1
	for ii, value := range layersVar.Value() {
		layerStruct, ok := value.(*matlab.Matrix)
		if !ok || layerStruct.Class.String() != "Structure" {
			return nil, errors.Errorf("%s{%d} must be a struct", MatConvNetLayersVariable, ii+1)
		}
		fields := layerStruct.Struct()
		nameVar, found := fields["name"]
		if !found {
			return nil, errors.Errorf("%s{%d} has no field \"name\"", MatConvNetLayersVariable, ii+1)
		}
		name, err := matlabString(nameVar)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s{%d}.name", MatConvNetLayersVariable, ii+1)
		}
		l, err := LayerFromString(name)
		if err != nil || !isConvName(name) {
			klog.V(2).Infof("vgg19: skipping MatConvNet layer %q", name)
			continue
		}
		if l != next {
			return nil, errors.Errorf("%s{%d} is layer %s, but %s was expected", MatConvNetLayersVariable, ii+1, l, next)
		}

		kernelVar, biasVar, err := matConvNetParams(fields)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %s", l)
		}
		kernel, err := matlabToTensor(kernelVar, false)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %s kernel", l)
		}
		bias, err := matlabToTensor(biasVar, true)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %s bias", l)
		}
		w.Set(l, kernel, bias)
		next++
		if int(next) == NumLayers {
			break
		}
	}
	return w, nil
}

// isConvName excludes the Keras names accepted by LayerFromString, which MatConvNet doesn't use.
func isConvName(name string) bool {
	return len(name) > 4 && name[:4] == "conv"
}

// matConvNetParams returns the kernel and bias of a layer struct.
func matConvNetParams(fields map[string]*matlab.Matrix) (kernel, bias *matlab.Matrix, err error) {
	if weights, found := fields["weights"]; found {
		values := weights.Value()
		if weights.Class.String() != "Cell array" || len(values) != 2 {
			return nil, nil, errors.Errorf("field \"weights\" must be a cell array with {kernel, bias}, got %s with %d values",
				weights.Class, len(values))
		}
		var ok bool
		if kernel, ok = values[0].(*matlab.Matrix); !ok {
			return nil, nil, errors.Errorf("weights{1} is not an array")
		}
		if bias, ok = values[1].(*matlab.Matrix); !ok {
			return nil, nil, errors.Errorf("weights{2} is not an array")
		}
		return kernel, bias, nil
	}
	filters, foundFilters := fields["filters"]
	biases, foundBiases := fields["biases"]
	if !foundFilters || !foundBiases {
		return nil, nil, errors.Errorf("struct has neither the field \"weights\" nor \"filters\" and \"biases\"")
	}
	return filters, biases, nil
}

// flatMatlabWeights reads the "<layer>_W" and "<layer>_b" variables, until the first missing layer.
func flatMatlabWeights(matFile *matlab.File) (*Weights, error) {
	w := NewWeights(RGB)
	for _, l := range AllLayers() {
		kernelVar, foundKernel := matFile.GetVar(l.String() + MatlabKernelSuffix)
		biasVar, foundBias := matFile.GetVar(l.String() + MatlabBiasSuffix)
		if !foundKernel || !foundBias {
			if l == Conv1_1 {
				return nil, errors.Errorf("neither the variable %q nor %q found", MatConvNetLayersVariable,
					l.String()+MatlabKernelSuffix)
			}
			break
		}
		kernel, err := matlabToTensor(kernelVar, false)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", kernelVar.Name)
		}
		bias, err := matlabToTensor(biasVar, true)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", biasVar.Name)
		}
		w.Set(l, kernel, bias)
	}
	return w, nil
}

// matlabToTensor converts a single or double precision MATLAB array to a float32 tensor with the same
// dimensions. If flat is true, the tensor is reshaped to rank 1: MATLAB stores vectors as [n, 1] or [1, n].
func matlabToTensor(m *matlab.Matrix, flat bool) (*tensors.Tensor, error) {
	dims := make([]int, len(m.Dimension))
	size := 1
	for ii, dim := range m.Dimension {
		dims[ii] = int(dim)
		size *= dims[ii]
	}
	values := m.Value()
	if len(values) != size {
		return nil, errors.Errorf("array has %d values, expected %d for dimensions %v", len(values), size, dims)
	}
	columnMajor := make([]float32, len(values))
	for ii, value := range values {
		switch v := value.(type) {
		case float32:
			columnMajor[ii] = v
		case float64:
			columnMajor[ii] = float32(v)
		default:
			return nil, errors.Errorf("array of class %s not supported, only single and double precision arrays",
				m.Class)
		}
	}
	if flat {
		return tensors.FromFlatDataAndDimensions(columnMajor, size), nil
	}
	return tensors.FromFlatDataAndDimensions(columnToRowMajor(columnMajor, dims), dims...), nil
}

// matlabString decodes a MATLAB character array. Characters may be stored as UTF-8 or UTF-16 code units.
func matlabString(m *matlab.Matrix) (string, error) {
	if m.Class.String() != "Character array" {
		return "", errors.Errorf("expected a character array, got %s", m.Class)
	}
	runes := make([]rune, 0, len(m.Value()))
	for _, value := range m.Value() {
		switch v := value.(type) {
		case uint16:
			runes = append(runes, rune(v))
		case uint8:
			runes = append(runes, rune(v))
		case int8:
			runes = append(runes, rune(v))
		case rune:
			runes = append(runes, v)
		default:
			return "", errors.Errorf("unsupported character of type %T", value)
		}
	}
	return string(runes), nil
}
