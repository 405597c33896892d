// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 reads numeric datasets from HDF5 files (the format of Keras ".h5" weights) into GoMLX tensors.
//
// It shells out to the `h5dump` binary (from the `hdf5-tools` package of most Linux distributions),
// so there is no cgo dependency on the HDF5 library.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the program used to read HDF5 files. It must be in the PATH.
var H5DumpBinary = "h5dump"

// Dataset describes one dataset of an HDF5 file.
//
// Name is the full path of the dataset within the file, e.g.: "/block1_conv1/block1_conv1/kernel:0".
// Shape is only valid (Shape.Ok()) for numeric datasets with a supported dtype.
type Dataset struct {
	FilePath, Name string
	Shape          shapes.Shape
}

// List the datasets of the HDF5 file, sorted by name.
func List(filePath string) ([]*Dataset, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	contents, err := h5dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	names, err := parseDatasetNames(string(contents))
	if err != nil {
		return nil, errors.WithMessagef(err, "listing HDF5 file %q", filePath)
	}
	if len(names) == 0 {
		return nil, nil
	}

	args := make([]string, 0, len(names)+2)
	args = append(args, "--header")
	for _, name := range names {
		args = append(args, "--dataset="+name)
	}
	args = append(args, filePath)
	headers, err := h5dump(args...)
	if err != nil {
		return nil, err
	}
	shapesByName, err := parseHeaders(string(headers))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading headers of HDF5 file %q", filePath)
	}

	datasets := make([]*Dataset, 0, len(names))
	for _, name := range names {
		shape, found := shapesByName[name]
		if !found {
			return nil, errors.Errorf("header for dataset %q missing in HDF5 file %q", name, filePath)
		}
		datasets = append(datasets, &Dataset{FilePath: filePath, Name: name, Shape: shape})
	}
	return datasets, nil
}

var (
	reDatasetEntry   = regexp.MustCompile(`(?m)^\s*dataset\s+(/\S.*?)\s*$`)
	reHeaderName     = regexp.MustCompile(`^\s*"(.*?)"\s*\{`)
	reHeaderDataType = regexp.MustCompile(`(?m)^\s*DATATYPE\s+(\w+)`)
	reHeaderSpace    = regexp.MustCompile(`(?m)^\s*DATASPACE\s+(\w+)(?:\s*\{\s*\(([^)]*)\))?`)
)

// parseDatasetNames parses the output of `h5dump --contents` and returns the sorted dataset names.
func parseDatasetNames(contents string) ([]string, error) {
	var names []string
	for _, match := range reDatasetEntry.FindAllStringSubmatch(contents, -1) {
		name := match[1]
		if strings.HasPrefix(name, "-") {
			return nil, errors.Errorf("invalid dataset name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// parseHeaders parses the output of `h5dump --header` and returns the shape of each dataset.
// Datasets with unsupported types or dataspaces are mapped to an invalid shape.
func parseHeaders(headers string) (map[string]shapes.Shape, error) {
	parts := strings.Split(headers, "DATASET")
	shapesByName := make(map[string]shapes.Shape, len(parts))
	for _, part := range parts[1:] {
		match := reHeaderName.FindStringSubmatch(part)
		if match == nil {
			return nil, errors.Errorf("can't parse dataset header %q", part)
		}
		name := match[1]
		shapesByName[name] = shapes.Invalid()

		match = reHeaderDataType.FindStringSubmatch(part)
		if match == nil {
			continue
		}
		dtype := DTypeForH5T(match[1])
		if dtype == dtypes.InvalidDType {
			klog.V(2).Infof("hdf5: dataset %q has unsupported type %s", name, match[1])
			continue
		}
		match = reHeaderSpace.FindStringSubmatch(part)
		if match == nil {
			continue
		}
		switch match[1] {
		case "SCALAR":
			shapesByName[name] = shapes.Make(dtype)
		case "SIMPLE":
			dims, err := parseDims(match[2])
			if err != nil {
				return nil, errors.WithMessagef(err, "dataset %q", name)
			}
			shapesByName[name] = shapes.Make(dtype, dims...)
		default:
			klog.V(2).Infof("hdf5: dataset %q has unsupported dataspace %s", name, match[1])
		}
	}
	return shapesByName, nil
}

func parseDims(dimsStr string) ([]int, error) {
	parts := strings.Split(dimsStr, ",")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "can't parse dimensions %q", dimsStr)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

// DTypeForH5T returns the dtype for the HDF5 type name, or dtypes.InvalidDType if not supported.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// h5dump runs the h5dump binary with the given arguments and returns its output.
func h5dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read HDF5 (\".h5\") files: "+
			"please install the package hdf5-tools", H5DumpBinary)
	}
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed executing %q, stderr:\n%s", cmd, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ToTensor reads the contents of the dataset into a tensor, using the native byte order.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("HDF5 dataset %q has no supported shape, can't convert to tensor", ds.Name)
	}
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("failed to remove temporary file %q: %v", tmpFile.Name(), err)
		}
	}()
	if _, err = h5dump("--dataset="+ds.Name, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read HDF5 dataset %q extracted to %q", ds.Name, tmpFile.Name())
	}

	tensor := tensors.FromShape(ds.Shape)
	var copyErr error
	tensor.MutableBytes(func(data []byte) {
		if len(raw) != len(data) {
			copyErr = errors.Errorf("HDF5 dataset %q shaped %s: read %d bytes, but tensor has %d bytes",
				ds.Name, ds.Shape, len(raw), len(data))
			return
		}
		copy(data, raw)
	})
	if copyErr != nil {
		return nil, copyErr
	}
	return tensor, nil
}
