// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hdf5

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Unpacker converts the datasets of an HDF5 file to one GoMLX tensor file per dataset, in
// subdirectories of the target directory that mirror the HDF5 groups.
//
// Create it with Unpack, configure it, and call Done.
type Unpacker struct {
	h5Path, targetDir string
	progressBar       bool
	perm              os.FileMode
}

// Unpack creates an Unpacker from the HDF5 file in h5Path to targetDir, which must not exist yet.
//
// Example:
//
//	err := hdf5.Unpack("weights.h5", "/my/weights").ProgressBar().Done()
func Unpack(h5Path, targetDir string) *Unpacker {
	return &Unpacker{h5Path: h5Path, targetDir: targetDir, perm: 0755}
}

// ProgressBar displays a progress bar while unpacking.
func (u *Unpacker) ProgressBar() *Unpacker {
	u.progressBar = true
	return u
}

// Permissions used to create directories. Default is 0755.
func (u *Unpacker) Permissions(perm os.FileMode) *Unpacker {
	u.perm = perm
	return u
}

// Done unpacks the file.
//
// Tensors are written to a temporary directory, renamed to the target directory only when all
// datasets were successfully unpacked. Datasets without a supported shape are skipped.
func (u *Unpacker) Done() error {
	if fsutil.MustFileExists(u.targetDir) {
		return errors.Errorf("target directory %q already exists, remove it or move it away first", u.targetDir)
	}
	datasets, err := List(u.h5Path)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(u.targetDir)
	if err = os.MkdirAll(baseDir, u.perm); err != nil {
		return errors.Wrapf(err, "can't create directory %q to unpack %q", baseDir, u.h5Path)
	}
	tmpDir, err := os.MkdirTemp(baseDir, filepath.Base(u.targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "can't create temporary directory in %q to unpack %q", baseDir, u.h5Path)
	}
	defer func() {
		if tmpDir == "" {
			return
		}
		if err := os.RemoveAll(tmpDir); err != nil {
			klog.Errorf("hdf5: failed to clean up temporary directory %q: %v", tmpDir, err)
		}
	}()

	var bar *progressbar.ProgressBar
	if u.progressBar {
		var total int64
		for _, ds := range datasets {
			if ds.Shape.Ok() {
				total += int64(ds.Shape.Memory())
			}
		}
		bar = progressbar.DefaultBytes(total, "unpacking")
		defer func() { _ = bar.Finish() }()
	}

	for _, ds := range datasets {
		if !ds.Shape.Ok() {
			klog.V(1).Infof("hdf5: skipping dataset %q of %q, not convertible to a tensor", ds.Name, u.h5Path)
			continue
		}
		tensor, err := ds.ToTensor()
		if err != nil {
			return errors.WithMessagef(err, "unpacking %q", u.h5Path)
		}
		tensorPath := filepath.Join(tmpDir, filepath.FromSlash(ds.Name))
		if err = os.MkdirAll(filepath.Dir(tensorPath), u.perm); err != nil {
			return errors.Wrapf(err, "can't create directory for dataset %q", ds.Name)
		}
		if err = tensor.Save(tensorPath); err != nil {
			return errors.WithMessagef(err, "unpacking %q", u.h5Path)
		}
		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
		}
	}

	if err = os.Rename(tmpDir, u.targetDir); err != nil {
		return errors.Wrapf(err, "failed to move unpacked tensors from %q to %q", tmpDir, u.targetDir)
	}
	tmpDir = ""
	return nil
}
