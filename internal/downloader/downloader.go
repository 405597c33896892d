// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches the files (model weights) needed by the style transfer, caching them
// locally and verifying their checksums.
package downloader

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressWriter writes to w while advancing a progress bar measured in units of barUnit bytes,
// so very large files don't overflow the bar.
type progressWriter struct {
	w                               io.Writer
	bar                             *progressbar.ProgressBar
	written, barUnit, units, filled int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, barUnit: 1}
	for contentLength > pw.barUnit*1024*1024 {
		pw.barUnit *= 1024
	}
	pw.units = (contentLength + pw.barUnit - 1) / pw.barUnit
	pw.bar = progressbar.NewOptions64(pw.units,
		progressbar.OptionSetDescription(humanize.IBytes(uint64(contentLength))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.written += int64(n)
	if units := pw.written / pw.barUnit; units > pw.filled {
		_ = pw.bar.Add64(units - pw.filled)
		pw.filled = units
	}
	return
}

func (pw *progressWriter) finish() {
	if pw.filled < pw.units {
		_ = pw.bar.Add64(pw.units - pw.filled)
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// Download the file at url to filePath, creating its directory if needed.
// The file is first written to a temporary file in the same directory, and renamed once complete,
// so an interrupted download never leaves a partial file at filePath.
//
// If showProgressBar is true and the server reports the content length, a progress bar is displayed.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory %q", dir)
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.partial")
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating temporary file in %q", dir)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if showProgressBar && resp.ContentLength > 0 {
		pw := newProgressWriter(tmpFile, resp.ContentLength)
		size, err = io.Copy(pw, resp.Body)
		pw.finish()
	} else {
		size, err = io.Copy(tmpFile, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = tmpFile.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving downloaded file to %q", filePath)
	}
	klog.V(1).Infof("downloaded %s from %q to %q", humanize.IBytes(uint64(size)), url, filePath)
	return size, nil
}

// DownloadIfMissing downloads the file from url if filePath doesn't exist yet.
//
// If checksum is given, the file (downloaded or not) is verified against it, see ValidateChecksum.
func DownloadIfMissing(url, filePath, checksum string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checksum == "" {
		return nil
	}
	return ValidateChecksum(filePath, checksum)
}

// ValidateChecksum of the file at filePath. The hash algorithm is selected by the length of the
// hex-encoded checksum: 32 characters for MD5 and 64 characters for SHA256.
func ValidateChecksum(filePath, checksum string) error {
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	var hasher hash.Hash
	switch len(checksum) {
	case 2 * md5.Size:
		hasher = md5.New()
	case 2 * sha256.Size:
		hasher = sha256.New()
	default:
		return errors.Errorf("checksum %q is neither an MD5 nor a SHA256 hex digest", checksum)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q to verify its checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed reading %q to verify its checksum", filePath)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != checksum {
		return errors.Errorf("file %q has checksum %s, expected %s: remove it to download it again",
			filePath, got, checksum)
	}
	return nil
}
