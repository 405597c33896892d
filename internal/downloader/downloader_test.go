// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "vgg19 weights"

func writeFile(t *testing.T, content string) string {
	filePath := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

func TestValidateChecksum(t *testing.T) {
	emptyFile := writeFile(t, "")
	// Well known digests of the empty string.
	require.NoError(t, ValidateChecksum(emptyFile, "d41d8cd98f00b204e9800998ecf8427e"))
	require.NoError(t, ValidateChecksum(emptyFile, "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"))

	require.Error(t, ValidateChecksum(emptyFile, "d41d8cd98f00b204e9800998ecf8427f"))
	require.Error(t, ValidateChecksum(emptyFile, "d41d8cd9"))
	require.Error(t, ValidateChecksum(filepath.Join(t.TempDir(), "missing"), "d41d8cd98f00b204e9800998ecf8427e"))
}

func TestDownloadIfMissing(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/weights.h5" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	target := filepath.Join(t.TempDir(), "cache", "weights.h5")
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", target, ""))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
	assert.Equal(t, 1, requests)

	// Second time it should be cached.
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", target, ""))
	assert.Equal(t, 1, requests)

	// Missing URL: no file is left behind.
	missing := filepath.Join(t.TempDir(), "missing.h5")
	require.Error(t, DownloadIfMissing(server.URL+"/missing.h5", missing, ""))
	_, err = os.Stat(missing)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(filepath.Dir(missing))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
