// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset files over HTTP, optionally showing a progress bar.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// byteCounter copies bytes to an io.Writer while advancing a progress bar.
// The bar counts in units of barUnit bytes so it never holds more than ~1M steps.
type byteCounter struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newByteCounter(w io.Writer, contentLength int64, description string) *byteCounter {
	bc := &byteCounter{w: w, barUnit: 1}
	for contentLength > bc.barUnit*1024*1024 {
		bc.barUnit *= 1024
	}
	bc.numUnits = (contentLength + bc.barUnit - 1) / bc.barUnit
	bc.bar = progressbar.NewOptions(int(bc.numUnits),
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)", description, humanize.IBytes(uint64(contentLength)))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bc
}

// Write implements io.Writer.
func (bc *byteCounter) Write(p []byte) (n int, err error) {
	n, err = bc.w.Write(p)
	bc.amountWritten += int64(n)
	toUnits := bc.amountWritten / bc.barUnit
	if toUnits > bc.addedUnits {
		_ = bc.bar.Add(int(toUnits - bc.addedUnits))
		bc.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar works like io.Copy, and displays a progress bar labeled with description.
//
// If contentLength is unknown (<= 0) it falls back to a plain io.Copy.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64, description string) (n int64, err error) {
	if contentLength <= 0 {
		return io.Copy(dst, src)
	}
	bc := newByteCounter(dst, contentLength, description)
	n, err = io.Copy(bc, src)
	if bc.addedUnits < bc.numUnits {
		_ = bc.bar.Add(int(bc.numUnits - bc.addedUnits))
	}
	_ = bc.bar.Close()
	fmt.Println()
	return
}

// Download url into filePath, creating the parent directory if needed.
//
// The file is first written to filePath+".partial" and only renamed on success, so an interrupted
// download is never mistaken for a complete one.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", path.Dir(filePath))
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: status %q", url, resp.Status)
	}

	partialPath := filePath + ".partial"
	file, err := os.Create(partialPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", partialPath)
	}
	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength, path.Base(filePath))
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(partialPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", partialPath)
	}
	if err = os.Rename(partialPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed moving %q to %q", partialPath, filePath)
	}
	klog.V(1).Infof("downloaded %s to %q", humanize.IBytes(uint64(size)), filePath)
	return size, nil
}

// DownloadIfMissing downloads url to filePath, unless the file already exists.
//
// If checkHash is given, the file's SHA256 is verified against it, see ValidateChecksum.
func DownloadIfMissing(url, filePath, checkHash string, showProgressBar bool) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		if showProgressBar {
			fmt.Printf("Downloading %s ...\n", url)
		}
		if _, err := Download(url, filePath, showProgressBar); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// ValidateChecksum returns an error if the SHA256 of the file at filePath is not checkHash (hex encoded,
// in any case).
//
// A file that fails the check is removed, so DownloadIfMissing fetches it again on the next call.
func ValidateChecksum(filePath, checkHash string) error {
	if err := fsutil.ValidateChecksum(filePath, checkHash); err != nil {
		return errors.WithMessagef(err, "failed to validate checksum of %q", filePath)
	}
	return nil
}
