// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsutil provides the small set of filesystem helpers shared by
// WrapperEmitter and AlignCommand: tilde expansion, single-file and
// directory copies, and line-oriented reads -- all against an afero.Fs so
// callers can substitute an in-memory filesystem in tests. Adapted from
// the teacher's io.go, generalized from os.* calls to afero.Fs and from
// package-level LOG_* calls to internal/logging.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/google/klpgen/internal/logging"
)

// ExpandHome replaces a leading "~/" in path with the current user's home
// directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		logging.Err(err, "failed to resolve current user for %s", path)
		return path
	}
	return filepath.Join(usr.HomeDir, path[2:])
}

// CopyFile copies src to dst on fs, preserving neither permissions nor
// timestamps (the generated artifacts this serves don't need them).
func CopyFile(fs afero.Fs, src, dst string) error {
	src, dst = ExpandHome(src), ExpandHome(dst)

	info, err := fs.Stat(src)
	if err != nil {
		logging.Err(err, "failed to stat source file %s", src)
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	source, err := fs.Open(src)
	if err != nil {
		logging.Err(err, "failed to open source file %s", src)
		return err
	}
	defer source.Close()

	destination, err := fs.Create(dst)
	if err != nil {
		logging.Err(err, "failed to create destination file %s", dst)
		return err
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		logging.Err(err, "failed to copy %s to %s", src, dst)
		return err
	}
	return nil
}

// CopyDir recursively copies every regular file under srcDir into
// destDir, creating destDir (and any subdirectories) as needed.
func CopyDir(fs afero.Fs, srcDir, destDir string) error {
	if err := fs.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	srcDir = strings.TrimSuffix(srcDir, "/")
	return afero.Walk(fs, srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(destDir, rel)
		if info.IsDir() {
			return fs.MkdirAll(dst, 0755)
		}
		return CopyFile(fs, path, dst)
	})
}

// ReadLines reads path line by line, returning nil on any error (matching
// the teacher's "best effort, empty on failure" convention for resource
// reads that aren't fatal to the caller).
func ReadLines(fs afero.Fs, path string) []string {
	lines, err := afero.ReadFile(fs, path)
	if err != nil {
		logging.Debug("failed to read %s: %v", path, err)
		return nil
	}
	text := strings.TrimRight(string(lines), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
