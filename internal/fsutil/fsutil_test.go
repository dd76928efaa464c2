// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src.txt", []byte("hello"), 0644))

	require.NoError(t, CopyFile(fs, "/src.txt", "/dst.txt"))

	got, err := afero.ReadFile(fs, "/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestCopyDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("a"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/nested/b.txt", []byte("b"), 0644))

	require.NoError(t, CopyDir(fs, "/src", "/dst"))

	a, err := afero.ReadFile(fs, "/dst/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(a))

	b, err := afero.ReadFile(fs, "/dst/nested/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
}

func TestReadLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/lines.txt", []byte("one\ntwo\nthree\n"), 0644))

	assert.Equal(t, []string{"one", "two", "three"}, ReadLines(fs, "/lines.txt"))
	assert.Nil(t, ReadLines(fs, "/missing.txt"))
}
