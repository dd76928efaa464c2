// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReadsDefaultsFromYamlFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "mod: vmlinux\nthin_archive: /tmp/archive.a\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "klpgen.yaml"), []byte(yaml), 0644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	flags := pflag.NewFlagSet("fixup", pflag.ContinueOnError)
	flags.String("mod", "", "")
	flags.String("thin_archive", "", "")

	cfg, err := New(flags)
	require.NoError(t, err)
	assert.Equal(t, "vmlinux", cfg.GetString("mod"))
	assert.Equal(t, "/tmp/archive.a", cfg.GetString("thin_archive"))
}

func TestNewWithoutConfigFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	flags := pflag.NewFlagSet("gen", pflag.ContinueOnError)
	flags.String("kdir", "/default/kdir", "")

	cfg, err := New(flags)
	require.NoError(t, err)
	assert.Equal(t, "/default/kdir", cfg.GetString("kdir"))
}

func TestFlagOverridesConfigFileDefault(t *testing.T) {
	dir := t.TempDir()
	yaml := "mod: vmlinux\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "klpgen.yaml"), []byte(yaml), 0644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	flags := pflag.NewFlagSet("fixup", pflag.ContinueOnError)
	flags.String("mod", "", "")
	require.NoError(t, flags.Set("mod", "drivers/foo.ko"))

	cfg, err := New(flags)
	require.NoError(t, err)
	assert.Equal(t, "drivers/foo.ko", cfg.GetString("mod"))
}
