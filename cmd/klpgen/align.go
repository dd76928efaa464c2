// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/google/klpgen/internal/align"
)

func newAlignCmd() *cobra.Command {
	var (
		diffedFile string
		patchPath  string
		suffix     string
	)

	cmd := &cobra.Command{
		Use:   "align <original.c> <patched.c>",
		Short: "Insert blank lines so both sides of a patch keep matching line numbers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return align.Run(afero.NewOsFs(), diffedFile, patchPath, args[0], args[1], suffix)
		},
	}
	cmd.Flags().StringVarP(&diffedFile, "diffed_file", "d", "", "filename the patch's diff header identifies as the original file")
	cmd.Flags().StringVarP(&patchPath, "patch", "p", "", "unified diff file")
	cmd.Flags().StringVarP(&suffix, "suffix", "s", align.DefaultSuffix, "suffix for output files")
	cmd.MarkFlagRequired("diffed_file")
	cmd.MarkFlagRequired("patch")
	return cmd
}
