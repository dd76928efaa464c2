// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/spf13/cobra"

	"github.com/google/klpgen/internal/errs"
	"github.com/google/klpgen/internal/irdiff"
	"github.com/google/klpgen/internal/logging"
)

func newDiffCmd() *cobra.Command {
	var (
		quiet   bool
		baseDir string
	)

	cmd := &cobra.Command{
		Use:   "diff <orig.ll> <patched.ll>",
		Short: "Classify and distill the IR diff between two LLVM IR files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runDiff(args[0], args[1], quiet, cfg.GetString("base_dir"))
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-difference logging")
	cmd.Flags().StringVar(&baseDir, "base_dir", "", "kernel-source-root prefix to strip from each module's source filename (e.g. /k/)")
	return cmd
}

func runDiff(origPath, patchedPath string, quiet bool, baseDir string) error {
	original, err := asm.ParseFile(origPath)
	if err != nil {
		return errs.New(errs.InvalidLLVMFile, "%s: %v", origPath, err)
	}
	patched, err := asm.ParseFile(patchedPath)
	if err != nil {
		return errs.New(errs.InvalidLLVMFile, "%s: %v", patchedPath, err)
	}

	var consumer irdiff.DiffConsumer
	if quiet {
		consumer = &irdiff.QuietConsumer{}
	} else {
		verbose := &irdiff.VerboseConsumer{}
		consumer = verbose
		defer func() {
			for _, note := range verbose.Notes {
				logging.Info("%s", note)
			}
		}()
	}

	engine := irdiff.New(consumer)
	classes, err := engine.Classify(original, patched)
	if err != nil {
		return err
	}

	distiller := &irdiff.IrDistiller{BaseDir: baseDir}
	distiller.Distill(original, patched, classes)

	outPath := strings.TrimSuffix(patchedPath, filepath.Ext(patchedPath)) + "__klp_diff.ll"
	return os.WriteFile(outPath, []byte(patched.String()), 0644)
}
