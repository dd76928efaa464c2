// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/google/klpgen/internal/archive"
	"github.com/google/klpgen/internal/errs"
	"github.com/google/klpgen/internal/fixup"
)

func newFixupCmd() *cobra.Command {
	var (
		modPath       string
		thinArchive   string
		symbolMapPath string
	)

	cmd := &cobra.Command{
		Use:   "fixup <klp_patch.o>",
		Short: "Rename undefined symbols to the klp.sym convention and carve out klp.rela sections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runFixup(args[0], cfg.GetString("mod"), cfg.GetString("thin_archive"), cfg.GetString("symbol_map"))
		},
	}
	cmd.Flags().StringVar(&modPath, "mod", "", "target kernel module ELF object")
	cmd.Flags().StringVar(&thinArchive, "thin_archive", "", "nm -f posix --defined-only listing of the source thin archive")
	cmd.Flags().StringVar(&symbolMapPath, "symbol_map", "", "gen-symbol-map listing for __llpatch_symbol_ aliases")
	return cmd
}

func runFixup(objPath, modPath, thinArchivePath, symbolMapPath string) error {
	opts := fixup.RenameOptions{ModElfPath: modPath}

	if thinArchivePath != "" {
		f, err := os.Open(thinArchivePath)
		if err != nil {
			return errs.New(errs.FileOpenFailed, "%s", thinArchivePath)
		}
		defer f.Close()
		idx, err := archive.New(f)
		if err != nil {
			return err
		}
		opts.ThinArchive = idx
	}

	if symbolMapPath != "" {
		f, err := os.Open(symbolMapPath)
		if err != nil {
			return errs.New(errs.FileOpenFailed, "%s", symbolMapPath)
		}
		defer f.Close()
		sm, err := fixup.ParseSymbolMap(f)
		if err != nil {
			return err
		}
		opts.SymbolMap = sm
	}

	return fixup.New(opts).Run(objPath)
}
