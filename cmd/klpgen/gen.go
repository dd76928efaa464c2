// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"regexp"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/google/klpgen/internal/elfview"
	"github.com/google/klpgen/internal/errs"
	"github.com/google/klpgen/internal/wrapper"
)

// klpSymRe matches the ".klp.sym.<objname>.<name>,<sympos>" symbol naming
// convention Mode A installed, so gen can recover which functions were
// livepatched without re-running fixup's own bookkeeping.
var klpSymRe = regexp.MustCompile(`^\.klp\.sym\.[^.]+\.(.+),(\d+)$`)

func newGenCmd() *cobra.Command {
	var (
		odir string
		kdir string
		name string
		mod  string
	)

	cmd := &cobra.Command{
		Use:   "gen <klp_patch.o>",
		Short: "Generate the livepatch wrapper C source, linker script, and Makefile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runGen(args[0], odir, cfg.GetString("kdir"), name, cfg.GetString("mod"))
		},
	}
	cmd.Flags().StringVarP(&odir, "odir", "o", "", "output directory for generated artifacts")
	cmd.Flags().StringVarP(&kdir, "kdir", "k", "", "path to the Linux kernel source tree")
	cmd.Flags().StringVarP(&name, "name", "n", "", "name of the generated livepatch module")
	cmd.Flags().StringVarP(&mod, "mod", "m", "", "target kernel module name (empty for vmlinux)")
	cmd.MarkFlagRequired("odir")
	cmd.MarkFlagRequired("kdir")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runGen(objPath, odir, kdir, name, objName string) error {
	view, err := elfview.Open(objPath)
	if err != nil {
		return err
	}
	defer view.Close()

	funcs, err := livepatchedFunctions(view)
	if err != nil {
		return err
	}
	if len(funcs) == 0 {
		return errs.New(errs.NothingToPatch, "no .klp.sym symbols found in %s", objPath)
	}

	emitter := wrapper.New(afero.NewOsFs())
	if err := emitter.Emit(odir, kdir, name, objName, funcs); err != nil {
		return err
	}

	return wrapper.FixupKlpSymbols(view)
}

// livepatchedFunctions scans view's symbol table for the ".klp.sym."
// naming convention and recovers each function's name and sympos.
func livepatchedFunctions(view *elfview.ElfView) ([]wrapper.LivepatchedFunc, error) {
	var funcs []wrapper.LivepatchedFunc
	syms := view.Symbols()
	for syms.Next() {
		name := view.Name(syms.Cursor())
		m := klpSymRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		sympos, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, errs.New(errs.InvalidKlpPrefix, "bad sympos in %q", name)
		}
		funcs = append(funcs, wrapper.LivepatchedFunc{Name: m[1], Sympos: sympos})
	}
	return funcs, nil
}
