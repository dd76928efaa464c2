// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fixup

import (
	"debug/elf"
	"fmt"
	"path"
	"strings"

	"github.com/google/klpgen/internal/archive"
	"github.com/google/klpgen/internal/elfview"
	"github.com/google/klpgen/internal/errs"
)

const klpLocalSymPrefix = "klp.local.sym:"

// RenameOptions configures Mode A.
type RenameOptions struct {
	// ModElfPath, if non-empty, is the target kernel module's ELF path;
	// its presence selects objname = "<modname>." instead of "vmlinux.".
	ModElfPath string
	// ThinArchive supplies sympos lookups; nil means every sympos is 0.
	ThinArchive *archive.ThinArchiveIndex
	// SymbolMap resolves __llpatch_symbol_ aliased undefined symbols.
	SymbolMap *SymbolMap
}

// RenameKlpSymbols implements FixupEngine Mode A over view in place,
// installing a freshly built symbol string table and flushing once.
func RenameKlpSymbols(view *elfview.ElfView, opts RenameOptions) error {
	objName := "vmlinux."
	definedInMod := map[string]struct{}{}

	var modView *elfview.ElfView
	if opts.ModElfPath != "" {
		mv, err := elfview.Open(opts.ModElfPath)
		if err != nil {
			return err
		}
		modView = mv
		name, err := mv.ModName()
		if err != nil {
			return err
		}
		objName = name + "."

		syms := mv.Symbols()
		for syms.Next() {
			if mv.SectionIndex(syms.Cursor()) != uint16(elf.SHN_UNDEF) {
				definedInMod[mv.Name(syms.Cursor())] = struct{}{}
			}
		}
	}

	builder := elfview.NewStringTableBuilder()
	syms := view.Symbols()
	for syms.Next() {
		cursor := syms.Cursor()
		name := view.Name(cursor)
		if view.SectionIndex(cursor) != uint16(elf.SHN_UNDEF) || name == "__fentry__" {
			view.Rename(cursor, builder.Append(name))
			continue
		}

		real, srcfile, err := resolveUndefinedSymbol(name, opts.SymbolMap)
		if err != nil {
			return err
		}

		if modView != nil {
			if _, ok := definedInMod[real]; !ok {
				view.Rename(cursor, builder.Append(real))
				continue
			}
		}

		view.SetSectionIndex(cursor, elfview.SHNLivepatch)
		sympos := 0
		if opts.ThinArchive != nil {
			file := objectFileName(srcfile)
			sympos = opts.ThinArchive.Sympos(real, file)
			if sympos < 0 {
				return errs.New(errs.SymFindFailed, "symbol %q not found for file %q", real, file)
			}
		}
		klpName := fmt.Sprintf(".klp.sym.%s%s,%d", objName, real, sympos)
		view.Rename(cursor, builder.Append(klpName))
	}

	if err := view.UpdateSection(view.StringTableIndex(), builder.Bytes()); err != nil {
		return err
	}
	return view.Flush()
}

// resolveUndefinedSymbol parses S.name into (real, srcfile), consulting
// SymbolMap for __llpatch_symbol_ aliases and klp.local.sym: for the
// primary convention.
func resolveUndefinedSymbol(name string, symbolMap *SymbolMap) (real, srcfile string, err error) {
	if strings.HasPrefix(name, LLpatchAliasPrefix) {
		if symbolMap == nil {
			return "", "", errs.New(errs.NoSymMap, "encountered LLpatch alias %q without --symbol_map", name)
		}
		res, err := symbolMap.QueryAlias(name)
		if err != nil {
			return "", "", err
		}
		return res.Symbol, res.Path, nil
	}
	if strings.HasPrefix(name, klpLocalSymPrefix) {
		rest := strings.TrimPrefix(name, klpLocalSymPrefix)
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) == 2 {
			return parts[0], parts[1], nil
		}
		return rest, "", nil
	}
	return name, "", nil
}

// objectFileName converts a source file path into the ".o" basename a
// thin-archive listing would use, e.g. "drivers/x.c" -> "x.o".
func objectFileName(srcfile string) string {
	if srcfile == "" {
		return ""
	}
	base := path.Base(srcfile)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext) + ".o"
}
