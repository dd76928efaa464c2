// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wrapper implements WrapperEmitter: instantiation of the
// generated livepatch wrapper C source, linker script, and Makefile from
// embedded templates, plus the klp_patch.o symbol-name cleanup FixupEngine
// leaves for the linker stage. Grounded on original_source/gen_command.cc
// and the teacher's embed.FS idiom (deku.go's `//go:embed resources`).
package wrapper

import (
	"embed"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/google/klpgen/internal/elfview"
	"github.com/google/klpgen/internal/errs"
)

//go:embed templates
var templates embed.FS

// LivepatchedFunc is one function WrapperEmitter must wire into the
// generated wrapper: its name, the source file it came from (for sympos
// lookup), and its resolved sympos.
type LivepatchedFunc struct {
	Name    string
	SrcFile string
	Sympos  int
}

// WrapperEmitter instantiates livepatch.c, livepatch.lds, and Makefile for
// a set of livepatched functions.
type WrapperEmitter struct {
	Fs afero.Fs
}

// New returns a WrapperEmitter backed by fs (the OS filesystem if nil).
func New(fs afero.Fs) *WrapperEmitter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &WrapperEmitter{Fs: fs}
}

// Emit writes livepatch.c, livepatch.lds and Makefile under odir,
// substituting every marker with values derived from funcs, objName (empty
// for vmlinux), kdir, and name.
func (e *WrapperEmitter) Emit(odir, kdir, name, objName string, funcs []LivepatchedFunc) error {
	if err := e.Fs.MkdirAll(odir, 0755); err != nil {
		return err
	}

	substitutions := map[string]string{
		"{{LIST_OF_LIVEPATCH_FUNCTIONS}}":      functionDeclarations(funcs),
		"{{LIST_FOR_KLP_FUNC_STRUCT}}":         klpFuncStructEntries(funcs),
		"{{NAME_OF_OBJECT}}":                   objectNameLine(objName),
		"{{PATH_TO_LINUX_KERNEL_SOURCE_TREE}}": kdir,
		"{{NAME_OF_LIVEPATCH}}":                name,
		"{{LIST_OF_LIVEPATCH_SYMBOLS}}":        linkerScriptSymbols(funcs),
	}

	files := []struct {
		tmpl, out string
	}{
		{"templates/livepatch.c.tmpl", "livepatch.c"},
		{"templates/livepatch.lds.tmpl", "livepatch.lds"},
		{"templates/Makefile.tmpl", "Makefile"},
	}
	for _, f := range files {
		if err := e.instantiate(f.tmpl, filepath.Join(odir, f.out), substitutions); err != nil {
			return err
		}
	}
	return nil
}

func (e *WrapperEmitter) instantiate(tmplPath, outPath string, substitutions map[string]string) error {
	raw, err := templates.ReadFile(tmplPath)
	if err != nil {
		return errs.New(errs.FileOpenFailed, "read template %s: %v", tmplPath, err)
	}
	text := string(raw)
	for marker, value := range substitutions {
		text = strings.ReplaceAll(text, marker, value)
	}
	return afero.WriteFile(e.Fs, outPath, []byte(text), 0644)
}

func functionDeclarations(funcs []LivepatchedFunc) string {
	var sb strings.Builder
	for _, fn := range funcs {
		fmt.Fprintf(&sb, "void livepatch_%s(void);\n", fn.Name)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func klpFuncStructEntries(funcs []LivepatchedFunc) string {
	var sb strings.Builder
	for _, fn := range funcs {
		fmt.Fprintf(&sb, "\t{\n\t\t.old_name = \"%s\",\n\t\t.new_func = livepatch_%s,\n\t\t.old_sympos = %d,\n\t},\n",
			fn.Name, fn.Name, fn.Sympos)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func objectNameLine(objName string) string {
	if objName == "" {
		return ".name = NULL,"
	}
	return fmt.Sprintf(".name = %q,", objName)
}

func linkerScriptSymbols(funcs []LivepatchedFunc) string {
	var sb strings.Builder
	for _, fn := range funcs {
		fmt.Fprintf(&sb, "\tlivepatch_%s = __livepatch_%s;\n", fn.Name, fn.Name)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// FixupKlpSymbols truncates every symbol name at its first ':', undoing
// the "__livepatch_<name>:<relpath>" disambiguation IrDistiller applied so
// the linker sees plain "__livepatch_<name>" symbols, matching
// original_source/gen_command.cc's final symbol cleanup pass.
func FixupKlpSymbols(view *elfview.ElfView) error {
	builder := elfview.NewStringTableBuilder()
	syms := view.Symbols()
	for syms.Next() {
		cursor := syms.Cursor()
		name := view.Name(cursor)
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}
		view.Rename(cursor, builder.Append(name))
	}
	if err := view.UpdateSection(view.StringTableIndex(), builder.Bytes()); err != nil {
		return err
	}
	return view.Flush()
}
