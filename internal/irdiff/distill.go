// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irdiff

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"

	"github.com/google/klpgen/internal/logging"
)

// GlobalClass is the tagged classification of one patched-module global.
type GlobalClass int

const (
	KeepVerbatim GlobalClass = iota
	DropSpecial
	ExternRewrite
	KeepNew
)

const usedGlobalName = "llvm.used"

// kcrctabAsm matches the ".section ___kcrctab*" quad original_source
// strips from module-level inline assembly.
var kcrctabAsm = regexp.MustCompile(`(?m)^\s*\.section\s+"?___kcrctab.*\n\s*__crc_.*\n\s*__crc_.*\n\s*\.previous\s*$`)

// initcallAsm matches the ".section *initcall*" quad.
var initcallAsm = regexp.MustCompile(`(?m)^\s*\.section\s+.*initcall.*\n\s*__initcall_.*\n\s*\.long.*\n\s*\.previous\s*$`)

// IrDistiller mutates a patched module in place according to a prior
// IrDiffEngine classification.
type IrDistiller struct {
	BaseDir string
}

// Distill applies the classification to patched, removing Excluded
// functions and disallowed aliases, renaming Changed functions, deleting
// Unchanged bodies, and rewriting globals per DistillDiffGlobals.
func (d *IrDistiller) Distill(original, patched *ir.Module, classes []FuncClassification) {
	classByFunc := make(map[*ir.Func]FuncClass, len(classes))
	for _, c := range classes {
		classByFunc[c.Func] = c.Class
	}

	var kept []*ir.Func
	for _, fn := range patched.Funcs {
		class, ok := classByFunc[fn]
		if !ok {
			kept = append(kept, fn)
			continue
		}
		switch class {
		case Excluded:
			// dropped
		case Changed:
			relpath := relPath(d.BaseDir, patched)
			fn.GlobalIdent.GlobalName = "__livepatch_" + fn.Name() + ":" + relpath
			fn.Linkage = enum.LinkageExternal
			appendToUsed(patched, fn)
			kept = append(kept, fn)
		case FuncNew:
			kept = append(kept, fn)
		case Unchanged:
			fn.Blocks = nil
			kept = append(kept, fn)
		}
	}
	patched.Funcs = kept

	patched.Aliases = removeDisallowedAliases(patched.Aliases)

	d.distillGlobals(original, patched)
}

func removeDisallowedAliases(aliases []*ir.Alias) []*ir.Alias {
	var kept []*ir.Alias
	for _, a := range aliases {
		if strings.HasPrefix(a.Name(), "__direct_call") || strings.HasPrefix(a.Name(), "sys_") {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func (d *IrDistiller) distillGlobals(original, patched *ir.Module) {
	var kept []*ir.Global
	for _, g := range patched.Globals {
		if dropSpecial(g) {
			continue
		}
		kept = append(kept, g)
	}
	patched.Globals = kept

	patched.ModuleAsms = stripInlineAsm(patched.ModuleAsms)

	for _, g := range patched.Globals {
		class := classifyGlobal(g)
		if class == KeepVerbatim || class == KeepNew {
			continue
		}
		orig := lookupGlobal(original, g.Name())
		if orig == nil {
			continue
		}
		warnOnMismatch(orig, g)
		g.Init = nil
		g.Linkage = enum.LinkageExternal
		if isDSOLocal(g) && g.Name() != "__fentry__" {
			relpath := relPath(d.BaseDir, patched)
			g.GlobalIdent.GlobalName = "klp.local.sym:" + g.Name() + ":" + relpath
		}
	}
}

func dropSpecial(g *ir.Global) bool {
	name := g.Name()
	return strings.HasPrefix(name, "__init") || strings.HasPrefix(name, "__exit") ||
		strings.HasPrefix(name, "__kstrtab") || strings.HasPrefix(name, "__ksymtab")
}

func classifyGlobal(g *ir.Global) GlobalClass {
	name := g.Name()
	if strings.HasPrefix(name, "__const") {
		return KeepVerbatim
	}
	if g.Immutable && g.Init != nil {
		return KeepVerbatim
	}
	if isJumpLabel(g) {
		return KeepVerbatim
	}
	if g.Section == ".discard.func_stack_frame_non_standard" {
		return KeepVerbatim
	}
	return ExternRewrite
}

func isJumpLabel(g *ir.Global) bool {
	return strings.Contains(g.ContentType.String(), "struct.jump_entry")
}

func isDSOLocal(g *ir.Global) bool {
	return g.Preemption == enum.PreemptionDSOLocal
}

// warnOnMismatch logs a non-fatal warning when orig and patched disagree
// on content type or on initializer presence or kind. Attributes are not
// compared.
func warnOnMismatch(orig, patched *ir.Global) {
	if orig.ContentType.String() != patched.ContentType.String() {
		logging.Warn("global %s: type differs (%s vs %s)", patched.Name(), orig.ContentType, patched.ContentType)
	}
	if (orig.Init == nil) != (patched.Init == nil) {
		logging.Warn("global %s: initializer presence differs", patched.Name())
	} else if orig.Init != nil && fmt.Sprintf("%T", orig.Init) != fmt.Sprintf("%T", patched.Init) {
		logging.Warn("global %s: initializer kind differs (%T vs %T)", patched.Name(), orig.Init, patched.Init)
	}
}

func stripInlineAsm(asms []string) []string {
	joined := strings.Join(asms, "\n")
	joined = kcrctabAsm.ReplaceAllString(joined, "")
	joined = initcallAsm.ReplaceAllString(joined, "")
	if joined == "" {
		return nil
	}
	return []string{joined}
}

// relPath strips baseDir and any leading "./" from m's source filename.
func relPath(baseDir string, m *ir.Module) string {
	file := m.SourceFilename
	if baseDir != "" {
		file = strings.TrimPrefix(file, baseDir)
	}
	return strings.TrimPrefix(path.Clean(file), "./")
}

// appendToUsed adds fn to @llvm.used so the compiler cannot drop it as
// dead code, matching original_source/diff_command.cc's appendToUsed.
func appendToUsed(m *ir.Module, fn *ir.Func) {
	for _, g := range m.Globals {
		if g.Name() == usedGlobalName {
			if arr, ok := g.Init.(*constant.Array); ok {
				arr.Elems = append(arr.Elems, fn)
				return
			}
		}
	}
	used := ir.NewGlobalDef(usedGlobalName, constant.NewArray(nil, fn))
	used.Linkage = enum.LinkageAppending
	used.Section = "llvm.metadata"
	m.Globals = append(m.Globals, used)
}
