// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fixup implements FixupEngine's two modes (rename KLP symbols,
// create KLP RELA sections) and the supplemental SymbolMap LLpatch-alias
// indirection, grounded on original_source/fixup_command.cc and
// original_source/symbol_map.cc.
package fixup

import (
	"bufio"
	"io"
	"strings"

	"github.com/google/klpgen/internal/errs"
)

// LLpatchAliasPrefix marks an undefined symbol name as an LLpatch alias
// requiring SymbolMap resolution rather than the ordinary klp.local.sym:
// convention.
const LLpatchAliasPrefix = "__llpatch_symbol_"

// Resolution is the (module, source file, real symbol) triple an
// LLpatch-aliased symbol resolves to.
type Resolution struct {
	ModName string
	Path    string
	Symbol  string
}

// SymbolMap parses a `gen-symbol-map`-style listing: exactly 4
// whitespace-separated tokens per line, "mod_name path symbol alias".
type SymbolMap struct {
	byAlias map[string]Resolution
}

// ParseSymbolMap reads r line by line; a line with any token count other
// than 4 is a fatal INVALID_SYM_MAP.
func ParseSymbolMap(r io.Reader) (*SymbolMap, error) {
	sm := &SymbolMap{byAlias: make(map[string]Resolution)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, errs.New(errs.InvalidSymMap, "expected 4 fields, got %d: %q", len(fields), line)
		}
		sm.byAlias[fields[3]] = Resolution{ModName: fields[0], Path: fields[1], Symbol: fields[2]}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sm, nil
}

// QueryAlias resolves alias to its real (mod, path, symbol) triple, or
// fails with INVALID_SYM_MAP if the alias is unknown.
func (sm *SymbolMap) QueryAlias(alias string) (Resolution, error) {
	r, ok := sm.byAlias[alias]
	if !ok {
		return Resolution{}, errs.New(errs.InvalidSymMap, "no entry for alias %q", alias)
	}
	return r, nil
}
