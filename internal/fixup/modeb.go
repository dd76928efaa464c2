// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fixup

import (
	"fmt"

	"github.com/google/klpgen/internal/elfview"
)

// klpSectionGroup accumulates the relocations that must move into a new
// .klp.rela.<objname>.<section> section because they target a symbol Mode
// A moved to SHNLivepatch.
type klpSectionGroup struct {
	targetSecID int
	symtabID    int
	entries     []elfview.RelaEntry
}

// CreateKlpRelaSections implements FixupEngine Mode B: every relocation
// entry that references a symbol Mode A marked SHNLivepatch is moved out
// of its normal RELA section and into a new section named
// ".klp.rela.<objname>.<targetsection>", grouped by (objname, section id)
// per original_source/fixup_command.cc's CreateKlpRelaSections.
func CreateKlpRelaSections(view *elfview.ElfView, objName string) error {
	relas, err := view.Relas()
	if err != nil {
		return err
	}

	normal := map[int][]elfview.RelaEntry{}
	klp := map[elfview.KlpGroupKey]*klpSectionGroup{}

	for relas.Next() {
		entry := relas.Entry()
		symCursor := relas.SymbolCursor()
		secID := relas.SectionID()
		if _, ok := normal[secID]; !ok {
			// Register every section so one whose entries all move out
			// is still rewritten (to empty) below.
			normal[secID] = nil
		}

		if view.SectionIndex(symCursor) == elfview.SHNLivepatch {
			key := elfview.KlpGroupKey{ObjName: objName, SectionID: secID}
			g, ok := klp[key]
			if !ok {
				g = &klpSectionGroup{targetSecID: secID, symtabID: relas.SymtabID()}
				klp[key] = g
			}
			g.entries = append(g.entries, entry)
			continue
		}
		normal[secID] = append(normal[secID], entry)
	}

	for secID, entries := range normal {
		if err := view.UpdateRela(secID, entries); err != nil {
			return err
		}
	}
	if err := view.Flush(); err != nil {
		return err
	}

	groups := make(map[elfview.KlpGroupKey][]elfview.RelaEntry, len(klp))
	for k, g := range klp {
		groups[k] = g.entries
	}
	for _, key := range elfview.SortedKlpGroupKeys(groups) {
		g := klp[key]
		secName, err := view.SectionName(g.targetSecID)
		if err != nil {
			return err
		}
		name := fmt.Sprintf(".klp.rela.%s.%s", key.ObjName, secName)
		nameOff := view.AppendSectionName(name)
		view.CreateKlpRela(g.targetSecID, g.symtabID, nameOff, g.entries)
	}

	return view.Flush()
}
