// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfview

import (
	"debug/elf"
	"sort"

	"github.com/google/klpgen/internal/errs"
)

// Relas iterates RELA sections whose target section (sh_info) carries
// SHF_ALLOC -- sections the kernel module loader keeps, and therefore the
// only ones livepatch relocation ever applies to.
type Relas struct {
	view    *ElfView
	secIdxs []int // indices into view.sections that are qualifying RELA sections
	si      int   // cursor into secIdxs
	entry   int   // cursor into the current section's entries
}

// Relas returns a fresh iterator, or an error if no RELA section targets
// an ALLOC section at all.
func (v *ElfView) Relas() (*Relas, error) {
	r := &Relas{view: v, si: -1, entry: -1}
	for i, s := range v.sections {
		if s.typ != elf.SHT_RELA {
			continue
		}
		target := v.sections[s.info]
		if target.flags&elf.SHF_ALLOC == 0 {
			continue
		}
		r.secIdxs = append(r.secIdxs, i)
	}
	if len(r.secIdxs) == 0 {
		return nil, errs.New(errs.NoRelaSection, "no RELA section targets an ALLOC section")
	}
	return r, nil
}

// Next advances to the next relocation entry, crossing section
// boundaries as needed.
func (r *Relas) Next() bool {
	for {
		if r.si < 0 {
			r.si = 0
			r.entry = -1
		}
		if r.si >= len(r.secIdxs) {
			return false
		}
		sec := r.view.sections[r.secIdxs[r.si]]
		count := len(sec.data) / rela64Size
		r.entry++
		if r.entry < count {
			return true
		}
		r.si++
		r.entry = -1
	}
}

// SectionID returns the current entry's target section id (sh_info of
// the enclosing RELA section).
func (r *Relas) SectionID() int {
	return int(r.view.sections[r.secIdxs[r.si]].info)
}

// SymtabID returns the current entry's symbol table id (sh_link of the
// enclosing RELA section).
func (r *Relas) SymtabID() int {
	return int(r.view.sections[r.secIdxs[r.si]].link)
}

// Entry decodes the current relocation entry.
func (r *Relas) Entry() RelaEntry {
	sec := r.view.sections[r.secIdxs[r.si]]
	off := r.entry * rela64Size
	data := sec.data[off : off+rela64Size]
	offset := r.view.byteOrder.Uint64(data[0:8])
	info := r.view.byteOrder.Uint64(data[8:16])
	addend := int64(r.view.byteOrder.Uint64(data[16:24]))
	return relaFromInfo(offset, info, addend)
}

// SymbolCursor returns the symbol-table cursor referenced by the current
// entry, suitable for ElfView.Name/SetSectionIndex.
func (r *Relas) SymbolCursor() int {
	return int(r.Entry().Sym)
}

// UpdateRela replaces the RELA section whose sh_info equals targetSecID
// with entries, shrinking or growing it as needed.
func (v *ElfView) UpdateRela(targetSecID int, entries []RelaEntry) error {
	for _, s := range v.sections {
		if s.typ != elf.SHT_RELA || int(s.info) != targetSecID {
			continue
		}
		s.data = encodeRelas(v, entries)
		s.dirty = true
		return nil
	}
	return errs.New(errs.RelaSectionNotFound, "no RELA section with sh_info=%d", targetSecID)
}

// CreateKlpRela appends a new non-standard RELA section carrying entries,
// targeting targetSecID, linked to symtabID, named via a previously
// appended section-header string table offset.
func (v *ElfView) CreateKlpRela(targetSecID, symtabID int, nameOffset uint32, entries []RelaEntry) {
	sec := &section{
		nameOff:   nameOffset,
		typ:       elf.SHT_RELA,
		flags:     SHFRelaLivepatch | elf.SHF_INFO_LINK | elf.SHF_ALLOC,
		link:      uint32(symtabID),
		info:      uint32(targetSecID),
		addralign: 8,
		entsize:   rela64Size,
		data:      encodeRelas(v, entries),
		dirty:     true,
	}
	v.sections = append(v.sections, sec)
}

func encodeRelas(v *ElfView, entries []RelaEntry) []byte {
	out := make([]byte, len(entries)*rela64Size)
	for i, e := range entries {
		off := i * rela64Size
		v.byteOrder.PutUint64(out[off:off+8], e.Offset)
		v.byteOrder.PutUint64(out[off+8:off+16], e.info())
		v.byteOrder.PutUint64(out[off+16:off+24], uint64(e.Addend))
	}
	return out
}

// SortedKlpGroupKeys is a helper for FixupEngine Mode B: it returns the
// keys of a map[KlpGroupKey][]RelaEntry in a deterministic order so klp
// rela sections are created in a reproducible sequence.
func SortedKlpGroupKeys(m map[KlpGroupKey][]RelaEntry) []KlpGroupKey {
	keys := make([]KlpGroupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ObjName != keys[j].ObjName {
			return keys[i].ObjName < keys[j].ObjName
		}
		return keys[i].SectionID < keys[j].SectionID
	})
	return keys
}

// KlpGroupKey identifies one to-be-created .klp.rela.<obj>.<sec> section.
type KlpGroupKey struct {
	ObjName   string
	SectionID int
}
