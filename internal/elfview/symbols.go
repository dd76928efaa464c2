// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfview

import (
	"bytes"
)

// sym64 mirrors elf.Sym64's on-disk layout so raw symtab bytes can be
// decoded/encoded without a round trip through debug/elf, which exposes
// symbols read-only.
type sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Symbols is a forward-only iterator over klp_patch.o's symbol table,
// starting at index 1 (index 0 is the reserved dummy entry and is always
// skipped, matching original_source/elf_symbol.cc's Iterator).
type Symbols struct {
	view   *ElfView
	cursor int
	count  int
}

// Symbols returns a fresh iterator positioned before the first real
// symbol (index 1).
func (v *ElfView) Symbols() *Symbols {
	data := v.sections[v.symtabIdx].data
	return &Symbols{view: v, cursor: 0, count: len(data) / sym64Size}
}

// Next advances the cursor and reports whether a symbol is available.
func (s *Symbols) Next() bool {
	if s.cursor == 0 {
		s.cursor = 1
	} else {
		s.cursor++
	}
	return s.cursor < s.count
}

// Cursor returns the current symbol index, valid after a successful
// Next().
func (s *Symbols) Cursor() int { return s.cursor }

func (v *ElfView) symAt(cursor int) sym64 {
	data := v.sections[v.symtabIdx].data
	off := cursor * sym64Size
	return sym64{
		Name:  v.byteOrder.Uint32(data[off : off+4]),
		Info:  data[off+4],
		Other: data[off+5],
		Shndx: v.byteOrder.Uint16(data[off+6 : off+8]),
		Value: v.byteOrder.Uint64(data[off+8 : off+16]),
		Size:  v.byteOrder.Uint64(data[off+16 : off+24]),
	}
}

func (v *ElfView) setSymAt(cursor int, sym sym64) {
	data := v.sections[v.symtabIdx].data
	off := cursor * sym64Size
	v.byteOrder.PutUint32(data[off:off+4], sym.Name)
	data[off+4] = sym.Info
	data[off+5] = sym.Other
	v.byteOrder.PutUint16(data[off+6:off+8], sym.Shndx)
	v.byteOrder.PutUint64(data[off+8:off+16], sym.Value)
	v.byteOrder.PutUint64(data[off+16:off+24], sym.Size)
	v.sections[v.symtabIdx].dirty = true
}

// Name returns the string-table name of the symbol at cursor.
func (v *ElfView) Name(cursor int) string {
	sym := v.symAt(cursor)
	return v.stringAt(v.strtabIdx, sym.Name)
}

func (v *ElfView) stringAt(secIdx int, off uint32) string {
	data := v.sections[secIdx].data
	if int(off) >= len(data) {
		return ""
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return string(data[off:])
	}
	return string(data[off : int(off)+end])
}

// SectionIndex returns the raw section index (elf.SHN_UNDEF, SHNLivepatch,
// ...) of the symbol at cursor.
func (v *ElfView) SectionIndex(cursor int) uint16 {
	return v.symAt(cursor).Shndx
}

// SetSectionIndex moves the symbol at cursor to shndx (used to move a
// livepatched symbol to SHNLivepatch).
func (v *ElfView) SetSectionIndex(cursor int, shndx uint16) {
	sym := v.symAt(cursor)
	sym.Shndx = shndx
	v.setSymAt(cursor, sym)
}

// Rename points the symbol at cursor's name field at nameOffset, an
// offset previously returned by a StringTableBuilder append. The caller
// is responsible for installing the rebuilt string table via
// UpdateSection before Flush, matching the spec's "symbol renaming never
// grows the string section in place" invariant.
func (v *ElfView) Rename(cursor int, nameOffset uint32) {
	sym := v.symAt(cursor)
	sym.Name = nameOffset
	v.setSymAt(cursor, sym)
}

// StringTableIndex returns the section index of the symbol string table
// (.strtab) linked from .symtab.
func (v *ElfView) StringTableIndex() int { return v.strtabIdx }

// StringTableBuilder accumulates a fresh, NUL-terminated string table,
// starting with a single NUL byte the way a valid ELF string table must.
// Grounded on the "rebuild, never edit in place" discipline in
// original_source/fixup_command.cc's RenameKlpSymbols.
type StringTableBuilder struct {
	buf bytes.Buffer
}

// NewStringTableBuilder returns a builder primed with the mandatory
// leading NUL.
func NewStringTableBuilder() *StringTableBuilder {
	b := &StringTableBuilder{}
	b.buf.WriteByte(0)
	return b
}

// Append writes name plus a trailing NUL and returns its offset.
func (b *StringTableBuilder) Append(name string) uint32 {
	off := uint32(b.buf.Len())
	b.buf.WriteString(name)
	b.buf.WriteByte(0)
	return off
}

// Bytes returns the accumulated table.
func (b *StringTableBuilder) Bytes() []byte { return b.buf.Bytes() }
