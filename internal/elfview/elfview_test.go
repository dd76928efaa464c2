// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfview

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFixtureObject writes a minimal ET_REL object with a .text section,
// a .rela.text section referencing symbol 1 ("printk"), a .symtab and
// .strtab, and a .shstrtab -- enough surface to exercise Open, Symbols,
// Relas, UpdateRela, CreateKlpRela and Flush.
func buildFixtureObject(t *testing.T, path string) {
	t.Helper()

	bo := binary.LittleEndian

	strtab := []byte{0}
	printkOff := uint32(len(strtab))
	strtab = append(strtab, []byte("printk\x00")...)

	shstrtab := []byte{0}
	names := map[string]uint32{}
	addShName := func(n string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(n+"\x00")...)
		names[n] = off
		return off
	}
	addShName(".text")
	addShName(".rela.text")
	addShName(".strtab")
	addShName(".symtab")
	addShName(".shstrtab")

	text := make([]byte, 16)

	sym := func(name uint32, shndx uint16) []byte {
		buf := make([]byte, sym64Size)
		bo.PutUint32(buf[0:4], name)
		buf[4] = 0
		buf[5] = 0
		bo.PutUint16(buf[6:8], shndx)
		return buf
	}
	symtab := append([]byte{}, sym(0, 0)...)             // dummy
	symtab = append(symtab, sym(printkOff, uint16(elf.SHN_UNDEF))...)

	rela := make([]byte, rela64Size)
	bo.PutUint64(rela[0:8], 0)
	bo.PutUint64(rela[8:16], uint64(1)<<32|uint64(elf.R_X86_64_64))
	bo.PutUint64(rela[16:24], 0)

	type secSpec struct {
		name    string
		typ     elf.SectionType
		flags   elf.SectionFlag
		link    uint32
		info    uint32
		align   uint64
		entsize uint64
		data    []byte
	}
	specs := []secSpec{
		{},
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, align: 16, data: text},
		{name: ".rela.text", typ: elf.SHT_RELA, link: 4, info: 1, align: 8, entsize: rela64Size, data: rela},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
		{name: ".symtab", typ: elf.SHT_SYMTAB, link: 3, entsize: sym64Size, data: symtab},
		{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab},
	}

	var buf bytes.Buffer
	const ehsize = 64
	offset := uint64(ehsize)
	offsets := make([]uint64, len(specs))
	for i, s := range specs {
		if s.typ == elf.SHT_NULL {
			continue
		}
		if s.align > 1 {
			offset = alignUp(offset, s.align)
		}
		offsets[i] = offset
		offset += uint64(len(s.data))
	}
	shoff := alignUp(offset, 8)

	hdr := elf.Header64{}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	hdr.Type = uint16(elf.ET_REL)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = 1
	hdr.Ehsize = ehsize
	hdr.Shentsize = 64
	hdr.Shnum = uint16(len(specs))
	hdr.Shstrndx = 5
	hdr.Shoff = shoff
	require.NoError(t, binary.Write(&buf, bo, &hdr))

	for i, s := range specs {
		if s.typ == elf.SHT_NULL {
			continue
		}
		for uint64(buf.Len()) < offsets[i] {
			buf.WriteByte(0)
		}
		buf.Write(s.data)
	}
	for uint64(buf.Len()) < shoff {
		buf.WriteByte(0)
	}
	for i, s := range specs {
		shdr := elf.Section64{
			Name:      names[s.name],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Info:      s.info,
			Addralign: s.align,
			Entsize:   s.entsize,
		}
		require.NoError(t, binary.Write(&buf, bo, &shdr))
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestOpenAndIterateSymbols(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildFixtureObject(t, path)

	view, err := Open(path)
	require.NoError(t, err)

	var names []string
	syms := view.Symbols()
	for syms.Next() {
		names = append(names, view.Name(syms.Cursor()))
	}
	assert.Equal(t, []string{"printk"}, names)
}

func TestRenameAndSetSectionIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildFixtureObject(t, path)

	view, err := Open(path)
	require.NoError(t, err)

	sb := NewStringTableBuilder()
	syms := view.Symbols()
	require.True(t, syms.Next())
	off := sb.Append(".klp.sym.vmlinux.printk,0")
	view.Rename(syms.Cursor(), off)
	view.SetSectionIndex(syms.Cursor(), SHNLivepatch)
	require.NoError(t, view.UpdateSection(view.StringTableIndex(), sb.Bytes()))
	require.NoError(t, view.Flush())

	reopened, err := Open(path)
	require.NoError(t, err)
	syms2 := reopened.Symbols()
	require.True(t, syms2.Next())
	assert.Equal(t, ".klp.sym.vmlinux.printk,0", reopened.Name(syms2.Cursor()))
	assert.EqualValues(t, SHNLivepatch, reopened.SectionIndex(syms2.Cursor()))
}

func TestRelaRoundTripNoOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildFixtureObject(t, path)

	view, err := Open(path)
	require.NoError(t, err)

	relas, err := view.Relas()
	require.NoError(t, err)
	var entries []RelaEntry
	secID := -1
	for relas.Next() {
		entries = append(entries, relas.Entry())
		secID = relas.SectionID()
	}
	require.Len(t, entries, 1)

	// A round trip that keeps the same entries must not change the
	// section's entry count (invariant 6 in SPEC_FULL.md §8).
	require.NoError(t, view.UpdateRela(secID, entries))
	require.NoError(t, view.Flush())

	reopened, err := Open(path)
	require.NoError(t, err)
	relas2, err := reopened.Relas()
	require.NoError(t, err)
	count := 0
	for relas2.Next() {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestCreateKlpRela(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildFixtureObject(t, path)

	view, err := Open(path)
	require.NoError(t, err)

	relas, err := view.Relas()
	require.NoError(t, err)
	require.True(t, relas.Next())
	entry := relas.Entry()
	secID := relas.SectionID()
	symtabID := relas.SymtabID()

	require.NoError(t, view.UpdateRela(secID, nil))
	require.NoError(t, view.Flush())

	nameOff := view.AppendSectionName(".klp.rela.vmlinux..text")
	view.CreateKlpRela(secID, symtabID, nameOff, []RelaEntry{entry})
	require.NoError(t, view.UpdateSection(view.StringSectionIndex(), view.sections[view.StringSectionIndex()].data))
	require.NoError(t, view.Flush())

	reopened, err := Open(path)
	require.NoError(t, err)
	found := false
	for i := 0; i < reopened.SectionCount(); i++ {
		name, err := reopened.SectionName(i)
		require.NoError(t, err)
		if name == ".klp.rela.vmlinux..text" {
			found = true
			assert.EqualValues(t, SHFRelaLivepatch|elf.SHF_INFO_LINK|elf.SHF_ALLOC, reopened.sections[i].flags)
		}
	}
	assert.True(t, found)
}
