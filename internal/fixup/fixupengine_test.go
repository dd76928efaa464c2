// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fixup

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/klpgen/internal/archive"
	"github.com/google/klpgen/internal/elfview"
)

const (
	testSym64Size  = 24
	testRela64Size = 24
)

// buildKlpPatchFixture writes a minimal klp_patch.o: one .text section, one
// relocation in .rela.text against the undefined symbol "do_something",
// plus .symtab/.strtab/.shstrtab, matching S7/S8's shape closely enough to
// exercise both FixupEngine modes end to end.
func buildKlpPatchFixture(t *testing.T, path string) {
	t.Helper()
	bo := binary.LittleEndian

	strtab := []byte{0}
	symOff := uint32(len(strtab))
	strtab = append(strtab, []byte("klp.local.sym:do_something:drivers/a.c\x00")...)

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
		buf := make([]byte, testSym64Size)
		bo.PutUint32(buf[0:4], name)
		bo.PutUint16(buf[6:8], shndx)
		return buf
	}
	symtab := append([]byte{}, sym(0, 0)...)
	symtab = append(symtab, sym(symOff, uint16(elf.SHN_UNDEF))...)

	rela := make([]byte, testRela64Size)
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
		{name: ".rela.text", typ: elf.SHT_RELA, link: 4, info: 1, align: 8, entsize: testRela64Size, data: rela},
		{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
		{name: ".symtab", typ: elf.SHT_SYMTAB, link: 3, entsize: testSym64Size, data: symtab},
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
			offset = (offset + s.align - 1) / s.align * s.align
		}
		offsets[i] = offset
		offset += uint64(len(s.data))
	}
	shoff := (offset + 7) / 8 * 8

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

func TestRenameKlpSymbolsWithoutModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildKlpPatchFixture(t, path)

	view, err := elfview.Open(path)
	require.NoError(t, err)
	require.NoError(t, RenameKlpSymbols(view, RenameOptions{}))

	reopened, err := elfview.Open(path)
	require.NoError(t, err)
	syms := reopened.Symbols()
	require.True(t, syms.Next())
	name := reopened.Name(syms.Cursor())
	assert.True(t, strings.HasPrefix(name, ".klp.sym.vmlinux.do_something,"))
	assert.EqualValues(t, elfview.SHNLivepatch, reopened.SectionIndex(syms.Cursor()))
}

func TestRenameKlpSymbolsWithThinArchiveSympos(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildKlpPatchFixture(t, path)

	nmOutput := "archive.a[a.o]:\ndo_something T 0000000000000000\narchive.a[b.o]:\ndo_something T 0000000000000000\n"
	idx, err := archive.New(strings.NewReader(nmOutput))
	require.NoError(t, err)

	view, err := elfview.Open(path)
	require.NoError(t, err)
	require.NoError(t, RenameKlpSymbols(view, RenameOptions{ThinArchive: idx}))

	reopened, err := elfview.Open(path)
	require.NoError(t, err)
	syms := reopened.Symbols()
	require.True(t, syms.Next())
	assert.Equal(t, ".klp.sym.vmlinux.do_something,1", reopened.Name(syms.Cursor()))
}

func TestCreateKlpRelaSectionsMovesRelocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klp_patch.o")
	buildKlpPatchFixture(t, path)

	view, err := elfview.Open(path)
	require.NoError(t, err)
	require.NoError(t, RenameKlpSymbols(view, RenameOptions{}))

	view, err = elfview.Open(path)
	require.NoError(t, err)
	require.NoError(t, CreateKlpRelaSections(view, "vmlinux"))

	reopened, err := elfview.Open(path)
	require.NoError(t, err)
	found := false
	for i := 0; i < reopened.SectionCount(); i++ {
		name, err := reopened.SectionName(i)
		require.NoError(t, err)
		if strings.HasPrefix(name, ".klp.rela.vmlinux.") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestResolveUndefinedSymbolLLpatchAlias(t *testing.T) {
	sm, err := ParseSymbolMap(strings.NewReader("mymod drivers/foo.c real_symbol __llpatch_symbol_1\n"))
	require.NoError(t, err)

	real, srcfile, err := resolveUndefinedSymbol("__llpatch_symbol_1", sm)
	require.NoError(t, err)
	assert.Equal(t, "real_symbol", real)
	assert.Equal(t, "drivers/foo.c", srcfile)
}

func TestResolveUndefinedSymbolWithoutMapFails(t *testing.T) {
	_, _, err := resolveUndefinedSymbol("__llpatch_symbol_1", nil)
	require.Error(t, err)
}
