// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfview implements ElfView: a mutable wrapper around a
// relocatable ELF object (klp_patch.o) that exposes symbol-table
// iteration, rela-section iteration, and the handful of section/string
// table mutations FixupEngine needs -- without a general-purpose
// writable-ELF library, since none exists in the Go ecosystem that
// supports in-place rewriting of an existing relocatable object (see
// DESIGN.md).
//
// Reads go through debug/elf for parsing convenience; writes are done by
// hand, grounded on the raw Sym64/Rela64 byte-layout handling in
// other_examples/cilium-cilium__symbols.go and
// other_examples/google-syzkaller__elf.go, and on the "rebuild, don't
// edit in place" string-table discipline described in
// _examples/WonderfulToolchain-wf-tools/go/elf.
//
// Only ET_REL (relocatable) little-endian 64-bit objects are supported,
// matching klp_patch.o as produced by a normal kernel module build; such
// objects carry no program headers, which keeps Flush()'s layout pass a
// simple linear append.
package elfview

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/google/klpgen/internal/errs"
)

const (
	// SHNLivepatch is the reserved section index that marks a symbol as
	// to-be-resolved by the kernel's livepatch subsystem.
	SHNLivepatch = 0xff20
	// SHFRelaLivepatch marks a RELA section for livepatch processing.
	SHFRelaLivepatch elf.SectionFlag = 0x00100000

	sym64Size  = 24
	rela64Size = 24
)

// RelaEntry is the architecture-native RELA triple, split into symbol
// index and relocation type the way GElf_Rela exposes them.
type RelaEntry struct {
	Offset uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

func (r RelaEntry) info() uint64 { return uint64(r.Sym)<<32 | uint64(r.Type) }

func relaFromInfo(offset uint64, info uint64, addend int64) RelaEntry {
	return RelaEntry{Offset: offset, Sym: uint32(info >> 32), Type: uint32(info), Addend: addend}
}

// section is the mutable in-memory mirror of one section header + its
// data. ElfView never edits elf.File's own bookkeeping; all rewriting
// happens here.
type section struct {
	name      string
	nameOff   uint32
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
	data      []byte
	dirty     bool
}

// ElfView owns one open relocatable ELF object for the duration of one
// diff/fixup/gen invocation.
type ElfView struct {
	path       string
	byteOrder  binary.ByteOrder
	sections   []*section
	shstrndx   int
	symtabIdx  int // index into sections of .symtab, or -1
	strtabIdx  int // index into sections of the symtab's string table, or -1
	flushed    bool
}

// Open parses path as a 64-bit little-endian relocatable ELF object.
func Open(path string) (*ElfView, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errs.New(errs.FileOpenFailed, "%s", path), "open elf: %v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, errs.New(errs.InvalidElfSymbol, "only ELFCLASS64 objects are supported")
	}

	view := &ElfView{
		path:      path,
		byteOrder: f.ByteOrder,
		symtabIdx: -1,
		strtabIdx: -1,
		shstrndx:  int(f.Entry), // placeholder, set below from raw header
	}

	shstrndx, err := readShstrndx(path)
	if err != nil {
		return nil, err
	}
	view.shstrndx = shstrndx

	for i, s := range f.Sections {
		data := make([]byte, s.Size)
		if s.Type != elf.SHT_NOBITS && s.Size > 0 {
			if _, err := s.ReadAt(data, 0); err != nil && err != io.EOF {
				return nil, errors.Wrapf(err, "read section %d data", i)
			}
		}
		sec := &section{
			name:      s.Name,
			typ:       s.Type,
			flags:     s.Flags,
			addr:      s.Addr,
			link:      s.Link,
			info:      s.Info,
			addralign: s.Addralign,
			entsize:   s.Entsize,
			data:      data,
		}
		view.sections = append(view.sections, sec)
		if s.Type == elf.SHT_SYMTAB {
			view.symtabIdx = i
			view.strtabIdx = int(s.Link)
		}
	}
	if view.symtabIdx < 0 {
		return nil, errs.New(errs.NoSymtab, "%s has no .symtab", path)
	}

	// debug/elf does not expose each section's original sh_name offset;
	// recover it by locating the NUL-terminated name within the
	// section-header string table so that re-flushing an untouched
	// section reproduces the same bytes.
	shstrtab := view.sections[view.shstrndx].data
	for _, s := range view.sections {
		s.nameOff = findNameOffset(shstrtab, s.name)
	}

	return view, nil
}

// findNameOffset locates the offset of the NUL-terminated string name
// within a section-header string table's raw bytes.
func findNameOffset(shstrtab []byte, name string) uint32 {
	if name == "" {
		return 0
	}
	needle := append([]byte(name), 0)
	if i := bytes.Index(shstrtab, needle); i >= 0 {
		return uint32(i)
	}
	return 0
}

// readShstrndx re-reads just the ELF header to recover e_shstrndx, which
// debug/elf.File does not expose directly.
func readShstrndx(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var ident [16]byte
	if _, err := io.ReadFull(f, ident[:]); err != nil {
		return 0, err
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if ident[5] == 2 {
		bo = binary.BigEndian
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var hdr elf.Header64
	if err := binary.Read(f, bo, &hdr); err != nil {
		return 0, err
	}
	return int(hdr.Shstrndx), nil
}

// SectionCount returns the number of sections tracked, including any
// appended by CreateKlpRela since the last Flush.
func (v *ElfView) SectionCount() int { return len(v.sections) }

// SectionName resolves section idx's name via the section-header string
// table.
func (v *ElfView) SectionName(idx int) (string, error) {
	if idx < 0 || idx >= len(v.sections) {
		return "", errs.New(errs.InvalidElfSymbol, "section index %d out of range", idx)
	}
	return v.sections[idx].name, nil
}

// ModName scans .modinfo for a "name=<modname>\0" tag.
func (v *ElfView) ModName() (string, error) {
	for _, s := range v.sections {
		if s.name != ".modinfo" {
			continue
		}
		for _, tag := range bytes.Split(s.data, []byte{0}) {
			const prefix = "name="
			if bytes.HasPrefix(tag, []byte(prefix)) {
				return string(tag[len(prefix):]), nil
			}
		}
	}
	return "", nil
}

// GetSection returns a copy of section idx's raw bytes.
func (v *ElfView) GetSection(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(v.sections) {
		return nil, errs.New(errs.InvalidElfSymbol, "section index %d out of range", idx)
	}
	out := make([]byte, len(v.sections[idx].data))
	copy(out, v.sections[idx].data)
	return out, nil
}

// UpdateSection replaces section idx's raw bytes and marks it dirty.
func (v *ElfView) UpdateSection(idx int, data []byte) error {
	if idx < 0 || idx >= len(v.sections) {
		return errs.New(errs.InvalidElfSymbol, "section index %d out of range", idx)
	}
	v.sections[idx].data = data
	v.sections[idx].dirty = true
	return nil
}

// StringSectionIndex returns the section-header string table index
// (e_shstrndx), the section gen/fixup rewrite when renaming sections.
func (v *ElfView) StringSectionIndex() int { return v.shstrndx }

// AppendSectionName appends name (NUL-terminated) to the section-header
// string table in memory, marks that section dirty, and returns the
// name's offset. The next Flush writes the grown table to disk.
func (v *ElfView) AppendSectionName(name string) uint32 {
	s := v.sections[v.shstrndx]
	off := uint32(len(s.data))
	s.data = append(s.data, []byte(name)...)
	s.data = append(s.data, 0)
	s.dirty = true
	return off
}

// Close releases resources. ElfView keeps no open descriptor between
// calls (Open/Flush each do their own I/O), so Close is a no-op retained
// for symmetry with the teacher's ELF.Close.
func (v *ElfView) Close() error { return nil }

// Flush writes every dirty section back to disk, rebuilding the section
// header table and file layout from scratch (ET_REL objects carry no
// program headers, so this is a linear append of header + sections +
// section header table).
func (v *ElfView) Flush() error {
	f, err := os.Create(v.path)
	if err != nil {
		return errors.Wrap(err, "flush: create")
	}
	defer f.Close()

	const ehsize = 64
	offset := uint64(ehsize)
	offsets := make([]uint64, len(v.sections))
	for i, s := range v.sections {
		if s.typ == elf.SHT_NULL || s.typ == elf.SHT_NOBITS {
			offsets[i] = offset
			continue
		}
		if s.addralign > 1 {
			offset = alignUp(offset, s.addralign)
		}
		offsets[i] = offset
		offset += uint64(len(s.data))
	}
	offset = alignUp(offset, 8)
	shoff := offset

	hdr := elf.Header64{}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	hdr.Type = uint16(elf.ET_REL)
	hdr.Machine = uint16(elf.EM_X86_64)
	hdr.Version = 1
	hdr.Ehsize = ehsize
	hdr.Shentsize = 64
	hdr.Shnum = uint16(len(v.sections))
	hdr.Shstrndx = uint16(v.shstrndx)
	hdr.Shoff = shoff

	if err := binary.Write(f, v.byteOrder, &hdr); err != nil {
		return errors.Wrap(err, "flush: write header")
	}
	for i, s := range v.sections {
		if s.typ == elf.SHT_NULL || s.typ == elf.SHT_NOBITS {
			continue
		}
		if _, err := f.Seek(int64(offsets[i]), io.SeekStart); err != nil {
			return err
		}
		if _, err := f.Write(s.data); err != nil {
			return err
		}
	}
	if _, err := f.Seek(int64(shoff), io.SeekStart); err != nil {
		return err
	}
	for i, s := range v.sections {
		shdr := elf.Section64{
			Name:      s.nameOff,
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Addr:      s.addr,
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Info:      s.info,
			Addralign: s.addralign,
			Entsize:   s.entsize,
		}
		if s.typ == elf.SHT_NULL {
			shdr.Off, shdr.Size = 0, 0
		}
		if err := binary.Write(f, v.byteOrder, &shdr); err != nil {
			return errors.Wrapf(err, "flush: write section header %d", i)
		}
	}
	for _, s := range v.sections {
		s.dirty = false
	}
	v.flushed = true
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
