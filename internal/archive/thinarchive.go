// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archive implements ThinArchiveIndex: a queryable database of
// defined symbols across a thin archive's `nm -f posix --defined-only`
// listing, used to disambiguate duplicate symbol names into a
// deterministic sympos for the kernel livepatch ABI.
//
// Grounded on original_source/thin_archive.cc's two-pass construction and
// on the nm-output parsing style of other_examples/google-syzkaller__nm.go.
package archive

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/google/klpgen/internal/errs"
)

// fileHeader matches a thin-archive member header line, e.g.
// "foo.a[drivers/x.o]:".
var fileHeader = regexp.MustCompile(`.+\.a\[.+\.o\]:`)

// ThinArchiveIndex answers sympos queries for a symbol listing. The zero
// value is not usable; construct with New.
type ThinArchiveIndex struct {
	unique      map[string]struct{}
	duplicated  map[string][]string // symbol -> ordered owning files, 1-based position
}

// New parses r (an `nm -f posix --defined-only` style listing) into a
// ThinArchiveIndex. r must support Seek(0, io.SeekStart) because
// construction requires two full passes over the input.
func New(r io.ReadSeeker) (*ThinArchiveIndex, error) {
	seen := make(map[string]struct{})
	nonWeakSeen := make(map[string]struct{})
	duplicated := make(map[string]struct{})

	if err := scanLines(r, func(name, typ string) {
		typ = normalizeType(typ)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			if typ != "W" {
				nonWeakSeen[name] = struct{}{}
			}
			return
		}
		if typ == "W" {
			// weak duplicate never disqualifies uniqueness
			return
		}
		if _, ok := nonWeakSeen[name]; ok {
			duplicated[name] = struct{}{}
		}
		nonWeakSeen[name] = struct{}{}
	}); err != nil {
		return nil, errors.Wrap(err, "thin archive pass 1")
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "thin archive seek to pass 2")
	}

	idx := &ThinArchiveIndex{
		unique:     make(map[string]struct{}),
		duplicated: make(map[string][]string),
	}
	for name := range seen {
		if _, dup := duplicated[name]; !dup {
			idx.unique[name] = struct{}{}
		}
	}

	sameSymFile := make(map[string]struct{}) // "symbol\x00file"
	var currentFile string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if fileHeader.MatchString(line) {
			currentFile = strings.TrimSuffix(line, ":")
			if idx2 := strings.Index(currentFile, "["); idx2 >= 0 {
				currentFile = strings.TrimSuffix(currentFile[idx2+1:], "]")
			}
			continue
		}
		name, _, ok := parseSymbolLine(line)
		if !ok {
			continue
		}
		if _, dup := duplicated[name]; !dup {
			continue
		}
		key := name + "\x00" + currentFile
		if _, seen := sameSymFile[key]; seen {
			return nil, errs.New(errs.SameSymbolFilename, "%s defined twice in %s", name, currentFile)
		}
		sameSymFile[key] = struct{}{}
		idx.duplicated[name] = append(idx.duplicated[name], currentFile)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "thin archive pass 2")
	}

	return idx, nil
}

// Sympos returns the kernel livepatch ABI position of name as defined in
// file: 0 if name is globally unique, the 1-based occurrence index if
// name is duplicated and file is among its defining files, or -1 if name
// is not found at all.
func (idx *ThinArchiveIndex) Sympos(name, file string) int {
	if _, ok := idx.unique[name]; ok {
		return 0
	}
	files, ok := idx.duplicated[name]
	if !ok {
		return -1
	}
	for i, f := range files {
		if f == file {
			return i + 1
		}
	}
	return -1
}

func normalizeType(typ string) string {
	if typ == "V" {
		return "W"
	}
	return typ
}

// parseSymbolLine splits an nm -f posix symbol line "<name> <type> [value
// [size]]" into name and type. Returns ok=false for file-header or blank
// lines.
func parseSymbolLine(line string) (name, typ string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

func scanLines(r io.Reader, fn func(name, typ string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if fileHeader.MatchString(line) {
			continue
		}
		name, typ, ok := parseSymbolLine(line)
		if !ok {
			continue
		}
		fn(name, typ)
	}
	return scanner.Err()
}
