// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package align implements AlignCommand: inserting blank lines into a
// pair of pre/post-patch C source files so their line numbers stay in
// lockstep past every hunk of a unified diff, keeping __LINE__ macros
// meaningful for IrDiffEngine. Grounded on
// original_source/align_command.cc.
package align

import (
	"bufio"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/google/klpgen/internal/errs"
)

// DefaultSuffix is the output-file suffix used when none is given.
const DefaultSuffix = "__aligned"

// Patch is one hunk's (relative offset, line count) pair, as reported by a
// unified-diff `@@ -off,lines +off,lines @@` header.
type Patch struct {
	Offset int
	Lines  int
}

var (
	diffHeadRe = regexp.MustCompile(`^diff -.*`)
	hunkRe     = regexp.MustCompile(`^@@`)
)

// ParsePatchFile reads patch (a unified diff) and extracts every hunk
// belonging to the file diffedFile: parallel (original, patched) offset
// lists plus a patch-context line count per hunk. Offsets are converted
// from absolute-in-file to relative-to-the-previous-hunk.
func ParsePatchFile(fs afero.Fs, patchPath, diffedFile string) (original, patched []Patch, context []int, err error) {
	f, err := fs.Open(patchPath)
	if err != nil {
		return nil, nil, nil, errs.New(errs.FileOpenFailed, "%s", patchPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	diffFileHead := regexp.MustCompile(`^diff -.*` + regexp.QuoteMeta(diffedFile) + `.*`)

	line, ok := skipToMarker(scanner, diffFileHead, nil)
	if !ok {
		// The patched file may only include an unrelated header; no
		// hunks for diffedFile is not an error.
		return nil, nil, nil, nil
	}
	_ = line

	for {
		hunkLine, ok := skipToMarker(scanner, hunkRe, diffHeadRe)
		if !ok {
			break
		}

		fields := strings.Fields(hunkLine)
		if len(fields) < 3 {
			return nil, nil, nil, errs.New(errs.InvalidPatchFile, "malformed hunk header: %q", hunkLine)
		}
		origOffset, origLines, err := parseOffsetLinesToken(fields[1])
		if err != nil {
			return nil, nil, nil, err
		}
		patOffset, patLines, err := parseOffsetLinesToken(fields[2])
		if err != nil {
			return nil, nil, nil, err
		}
		original = append(original, Patch{Offset: origOffset, Lines: origLines})
		patched = append(patched, Patch{Offset: patOffset, Lines: patLines})

		i := 0
		for scanner.Scan() {
			l := scanner.Text()
			if strings.HasPrefix(l, "-") || strings.HasPrefix(l, "+") {
				break
			}
			i++
		}
		if i > 0 {
			context = append(context, i-1)
		} else {
			context = append(context, 0)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "parse patch file")
	}

	convertToRelativeOffset(original)
	convertToRelativeOffset(patched)
	return original, patched, context, nil
}

// parseOffsetLinesToken parses a "[-+]${line},${lines}" token.
func parseOffsetLinesToken(tok string) (offset, lines int, err error) {
	if len(tok) == 0 {
		return 0, 0, errs.New(errs.InvalidPatchFile, "empty hunk token")
	}
	body := tok[1:]
	idx := strings.IndexByte(body, ',')
	if idx < 0 {
		return 0, 0, errs.New(errs.InvalidPatchFile, "malformed hunk token %q", tok)
	}
	offset, err = strconv.Atoi(body[:idx])
	if err != nil {
		return 0, 0, errs.New(errs.InvalidPatchFile, "bad offset in %q", tok)
	}
	lines, err = strconv.Atoi(body[idx+1:])
	if err != nil {
		return 0, 0, errs.New(errs.InvalidPatchFile, "bad line count in %q", tok)
	}
	return offset, lines, nil
}

// convertToRelativeOffset rewrites each patch's absolute file offset into
// an offset relative to the previous patch's absolute offset in place.
func convertToRelativeOffset(patches []Patch) {
	lastPatchLine := 0
	for i, p := range patches {
		patches[i] = Patch{Offset: p.Offset - lastPatchLine, Lines: p.Lines}
		lastPatchLine = p.Offset
	}
}

// skipToMarker scans forward until a line matches marker, returning it. If
// stopper is non-nil and matches first, it returns ok=false.
func skipToMarker(scanner *bufio.Scanner, marker, stopper *regexp.Regexp) (string, bool) {
	for scanner.Scan() {
		line := scanner.Text()
		if marker.MatchString(line) {
			return line, true
		}
		if stopper != nil && stopper.MatchString(line) {
			return "", false
		}
	}
	return "", false
}

// AlignFile reads filename and writes filename+suffix, inserting blank
// lines wherever "to"'s hunk added more lines than "from"'s did, so both
// sides' line numbers stay aligned past every hunk.
func AlignFile(fs afero.Fs, filename, suffix string, from, to []Patch, context []int) error {
	in, err := fs.Open(filename)
	if err != nil {
		return errs.New(errs.FileOpenFailed, "%s", filename)
	}
	defer in.Close()

	out, err := fs.Create(filename + suffix)
	if err != nil {
		return errs.New(errs.FileOpenFailed, "%s", filename+suffix)
	}
	defer out.Close()

	reader := bufio.NewScanner(in)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for i := range from {
		fromOffset, fromLines := from[i].Offset, from[i].Lines
		toLines := to[i].Lines

		copyLines(reader, writer, fromOffset)
		if fromLines < toLines {
			copyLines(reader, writer, context[i])
			addEmptyLines(writer, toLines-fromLines)
		}
	}
	copyLines(reader, writer, math.MaxInt32)

	if err := reader.Err(); err != nil {
		return errors.Wrap(err, "align file")
	}
	return writer.Flush()
}

func copyLines(scanner *bufio.Scanner, w *bufio.Writer, n int) {
	for i := 0; i < n && scanner.Scan(); i++ {
		w.WriteString(scanner.Text())
		w.WriteByte('\n')
	}
}

func addEmptyLines(w *bufio.Writer, n int) {
	for i := 0; i < n; i++ {
		w.WriteByte('\n')
	}
}

// Run executes the full AlignCommand: parse patch, align both files.
func Run(fs afero.Fs, diffedFile, patchPath, originalC, patchedC, suffix string) error {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	original, patched, context, err := ParsePatchFile(fs, patchPath, diffedFile)
	if err != nil {
		return err
	}
	if err := AlignFile(fs, originalC, suffix, original, patched, context); err != nil {
		return err
	}
	return AlignFile(fs, patchedC, suffix, patched, original, context)
}
