// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errs defines the flat error-code taxonomy shared by every
// subcommand. Every failing operation in this module returns one value
// from Code; the dispatcher converts it directly into a process exit
// status.
package errs

import "fmt"

// Code is the numeric value returned to the shell as the process exit
// status. 0 is reserved for success and is never constructed directly.
type Code int

const (
	NoError Code = iota
	InvalidCommand
	NotEnoughArgs
	InvalidLLVMFile
	DiffFailed
	FileOpenFailed
	InvalidPatchFile
	NothingToPatch
	SymFindFailed
	InvalidSymMap
	AliasFindFailed
	NoSymMap

	// ELF-layer errors, grounded on original_source/elf_error.h.
	NoSymtab
	InvalidKlpPrefix
	InvalidElfSymbol
	NoRelaSection
	RelaSectionNotFound
	SameSymbolFilename
)

var messages = map[Code]string{
	NoError:             "no error",
	InvalidCommand:      "invalid command",
	NotEnoughArgs:       "not enough arguments",
	InvalidLLVMFile:     "invalid LLVM IR file",
	DiffFailed:          "diff failed",
	FileOpenFailed:      "failed to open file",
	InvalidPatchFile:    "invalid patch file",
	NothingToPatch:      "nothing to patch",
	SymFindFailed:       "symbol lookup failed",
	InvalidSymMap:       "invalid symbol map",
	AliasFindFailed:     "alias lookup failed",
	NoSymMap:            "no symbol map provided",
	NoSymtab:            "no symbol table",
	InvalidKlpPrefix:    "invalid klp symbol prefix",
	InvalidElfSymbol:    "invalid elf symbol",
	NoRelaSection:       "no rela section",
	RelaSectionNotFound: "rela section not found",
	SameSymbolFilename:  "same symbol in same file listed twice",
}

// KlpError is a Code bound to a contextual message. It satisfies error so
// it composes with github.com/pkg/errors.Wrap at every layer boundary.
type KlpError struct {
	Code Code
	Msg  string
}

func (e *KlpError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Msg)
}

// New constructs a KlpError for code with an additional formatted message.
func New(code Code, format string, args ...any) *KlpError {
	return &KlpError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (c Code) String() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return fmt.Sprintf("error code %d", int(c))
}

// As extracts the *KlpError (and therefore its Code) from an error chain
// built with github.com/pkg/errors.Wrap, returning ok=false if none is
// present anywhere in the chain.
func As(err error) (*KlpError, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if ke, ok := err.(*KlpError); ok {
			return ke, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Cause()
	}
	return nil, false
}

// ExitCode returns the process exit status for err: 0 for nil, the
// wrapped KlpError's Code if present, or 1 for any other error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ke, ok := As(err); ok {
		return int(ke.Code)
	}
	return 1
}
