// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fixup

import (
	"github.com/google/klpgen/internal/elfview"
)

// FixupEngine drives the two fixup passes over a klp_patch.o object:
// Mode A renames undefined symbols to the kernel's .klp.sym convention
// and marks them SHNLivepatch, Mode B then carves their relocations out
// into new .klp.rela sections. Grounded on
// original_source/fixup_command.cc's FixupCommand::Run, which runs both
// passes unconditionally over the same object.
type FixupEngine struct {
	Options RenameOptions
}

// New returns a FixupEngine configured with opts.
func New(opts RenameOptions) *FixupEngine {
	return &FixupEngine{Options: opts}
}

// Run opens path, performs Mode A then Mode B, and leaves the object
// flushed to disk.
func (e *FixupEngine) Run(path string) error {
	objName := "vmlinux"
	if e.Options.ModElfPath != "" {
		modView, err := elfview.Open(e.Options.ModElfPath)
		if err != nil {
			return err
		}
		defer modView.Close()
		name, err := modView.ModName()
		if err != nil {
			return err
		}
		objName = name
	}

	view, err := elfview.Open(path)
	if err != nil {
		return err
	}
	defer view.Close()

	if err := RenameKlpSymbols(view, e.Options); err != nil {
		return err
	}
	return CreateKlpRelaSections(view, objName)
}
