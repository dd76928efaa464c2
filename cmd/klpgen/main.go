// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command klpgen distills an LLVM IR diff into a kernel livepatch object
// and generates the wrapper module around it: diff, fixup, gen, align,
// matching original_source/main.cc's Command::Create dispatch, translated
// into a cobra.Command tree per the ambient-stack expansion.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/google/klpgen/internal/config"
	"github.com/google/klpgen/internal/errs"
	"github.com/google/klpgen/internal/logging"
)

var verboseCount int

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "klpgen",
		Short:         "Generate a kernel livepatch object from an LLVM IR diff",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseCount >= 1 {
				logging.SetLevel(logging.LevelDebug)
			} else {
				logging.SetLevel(logging.LevelInfo)
			}
		},
	}
	root.PersistentFlags().CountVarP(&verboseCount, "verbose", "v", "increase logging verbosity")

	root.AddCommand(newDiffCmd())
	root.AddCommand(newFixupCmd())
	root.AddCommand(newGenCmd())
	root.AddCommand(newAlignCmd())
	return root
}

// loadConfig binds cmd's flags to klpgen.yaml defaults, matching
// SPEC_FULL.md §6's "Config file" interface.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.New(cmd.Flags())
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if ke, ok := errs.As(err); ok && verboseCount == 0 {
			logging.Err(nil, "%s", ke.Error())
		} else {
			logging.Err(err, "klpgen failed")
		}
		os.Exit(errs.ExitCode(err))
	}
}
