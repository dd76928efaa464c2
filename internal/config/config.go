// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the toolchain's shared settings. It replaces the
// teacher's hand-rolled Config struct + os.Args scanner (types.go,
// init.go) with viper-backed loading: a klpgen.yaml on disk supplies
// defaults, and CLI flags registered by cmd/klpgen override them.
package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds settings common to more than one subcommand. Subcommand-
// specific flags (e.g. fixup's --mod) are bound directly on their cobra
// command and read through Viper too, so a klpgen.yaml can supply them.
type Config struct {
	v *viper.Viper
}

// New builds a Config bound to v, reading klpgen.yaml from the working
// directory (and /etc/klpgen/ as a fallback) if present. A missing config
// file is not an error -- every setting also has a flag-level default.
func New(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("klpgen")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/klpgen")
	v.SetEnvPrefix("klpgen")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{v: v}, nil
}

// GetString reads a setting by flag/config key, flags taking precedence.
func (c *Config) GetString(key string) string { return c.v.GetString(key) }

// GetBool reads a boolean setting by flag/config key.
func (c *Config) GetBool(key string) bool { return c.v.GetBool(key) }
