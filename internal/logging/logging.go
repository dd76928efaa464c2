// Copyright (c) 2024 Google LLC
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging provides the leveled logging helpers used across every
// subcommand. The call-site shape (format string, optional error, varargs)
// mirrors the original LOG_ERR/LOG_WARN/LOG_INFO/LOG_DEBUG helpers, but the
// sink is a real structured logger instead of raw fmt.Fprintf.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors the original numeric LOG_LEVEL filter: 1=debug, 2=info,
// 3=warning, 4=error.
type Level int

const (
	LevelDebug Level = 1
	LevelInfo  Level = 2
	LevelWarn  Level = 3
	LevelErr   Level = 4
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).With().Timestamp().Logger()

// SetLevel adjusts the global filter, matching the teacher's -v/--verbose
// handling in deku.go (each -v lowers LOG_LEVEL by one).
func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LevelInfo:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case LevelWarn:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// Fatal logs at error level then exits the process with status 1.
func Fatal(err error, format string, args ...any) {
	Err(err, format, args...)
	os.Exit(1)
}

func Err(err error, format string, args ...any) {
	if err != nil {
		logger.Error().Err(err).Msgf(format, args...)
		return
	}
	logger.Error().Msgf(format, args...)
}

func Warn(format string, args ...any) {
	logger.Warn().Msgf(format, args...)
}

func Info(format string, args ...any) {
	logger.Info().Msgf(format, args...)
}

func Debug(format string, args ...any) {
	logger.Debug().Msgf(format, args...)
}
