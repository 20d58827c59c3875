// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the structured logger shared by every component
// of the bridge core. It wraps zerolog with ECS field shaping and an
// optional rotating file sink, mirroring the teacher's own dependency set
// (rs/zerolog, go.elastic.co/ecszerolog, natefinch/lumberjack) behind a
// small Debugf/Infof/Warnf/Errorf surface matching the call shape used
// throughout core/manage and core/conn.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string

	// Console, when true, writes ECS JSON (colorized if attached to a TTY)
	// to os.Stderr.
	Console bool

	// FilePath, when non-empty, additionally writes ECS JSON to a rotating
	// file sink at that path.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (o Options) level() zerolog.Level {
	switch o.Level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger wraps a zerolog.Logger with the printf-style sugar the teacher's
// code calls (log.Debugf, log.Warnf, ...).
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger from Options. A zero Options value yields a console
// logger at info level, matching the teacher's default behavior when no
// log config is supplied.
func New(opts Options) *Logger {
	var writers []io.Writer

	if opts.Console || opts.FilePath == "" {
		out := io.Writer(os.Stderr)
		if isatty.IsTerminal(os.Stderr.Fd()) {
			out = colorable.NewColorableStderr()
		}
		writers = append(writers, out)
	}

	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	var mw io.Writer
	switch len(writers) {
	case 0:
		mw = os.Stderr
	case 1:
		mw = writers[0]
	default:
		mw = io.MultiWriter(writers...)
	}

	zl := ecszerolog.New(mw, ecszerolog.Level(opts.level())).Logger()
	return &Logger{zl: zl}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// With returns a child logger with the given key/value pairs attached to
// every subsequent entry. kv must alternate string keys and values.
func (l *Logger) With(kv ...interface{}) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }

// Nop returns a Logger that discards everything. Useful as a safe default
// for components constructed without an explicit logger.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}
