// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide levelled log sink. Every
// subsystem logs through the package-level functions; the sinks (stderr, a
// rotating file, syslog) are selected once at startup by InitLogging.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered. TRACE is below slog's built-in ladder and OFF is
// above it.
const (
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(12)
)

// LogConfig carries the logging-related configuration keys.
type LogConfig struct {
	// Mirror log lines to stderr.
	Stdout bool

	// Mirror log lines to the host syslog.
	Syslog bool

	// Path of the log file, or empty for no file sink.
	FilePath string

	// Minimum severity: one of "trace", "debug", "info", "warning", "error",
	// "off".
	Level string

	// Rotation policy for the file sink.
	RotateMaxSizeMB   int
	RotateBackupCount int

	// Tag used for the syslog sink. Defaults to the program name.
	SyslogTag string
}

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, programLevel))

	// Held so Teardown can flush and close the file sink.
	fileSink io.WriteCloser
)

func newHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render severities with our names, including the custom TRACE
			// level.
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				a.Value = slog.StringValue(levelName(a.Value.Any().(slog.Level)))
			}
			if a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	})
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func setLoggingLevel(level string, v *slog.LevelVar) {
	switch level {
	case "trace":
		v.Set(LevelTrace)
	case "debug":
		v.Set(slog.LevelDebug)
	case "info", "":
		v.Set(slog.LevelInfo)
	case "warning":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	case "off":
		v.Set(LevelOff)
	}
}

// InitLogging replaces the default stderr logger with one built from the
// supplied configuration. Call it exactly once, before any subsystem starts.
func InitLogging(cfg LogConfig) error {
	var sinks []io.Writer

	if cfg.Stdout {
		sinks = append(sinks, os.Stderr)
	}

	if cfg.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.RotateMaxSizeMB,
			MaxBackups: cfg.RotateBackupCount,
			Compress:   true,
		}
		fileSink = lj
		sinks = append(sinks, lj)
	}

	if cfg.Syslog {
		w, err := newSyslogWriter(cfg.SyslogTag)
		if err != nil {
			return fmt.Errorf("connecting to syslog: %w", err)
		}
		sinks = append(sinks, w)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, io.Discard)
	}

	setLoggingLevel(cfg.Level, programLevel)
	defaultLogger = slog.New(newHandler(io.MultiWriter(sinks...), programLevel))
	return nil
}

// Teardown closes the file sink, if any. The stderr and syslog sinks need no
// teardown.
func Teardown() {
	if fileSink != nil {
		fileSink.Close()
		fileSink = nil
	}
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
