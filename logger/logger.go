// Copyright 2024 The Serena Authors. All Rights Reserved.
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

// Package logger provides the kernel's leveled logging front end, a thin
// wrapper around log/slog with a TRACE level below DEBUG and a severity
// attribute in place of slog's level key.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LevelTrace sits below slog.LevelDebug; slog has no native trace level.
const LevelTrace = slog.Level(-8)

var (
	mu            sync.Mutex
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newSeverityHandler(os.Stderr, programLevel, ""))
)

func newSeverityHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				if a.Value.Any().(slog.Level) == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			if a.Key == slog.MessageKey {
				a.Key = "message"
				if prefix != "" {
					a.Value = slog.StringValue(prefix + a.Value.String())
				}
			}
			return a
		},
	})
}

// SetOutput redirects all subsequent log output to w; nil restores stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(newSeverityHandler(w, programLevel, ""))
}

// SetLogLevel sets the minimum severity that is emitted. Accepts "trace",
// "debug", "info", "warning", "error" and "off".
func SetLogLevel(level string) {
	switch level {
	case "trace":
		programLevel.Set(LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info":
		programLevel.Set(slog.LevelInfo)
	case "warning":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	case "off":
		programLevel.Set(slog.LevelError + 4)
	}
}

func logf(level slog.Level, format string, v ...interface{}) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.Log(ctx, level, fmt.Sprintf(format, v...))
}

// Tracef prints the message at TRACE severity.
func Tracef(format string, v ...interface{}) {
	logf(LevelTrace, format, v...)
}

// Debugf prints the message at DEBUG severity.
func Debugf(format string, v ...interface{}) {
	logf(slog.LevelDebug, format, v...)
}

// Infof prints the message at INFO severity.
func Infof(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

// Warnf prints the message at WARNING severity.
func Warnf(format string, v ...interface{}) {
	logf(slog.LevelWarn, format, v...)
}

// Errorf prints the message at ERROR severity.
func Errorf(format string, v ...interface{}) {
	logf(slog.LevelError, format, v...)
}
