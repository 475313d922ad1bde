// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Supported output formats for NewLogrusEmitter.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// LogrusEmitter emits through a logrus.Logger. Level filtering is left to
// BasicLogger, so the underlying logger accepts everything.
type LogrusEmitter struct {
	Logger *logrus.Logger
}

// NewLogrusEmitter returns an emitter writing to w in the given format.
// Unknown formats fall back to text.
func NewLogrusEmitter(w io.Writer, format string) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	switch format {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "0102 15:04:05.000000",
		})
	}
	return &LogrusEmitter{Logger: l}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:] // Trim any directory path from the file.
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	}
	entry.Logf(toLogrus(level), format, v...)
}

func toLogrus(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// ParseLevel parses a level name as written in configuration files and
// flags: "warning" (or "warn"), "info", "debug".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "warning", "warn":
		return Warning, nil
	case "info", "":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, which lets Level be used
// directly in TOML and YAML documents.
func (l *Level) UnmarshalText(b []byte) error {
	lv, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	switch l {
	case Warning:
		return []byte("warning"), nil
	case Info:
		return []byte("info"), nil
	case Debug:
		return []byte("debug"), nil
	default:
		return nil, fmt.Errorf("unknown level %v", uint32(l))
	}
}
