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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most one message per interval to the wrapped
// logger. Messages over the limit are counted, and the count is reported
// with the next message that gets through.
type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

func (rl *rateLimitedLogger) allow() (int, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.limit.Allow() {
		rl.suppressed++
		return 0, false
	}
	n := rl.suppressed
	rl.suppressed = 0
	return n, true
}

func withSuppressed(format string, v []any, n int) (string, []any) {
	if n == 0 {
		return format, v
	}
	return format + " (%d similar messages suppressed)", append(v, n)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		format, v = withSuppressed(format, v, n)
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		format, v = withSuppressed(format, v, n)
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if n, ok := rl.allow(); ok {
		format, v = withSuppressed(format, v, n)
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
