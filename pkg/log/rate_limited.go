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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// budget is the logging allowance of one subsystem.
type budget struct {
	limit *rate.Limiter

	// dropped counts statements suppressed since the last one emitted.
	dropped atomic.Uint64
}

func newBudget(every time.Duration) *budget {
	return &budget{limit: rate.NewLimiter(rate.Every(every), 1)}
}

// allow reports whether a statement may be emitted now. If so, the returned
// format and arguments report how many statements were suppressed before it.
func (b *budget) allow(format string, v []any) (string, []any, bool) {
	if !b.limit.Allow() {
		b.dropped.Add(1)
		return "", nil, false
	}
	if n := b.dropped.Swap(0); n > 0 {
		return format + " (%d similar messages suppressed)", append(v[:len(v):len(v)], n), true
	}
	return format, v, true
}

type rateLimitedLogger struct {
	logger Logger
	budget *budget
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if !rl.logger.IsLogging(Debug) {
		return
	}
	if format, v, ok := rl.budget.allow(format, v); ok {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if !rl.logger.IsLogging(Info) {
		return
	}
	if format, v, ok := rl.budget.allow(format, v); ok {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if format, v, ok := rl.budget.allow(format, v); ok {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		budget: newBudget(every),
	}
}

var (
	// budgetsMu protects budgets.
	budgetsMu sync.Mutex

	// budgets maps a subsystem name to its shared budget.
	budgets = make(map[string]*budget)
)

// SubsystemLogger returns a Logger that logs to the global logger on behalf
// of subsystem, tagging every statement with a "subsystem" field.
//
// All loggers of one subsystem share a single budget of one statement per
// every, fixed by the first call for that subsystem. Statements over budget
// are dropped and counted, and the count is appended to the next statement
// that gets through.
func SubsystemLogger(subsystem string, every time.Duration) Logger {
	budgetsMu.Lock()
	b, ok := budgets[subsystem]
	if !ok {
		b = newBudget(every)
		budgets[subsystem] = b
	}
	budgetsMu.Unlock()
	return &rateLimitedLogger{
		logger: fieldLogger{fields: Fields{"subsystem": subsystem}, depth: 1},
		budget: b,
	}
}
