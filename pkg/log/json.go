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
	"encoding/json"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"time"
)

// Fields are structured key/value pairs attached to a log statement, such as
// the process or frame an event concerns.
type Fields map[string]any

// String formats f as space-separated key=value pairs in key order, with a
// leading space.
func (f Fields) String() string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(f)) {
		fmt.Fprintf(&b, " %s=%v", k, f[k])
	}
	return b.String()
}

// FieldEmitter is an Emitter that keeps Fields separate from the message.
// Emitters that do not implement it receive the fields appended to the
// message text.
type FieldEmitter interface {
	Emitter

	// EmitFields is like Emit, with fields attached to the statement.
	EmitFields(depth int, level Level, timestamp time.Time, fields Fields, format string, v ...any)
}

// emitFields sends a statement with fields to e.
func emitFields(e Emitter, depth int, level Level, timestamp time.Time, fields Fields, format string, v ...any) {
	if fe, ok := e.(FieldEmitter); ok {
		fe.EmitFields(depth+1, level, timestamp, fields, format, v...)
		return
	}
	if len(fields) == 0 {
		e.Emit(depth+1, level, timestamp, format, v...)
		return
	}
	e.Emit(depth+1, level, timestamp, "%s%s", fmt.Sprintf(format, v...), fields)
}

// jsonLog is one line of JSON output. The subsystem and process are promoted
// to top-level keys so log collectors can filter on them directly.
type jsonLog struct {
	Msg       string    `json:"msg"`
	Level     Level     `json:"level"`
	Time      time.Time `json:"time"`
	Caller    string    `json:"caller,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Proc      string    `json:"proc,omitempty"`
	Fields    Fields    `json:"fields,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarashalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts both
// level names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	e.EmitFields(depth+1, level, timestamp, nil, format, v...)
}

// EmitFields implements FieldEmitter.EmitFields.
func (e JSONEmitter) EmitFields(depth int, level Level, timestamp time.Time, fields Fields, format string, v ...any) {
	j := jsonLog{
		Msg:   fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	}
	for k, val := range fields {
		switch s, isString := val.(string); {
		case k == "subsystem" && isString:
			j.Subsystem = s
		case k == "proc" && isString:
			j.Proc = s
		default:
			if j.Fields == nil {
				j.Fields = make(Fields, len(fields))
			}
			j.Fields[k] = val
		}
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		file = file[strings.LastIndexByte(file, '/')+1:]
		j.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		// Fields that cannot be marshaled are logged by their string form.
		for k, val := range j.Fields {
			j.Fields[k] = fmt.Sprint(val)
		}
		if b, err = json.Marshal(j); err != nil {
			panic(err)
		}
	}
	e.Writer.Write(b)
}
