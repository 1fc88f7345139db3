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

package config

import (
	"flag"
	"fmt"
	"io"
	"reflect"

	"github.com/BurntSushi/toml"
)

// LoadFile reads the TOML file at path and sets each flag it names, except
// flags already set explicitly in flagSet. Keys are flag names, for example:
//
//	frames = 16
//	eviction = "single-pass"
//	swap = 64
func LoadFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for name, value := range values {
		if name == configFlag || flagSet.Lookup(name) == nil {
			return fmt.Errorf("config file %q: unknown key %q", path, name)
		}
		switch value.(type) {
		case string, bool, int64, float64:
		default:
			return fmt.Errorf("config file %q: key %q has unsupported type %T", path, name, value)
		}
		if set[name] {
			continue
		}
		if err := flagSet.Set(name, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return nil
}

// WriteFile writes every field of c to w as a TOML file that LoadFile
// accepts.
func (c *Config) WriteFile(w io.Writer) error {
	values := make(map[string]any)
	forEachField(c, func(name string, v reflect.Value) {
		switch {
		case v.Type().Implements(reflect.TypeFor[fmt.Stringer]()):
			values[name] = v.Interface().(fmt.Stringer).String()
		case v.CanInt():
			values[name] = v.Int()
		case v.CanUint():
			values[name] = int64(v.Uint())
		default:
			values[name] = v.Interface()
		}
	})
	return toml.NewEncoder(w).Encode(values)
}
