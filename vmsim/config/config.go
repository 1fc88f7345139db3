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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. The configuration is set by flags to the command line, and by
// an optional TOML file whose keys are flag names.
package config

import (
	"fmt"
	"reflect"

	"gvisor.dev/lazyvm/pkg/hostarch"
	"gvisor.dev/lazyvm/pkg/log"
	"gvisor.dev/lazyvm/pkg/sentry/arch"
	"gvisor.dev/lazyvm/pkg/sentry/kernel"
	"gvisor.dev/lazyvm/pkg/sentry/mm"
)

// Config holds configuration that is not part of a scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// Frames is the number of physical page frames of the machine.
	Frames int `flag:"frames"`

	// Eviction is the policy used to pick a frame to evict.
	Eviction mm.EvictionPolicy `flag:"eviction"`

	// Swap is the number of pages of in-memory swap. Zero disables swap, and
	// anonymous pages are never evicted.
	Swap int `flag:"swap"`

	// StackTop is the top of the user stack.
	StackTop uint64 `flag:"stack-top"`

	// MaxStack is the maximum size of the stack.
	MaxStack uint64 `flag:"max-stack"`

	// UserMax is the first address above user space.
	UserMax uint64 `flag:"user-max"`

	// MaxPages is the per-process limit on registered pages. Zero means no
	// limit.
	MaxPages uint64 `flag:"max-pages"`

	// MaxFDs is the per-process limit on open descriptors.
	MaxFDs int `flag:"max-fds"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`
}

// validate checks c for values that no machine can run with.
func (c *Config) validate() error {
	switch {
	case c.Frames <= 0:
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	case c.Swap < 0:
		return fmt.Errorf("swap must not be negative, got %d", c.Swap)
	case c.MaxFDs < 0:
		return fmt.Errorf("max-fds must not be negative, got %d", c.MaxFDs)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	return nil
}

// Layout returns the address space layout described by c.
func (c *Config) Layout() arch.Layout {
	return arch.Layout{
		MinAddr:      hostarch.PageSize,
		MaxAddr:      hostarch.Addr(c.UserMax),
		StackTop:     hostarch.Addr(c.StackTop),
		MaxStackSize: c.MaxStack,
		WordSize:     arch.WordSize,
		MaxPages:     c.MaxPages,
	}
}

// KernelArgs returns the arguments of a Kernel configured by c.
func (c *Config) KernelArgs() kernel.InitKernelArgs {
	return kernel.InitKernelArgs{
		Frames:    c.Frames,
		Eviction:  c.Eviction,
		SwapSlots: c.Swap,
		Layout:    c.Layout(),
		MaxFDs:    c.MaxFDs,
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	flagSet := newFlagSet()
	var rv []string
	forEachField(c, func(name string, v reflect.Value) {
		val := fmt.Sprint(v.Interface())
		if f := flagSet.Lookup(name); f != nil && f.DefValue == val {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	})
	return rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	forEachField(c, func(name string, v reflect.Value) {
		log.Infof("\t%s: %v", name, v.Interface())
	})
}

// forEachField calls fn for every field of c tagged with a flag name.
func forEachField(c *Config, fn func(name string, v reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fn(name, obj.Field(i))
		}
	}
}
