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
	"reflect"

	"gvisor.dev/lazyvm/pkg/sentry/arch"
	"gvisor.dev/lazyvm/pkg/sentry/kernel"
	"gvisor.dev/lazyvm/pkg/sentry/mm"
)

// configFlag is the flag naming a TOML configuration file. It is not part of
// Config.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path to a TOML file of flag values. Flags set on the command line take precedence.")

	// Machine flags.
	flagSet.Int("frames", 64, "number of physical page frames.")
	flagSet.Var(evictionPolicyPtr(mm.EvictClock), "eviction", "frame eviction policy: clock (default), single-pass.")
	flagSet.Int("swap", 0, "pages of in-memory swap. 0 disables swap; anonymous pages are then never evicted.")
	flagSet.Uint64("stack-top", uint64(arch.DefaultStackTop), "top of the user stack.")
	flagSet.Uint64("max-stack", arch.DefaultMaxStackSize, "maximum size of the user stack.")
	flagSet.Uint64("user-max", uint64(arch.DefaultKernelBase), "first address above user space.")
	flagSet.Uint64("max-pages", 0, "maximum number of pages per process. 0 means no limit.")
	flagSet.Int("max-fds", kernel.DefaultMaxFDs, "maximum number of open descriptors per process.")

	// Debugging flags.
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
}

// newFlagSet returns a flag set holding the default configuration.
func newFlagSet() *flag.FlagSet {
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)
	return flagSet
}

// NewFromFlags creates a new Config with values coming from the given flag
// set. If the config flag names a file, values from the file are applied to
// flags that were not set explicitly first.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if f := flagSet.Lookup(configFlag); f != nil && f.Value.String() != "" {
		if err := LoadFile(flagSet, f.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	var err error
	forEachField(conf, func(name string, v reflect.Value) {
		if err != nil {
			return
		}
		f := flagSet.Lookup(name)
		if f == nil {
			err = fmt.Errorf("flag %q not found", name)
			return
		}
		getter, ok := f.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q cannot be read", name)
			return
		}
		x := reflect.ValueOf(getter.Get())
		if !x.Type().ConvertibleTo(v.Type()) {
			err = fmt.Errorf("flag %q has type %v, want %v", name, x.Type(), v.Type())
			return
		}
		v.Set(x.Convert(v.Type()))
	})
	if err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// evictionPolicy is a flag.Value for mm.EvictionPolicy.
type evictionPolicy mm.EvictionPolicy

func evictionPolicyPtr(p mm.EvictionPolicy) *evictionPolicy {
	e := evictionPolicy(p)
	return &e
}

// Get implements flag.Getter.
func (e *evictionPolicy) Get() any {
	return mm.EvictionPolicy(*e)
}

// Set implements flag.Value.
func (e *evictionPolicy) Set(v string) error {
	p, err := mm.ParseEvictionPolicy(v)
	if err != nil {
		return err
	}
	*e = evictionPolicy(p)
	return nil
}

// String implements flag.Value.
func (e *evictionPolicy) String() string {
	return mm.EvictionPolicy(*e).String()
}
