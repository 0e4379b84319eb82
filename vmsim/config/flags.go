// Copyright 2024 The gVisor Authors.
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

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file to read settings from. Flags set on the command line take precedence.")

	// Machine flags.
	flagSet.Uint("frames", 64, "number of physical frames.")
	flagSet.Uint("reserved-frames", 0, "number of frames, from frame 0, never handed out by the allocator.")
	flagSet.Uint64("memory-offset", 0x80000000, "physical address of frame 0.")
	flagSet.String("swap-policy", "fifo", "page replacement policy: fifo.")
	flagSet.String("swapper", "mock", "swap store: mock (in memory).")
	flagSet.Int("cpus", 4, "number of simulated CPUs.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("metrics", false, "print metrics in Prometheus text format when the command completes.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set. If --config names a file, its settings replace the flag defaults;
// flags set explicitly override the file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFromFlags(conf, flagSet, func(set func(*flag.Flag)) { flagSet.VisitAll(set) })

	if conf.File != "" {
		if _, err := toml.DecodeFile(conf.File, conf); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.File, err)
		}
		setFromFlags(conf, flagSet, func(set func(*flag.Flag)) { flagSet.Visit(set) })
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the flags visited by visit into the fields of conf
// tagged with their names.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, visit func(func(*flag.Flag))) {
	fields := make(map[string]reflect.Value)
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fields[name] = obj.Field(i)
	}
	visit(func(fl *flag.Flag) {
		field, ok := fields[fl.Name]
		if !ok {
			return
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		field.Set(x.Convert(field.Type()))
	})
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := fmt.Sprint(obj.Field(i).Interface())
		if fl := flagSet.Lookup(name); fl != nil && fl.DefValue == val {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}
