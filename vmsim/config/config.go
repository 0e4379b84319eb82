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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. vmsim uses command line flags and, optionally, a TOML file to
// configure the simulated machine.
package config

import (
	"fmt"
	"reflect"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kmem"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

// Config holds configuration that is not part of a command's own flags.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and, if it may be set from the
//     configuration file, a toml tag.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// File is the TOML file settings were read from, if any.
	File string `flag:"config" toml:"-"`

	// Frames is the number of physical frames of the machine.
	Frames uint32 `flag:"frames" toml:"frames"`

	// ReservedFrames is the number of frames, from frame 0, withheld from
	// the allocator.
	ReservedFrames uint32 `flag:"reserved-frames" toml:"reserved_frames"`

	// MemoryOffset is the physical address of frame 0.
	MemoryOffset uint64 `flag:"memory-offset" toml:"memory_offset"`

	// SwapPolicy is the page replacement policy.
	SwapPolicy string `flag:"swap-policy" toml:"swap_policy"`

	// Swapper is the swap store.
	Swapper string `flag:"swapper" toml:"swapper"`

	// CPUs is the number of simulated CPUs.
	CPUs int `flag:"cpus" toml:"cpus"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Metrics prints all metrics in Prometheus text format when a command
	// completes.
	Metrics bool `flag:"metrics" toml:"metrics"`
}

func (c *Config) validate() error {
	if c.Frames == 0 {
		return fmt.Errorf("--frames must be positive")
	}
	if c.ReservedFrames >= c.Frames {
		return fmt.Errorf("--reserved-frames=%d must be less than --frames=%d", c.ReservedFrames, c.Frames)
	}
	if c.MemoryOffset%hostarch.PageSize != 0 {
		return fmt.Errorf("--memory-offset=%#x is not page aligned", c.MemoryOffset)
	}
	if _, err := swap.NewManager(c.SwapPolicy); err != nil {
		return fmt.Errorf("--swap-policy: %w", err)
	}
	if _, err := swap.NewSwapper(c.Swapper); err != nil {
		return fmt.Errorf("--swapper: %w", err)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("--cpus must be positive, got %d", c.CPUs)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// MemoryOptions returns the options of the machine memory.
func (c *Config) MemoryOptions() kmem.Options {
	return kmem.Options{
		Frames:         c.Frames,
		ReservedFrames: c.ReservedFrames,
		MemoryOffset:   pgalloc.PhysAddr(c.MemoryOffset),
		SwapPolicy:     c.SwapPolicy,
		Swapper:        c.Swapper,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("  %s: %v", name, obj.Field(i).Interface())
	}
}
