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

// Package loader builds process images from ELF executables.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

// segment is a PT_LOAD segment of an executable.
type segment struct {
	ar   hostarch.AddrRange
	attr pagetables.Attr

	// data is the file contents of the segment. Bytes past len(data) up to
	// the end of ar are zero.
	data []byte
}

// elfInfo is the parsed subset of an executable needed to load it.
type elfInfo struct {
	entry    hostarch.Addr
	segments []segment
}

// attrFromFlags returns the memory attribute of a segment with ELF
// permissions flags.
func attrFromFlags(flags elf.ProgFlag) pagetables.Attr {
	return pagetables.Attr{
		User:     true,
		ReadOnly: flags&elf.PF_W == 0,
		Execute:  flags&elf.PF_X != 0,
	}
}

// parseHeader parses data as an ELF executable and validates its loadable
// segments.
//
// Segments must not overlap or share a page, since each becomes its own
// region.
func parseHeader(data []byte) (elfInfo, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		log.Infof("Unable to parse ELF header: %v", err)
		return elfInfo{}, fmt.Errorf("%w: %v", unix.ENOEXEC, err)
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC {
		log.Infof("ELF type %v is not executable", f.Type)
		return elfInfo{}, fmt.Errorf("%w: ELF type %v", unix.ENOEXEC, f.Type)
	}

	info := elfInfo{entry: hostarch.Addr(f.Entry)}
	var prevEnd hostarch.Addr
	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD || phdr.Memsz == 0 {
			continue
		}
		if phdr.Filesz > phdr.Memsz {
			log.Warningf("PT_LOAD segment filesz %#x > memsz %#x", phdr.Filesz, phdr.Memsz)
			return elfInfo{}, unix.ENOEXEC
		}
		start := hostarch.Addr(phdr.Vaddr)
		end, ok := start.AddLength(phdr.Memsz)
		if !ok {
			log.Warningf("PT_LOAD segment size overflows: %#x + %#x", start, phdr.Memsz)
			return elfInfo{}, unix.ENOEXEC
		}
		if _, ok := end.RoundUp(); !ok {
			log.Warningf("PT_LOAD segment end %#x overflows on rounding", end)
			return elfInfo{}, unix.ENOEXEC
		}
		if len(info.segments) > 0 && start.RoundDown() < prevEnd.MustRoundUp() {
			log.Warningf("PT_LOAD segment at %#x overlaps or shares a page with the previous one", start)
			return elfInfo{}, unix.ENOEXEC
		}

		data := make([]byte, phdr.Filesz)
		if _, err := io.ReadFull(phdr.Open(), data); err != nil {
			log.Warningf("PT_LOAD segment at %#x extends beyond end of file: %v", start, err)
			return elfInfo{}, fmt.Errorf("%w: %v", unix.ENOEXEC, err)
		}
		info.segments = append(info.segments, segment{
			ar:   hostarch.AddrRange{Start: start, End: end},
			attr: attrFromFlags(phdr.Flags),
			data: data,
		})
		prevEnd = end
	}
	if len(info.segments) == 0 {
		log.Infof("ELF has no loadable segments")
		return elfInfo{}, fmt.Errorf("%w: no loadable segments", unix.ENOEXEC)
	}
	return info, nil
}
