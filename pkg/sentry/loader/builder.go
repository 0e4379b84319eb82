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

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Segment describes a loadable segment for BuildELF.
type Segment struct {
	Vaddr hostarch.Addr
	Flags elf.ProgFlag
	Data  []byte

	// Memsz is the size of the segment in memory. If less than len(Data),
	// len(Data) is used.
	Memsz uint64
}

// BuildELF returns a minimal little-endian ELF64 executable with the given
// entry point and one PT_LOAD program header per segment. It has no section
// headers.
func BuildELF(entry hostarch.Addr, segs []Segment) []byte {
	const (
		ehsize    = 64
		phentsize = 56
	)
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     uint64(entry),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	off := uint64(ehsize + phentsize*len(segs))
	for _, s := range segs {
		memsz := s.Memsz
		if memsz < uint64(len(s.Data)) {
			memsz = uint64(len(s.Data))
		}
		binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    off,
			Vaddr:  uint64(s.Vaddr),
			Paddr:  uint64(s.Vaddr),
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  hostarch.PageSize,
		})
		off += uint64(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
