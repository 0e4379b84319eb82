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

// Package bitmap provides a fixed-capacity bitmap over frame indices.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of uint32 values in [0, Size()), stored one bit per value.
//
// Bitmap is not thread-safe.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New creates a new empty Bitmap able to hold values in [0, size).
func New(size uint32) Bitmap {
	return Bitmap{
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return uint32(len(b.bitBlock) * 64)
}

// Count returns the number of ones in the Bitmap.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// Contains returns true if i is in the Bitmap.
func (b *Bitmap) Contains(i uint32) bool {
	blockNum := i / 64
	if int(blockNum) >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&(uint64(1)<<(i%64)) != 0
}

// FirstOne returns the first set bit from the range [start, ). ok is false if
// there is no such bit.
func (b *Bitmap) FirstOne(start uint32) (bit uint32, ok bool) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return 0, false
	}
	w := b.bitBlock[i] & (^uint64(0) << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), true
		}
		i++
		if i == n {
			return 0, false
		}
		w = b.bitBlock[i]
	}
}

// Add adds i to the Bitmap.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	b.checkBounds(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove removes i from the Bitmap.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) {
	b.checkBounds(i)
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// AddRange adds every value in [begin, end) to the Bitmap.
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; {
		// Fill whole blocks at once when aligned.
		if i%64 == 0 && end-i >= 64 {
			blockNum := i / 64
			b.numOnes += uint32(64 - bits.OnesCount64(b.bitBlock[blockNum]))
			b.bitBlock[blockNum] = ^uint64(0)
			i += 64
			continue
		}
		b.Add(i)
		i++
	}
}

// ToSlice transforms the Bitmap into a slice. For example, a bitmap of
// [0, 1, 0, 1] will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, uint32(base+bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}

func (b *Bitmap) checkBounds(i uint32) {
	if int(i/64) >= len(b.bitBlock) {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.Size()))
	}
}
