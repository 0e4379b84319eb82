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

package swap

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Slot names a page in the backing store.
type Slot uint64

// Swapper is a page backing store. Swappers are not synchronized.
type Swapper interface {
	// SwapOut stores a page and returns the slot holding it.
	SwapOut(data []byte) (Slot, error)

	// SwapUpdate overwrites the page in slot.
	SwapUpdate(slot Slot, data []byte) error

	// SwapIn reads the page in slot into data and frees the slot.
	SwapIn(slot Slot, data []byte) error

	// Read reads the page in slot into data, keeping the slot.
	Read(slot Slot, data []byte) error
}

// NewSwapper returns the swapper of the given kind.
func NewSwapper(kind string) (Swapper, error) {
	switch kind {
	case "mock":
		return NewMockSwapper(), nil
	default:
		return nil, fmt.Errorf("unknown swapper %q", kind)
	}
}

// MockSwapper keeps swapped pages in memory. Freed slots are reused.
type MockSwapper struct {
	pages map[Slot][]byte
	free  []Slot
	next  Slot
}

// NewMockSwapper returns an empty MockSwapper.
func NewMockSwapper() *MockSwapper {
	return &MockSwapper{pages: make(map[Slot][]byte)}
}

func checkPage(data []byte) error {
	if len(data) != hostarch.PageSize {
		return fmt.Errorf("page buffer has %d bytes, want %d", len(data), hostarch.PageSize)
	}
	return nil
}

// SwapOut implements Swapper.SwapOut.
func (s *MockSwapper) SwapOut(data []byte) (Slot, error) {
	if err := checkPage(data); err != nil {
		return 0, err
	}
	var slot Slot
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		slot = s.next
		s.next++
	}
	s.pages[slot] = append([]byte(nil), data...)
	return slot, nil
}

// SwapUpdate implements Swapper.SwapUpdate.
func (s *MockSwapper) SwapUpdate(slot Slot, data []byte) error {
	if err := checkPage(data); err != nil {
		return err
	}
	page, ok := s.pages[slot]
	if !ok {
		return fmt.Errorf("swap slot %d not in use", slot)
	}
	copy(page, data)
	return nil
}

// SwapIn implements Swapper.SwapIn.
func (s *MockSwapper) SwapIn(slot Slot, data []byte) error {
	if err := s.Read(slot, data); err != nil {
		return err
	}
	delete(s.pages, slot)
	s.free = append(s.free, slot)
	return nil
}

// Read implements Swapper.Read.
func (s *MockSwapper) Read(slot Slot, data []byte) error {
	if err := checkPage(data); err != nil {
		return err
	}
	page, ok := s.pages[slot]
	if !ok {
		return fmt.Errorf("swap slot %d not in use", slot)
	}
	copy(data, page)
	return nil
}

// InUse returns the number of occupied slots.
func (s *MockSwapper) InUse() int {
	return len(s.pages)
}
