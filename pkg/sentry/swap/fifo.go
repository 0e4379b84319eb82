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
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

// FIFO evicts pages in the order they became swappable.
type FIFO struct {
	queue []Descriptor
}

// Push implements Manager.Push.
func (m *FIFO) Push(d Descriptor) {
	log.Debugf("swap: push %v", d)
	if m.index(d.Token, d.Addr) >= 0 {
		panic(fmt.Sprintf("swap: %v pushed twice", d))
	}
	m.queue = append(m.queue, d)
}

// Remove implements Manager.Remove.
func (m *FIFO) Remove(token pagetables.Token, addr hostarch.Addr) {
	log.Debugf("swap: remove token %d %v", token, addr)
	i := m.index(token, addr)
	if i < 0 {
		panic(fmt.Sprintf("swap: remove of untracked token %d %v", token, addr))
	}
	m.queue = append(m.queue[:i], m.queue[i+1:]...)
}

// Pop implements Manager.Pop.
func (m *FIFO) Pop() (Descriptor, bool) {
	if len(m.queue) == 0 {
		return Descriptor{}, false
	}
	d := m.queue[0]
	m.queue[0] = Descriptor{}
	m.queue = m.queue[1:]
	return d, true
}

// Tick implements Manager.Tick.
func (*FIFO) Tick() {}

// Len implements Manager.Len.
func (m *FIFO) Len() int {
	return len(m.queue)
}

// Contents returns the tracked pages, oldest first.
func (m *FIFO) Contents() []Descriptor {
	return append([]Descriptor(nil), m.queue...)
}

func (m *FIFO) index(token pagetables.Token, addr hostarch.Addr) int {
	for i, d := range m.queue {
		if d.Token == token && d.Addr == addr {
			return i
		}
	}
	return -1
}
