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

//go:build lockdep
// +build lockdep

package locking

import (
	"reflect"
	"sync"
	"testing"
)

type testMutex struct {
	mu    sync.Mutex
	class *MutexClass
}

func newTestMutex(class *MutexClass) *testMutex {
	return &testMutex{class: class}
}

func (m *testMutex) Lock() {
	AddGLock(m.class, -1)
	m.mu.Lock()
}

func (m *testMutex) Unlock() {
	DelGLock(m.class, -1)
	m.mu.Unlock()
}

type activeClass struct{}
type swapClass struct{}
type frameClass struct{}

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Logf("%s", r)
			return
		}
		t.Errorf("%s hasn't been detected", what)
	}()
	fn()
}

func TestReverse(t *testing.T) {
	active := newTestMutex(NewMutexClass(reflect.TypeOf(activeClass{}), nil))
	swap := newTestMutex(NewMutexClass(reflect.TypeOf(swapClass{}), nil))

	active.Lock()
	swap.Lock()
	swap.Unlock()
	active.Unlock()

	expectPanic(t, "The reverse lock order", func() {
		swap.Lock()
		defer swap.Unlock()
		active.Lock()
		active.Unlock()
	})
}

func TestIndirect(t *testing.T) {
	active := newTestMutex(NewMutexClass(reflect.TypeOf(activeClass{}), nil))
	swap := newTestMutex(NewMutexClass(reflect.TypeOf(swapClass{}), nil))
	frames := newTestMutex(NewMutexClass(reflect.TypeOf(frameClass{}), nil))

	active.Lock()
	swap.Lock()
	swap.Unlock()
	active.Unlock()
	swap.Lock()
	frames.Lock()
	frames.Unlock()
	swap.Unlock()

	expectPanic(t, "The transitive reverse lock order", func() {
		frames.Lock()
		defer frames.Unlock()
		active.Lock()
		active.Unlock()
	})
}

func TestSame(t *testing.T) {
	active := newTestMutex(NewMutexClass(reflect.TypeOf(activeClass{}), nil))
	expectPanic(t, "Double locking of one class", func() {
		AddGLock(active.class, -1)
		defer DelGLock(active.class, -1)
		AddGLock(active.class, -1)
	})
}
