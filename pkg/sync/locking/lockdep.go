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
	"bytes"
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// MutexClass describes dependencies of a specific class.
type MutexClass struct {
	// name is the class name, used in validator reports.
	name string

	// lockNames are the names of nested subclasses, indexed by subclass.
	lockNames []string

	// mu protects ancestors.
	mu sync.Mutex

	// ancestors are locks that are locked before the current class.
	ancestors map[*MutexClass]string
}

type heldLock struct {
	class    *MutexClass
	subclass int
}

var (
	// heldMu protects held.
	heldMu sync.Mutex

	// held maps goroutine ids to the locks they currently hold, in
	// acquisition order.
	held = make(map[int64][]heldLock)
)

// NewMutexClass allocates a new mutex class.
func NewMutexClass(t reflect.Type, lockNames []string) *MutexClass {
	return &MutexClass{
		name:      t.String(),
		lockNames: lockNames,
		ancestors: make(map[*MutexClass]string),
	}
}

// goid returns the current goroutine id, parsed from the stack header
// "goroutine N [running]:".
func goid() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("unable to parse goroutine id: %v", err))
	}
	return id
}

// AddGLock records a lock to the current goroutine and updates dependencies.
//
// A subclass >= 0 marks a nested acquisition of a class that is already
// held; nested acquisitions of the same class do not trigger the same-class
// check.
func AddGLock(class *MutexClass, subclass int) {
	id := goid()

	heldMu.Lock()
	defer heldMu.Unlock()
	locks := held[id]
	for _, l := range locks {
		if l.class == class {
			if subclass < 0 || l.subclass == subclass {
				panic(fmt.Sprintf("lock %s is already locked by this goroutine\nheld: %s", class.name, describe(locks)))
			}
			continue
		}
		l.class.mu.Lock()
		_, reversed := l.class.ancestors[class]
		l.class.mu.Unlock()
		if reversed {
			panic(fmt.Sprintf("lock order violation: %s is taken while holding %s, but was previously taken before it\nheld: %s", class.name, l.class.name, describe(locks)))
		}
	}
	for _, l := range locks {
		if l.class == class {
			continue
		}
		class.mu.Lock()
		if _, ok := class.ancestors[l.class]; !ok {
			class.ancestors[l.class] = l.class.name
			// Ancestors are transitive.
			l.class.mu.Lock()
			for a, name := range l.class.ancestors {
				class.ancestors[a] = name
			}
			l.class.mu.Unlock()
		}
		class.mu.Unlock()
	}
	held[id] = append(locks, heldLock{class: class, subclass: subclass})
}

// DelGLock deletes a lock from the current goroutine.
func DelGLock(class *MutexClass, subclass int) {
	id := goid()

	heldMu.Lock()
	defer heldMu.Unlock()
	locks := held[id]
	for i := len(locks) - 1; i >= 0; i-- {
		if locks[i].class == class && locks[i].subclass == subclass {
			locks = append(locks[:i], locks[i+1:]...)
			if len(locks) == 0 {
				delete(held, id)
			} else {
				held[id] = locks
			}
			return
		}
	}
	panic(fmt.Sprintf("lock %s is not held by this goroutine", class.name))
}

func describe(locks []heldLock) string {
	names := make([]string, 0, len(locks))
	for _, l := range locks {
		names = append(names, l.class.name)
	}
	return strings.Join(names, " -> ")
}
