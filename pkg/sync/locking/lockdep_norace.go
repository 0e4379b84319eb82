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

//go:build !lockdep
// +build !lockdep

package locking

import (
	"reflect"
)

// MutexClass is a placeholder when lock validation is compiled out.
type MutexClass struct{}

// NewMutexClass allocates a new mutex class.
func NewMutexClass(t reflect.Type, lockNames []string) *MutexClass {
	return nil
}

// AddGLock records a lock to the current goroutine and updates dependencies.
//
//go:inline
func AddGLock(class *MutexClass, subclass int) {}

// DelGLock deletes a lock from the current goroutine.
//
//go:inline
func DelGLock(class *MutexClass, subclass int) {}
