package kernel

import (
	"reflect"

	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type kernelMutex struct {
	mu sync.Mutex
}

var kernelprefixIndex *locking.MutexClass

// lockNames is a list of user-friendly lock names.
// Populated in init.
var kernellockNames []string

// lockNameIndex is used as an index passed to NestedLock and NestedUnlock,
// referring to an index within lockNames.
// Values are specified using the "consts" field of go_template_instance.
type kernellockNameIndex int

// DO NOT REMOVE: The following function automatically replaced with lock index constants.
// LOCK_NAME_INDEX_CONSTANTS
const ()

// Lock locks m.
// +checklocksignore
func (m *kernelMutex) Lock() {
	locking.AddGLock(kernelprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *kernelMutex) NestedLock(i kernellockNameIndex) {
	locking.AddGLock(kernelprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *kernelMutex) Unlock() {
	locking.DelGLock(kernelprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *kernelMutex) NestedUnlock(i kernellockNameIndex) {
	locking.DelGLock(kernelprefixIndex, int(i))
	m.mu.Unlock()
}

// DO NOT REMOVE: The following function is automatically replaced.
func kernelinitLockNames() {}

func init() {
	kernelinitLockNames()
	kernelprefixIndex = locking.NewMutexClass(reflect.TypeOf(kernelMutex{}), kernellockNames)
}
