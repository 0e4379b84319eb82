package kmem

import (
	"reflect"

	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type swapMutex struct {
	mu sync.Mutex
}

var swapprefixIndex *locking.MutexClass

// lockNames is a list of user-friendly lock names.
// Populated in init.
var swaplockNames []string

// lockNameIndex is used as an index passed to NestedLock and NestedUnlock,
// referring to an index within lockNames.
// Values are specified using the "consts" field of go_template_instance.
type swaplockNameIndex int

// DO NOT REMOVE: The following function automatically replaced with lock index constants.
// LOCK_NAME_INDEX_CONSTANTS
const ()

// Lock locks m.
// +checklocksignore
func (m *swapMutex) Lock() {
	locking.AddGLock(swapprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *swapMutex) NestedLock(i swaplockNameIndex) {
	locking.AddGLock(swapprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *swapMutex) Unlock() {
	locking.DelGLock(swapprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *swapMutex) NestedUnlock(i swaplockNameIndex) {
	locking.DelGLock(swapprefixIndex, int(i))
	m.mu.Unlock()
}

// DO NOT REMOVE: The following function is automatically replaced.
func swapinitLockNames() {}

func init() {
	swapinitLockNames()
	swapprefixIndex = locking.NewMutexClass(reflect.TypeOf(swapMutex{}), swaplockNames)
}
