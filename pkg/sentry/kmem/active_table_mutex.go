package kmem

import (
	"reflect"

	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type activeTableMutex struct {
	mu sync.Mutex
}

var activeTableprefixIndex *locking.MutexClass

// lockNames is a list of user-friendly lock names.
// Populated in init.
var activeTablelockNames []string

// lockNameIndex is used as an index passed to NestedLock and NestedUnlock,
// referring to an index within lockNames.
// Values are specified using the "consts" field of go_template_instance.
type activeTablelockNameIndex int

// DO NOT REMOVE: The following function automatically replaced with lock index constants.
// LOCK_NAME_INDEX_CONSTANTS
const ()

// Lock locks m.
// +checklocksignore
func (m *activeTableMutex) Lock() {
	locking.AddGLock(activeTableprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *activeTableMutex) NestedLock(i activeTablelockNameIndex) {
	locking.AddGLock(activeTableprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *activeTableMutex) Unlock() {
	locking.DelGLock(activeTableprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *activeTableMutex) NestedUnlock(i activeTablelockNameIndex) {
	locking.DelGLock(activeTableprefixIndex, int(i))
	m.mu.Unlock()
}

// DO NOT REMOVE: The following function is automatically replaced.
func activeTableinitLockNames() {}

func init() {
	activeTableinitLockNames()
	activeTableprefixIndex = locking.NewMutexClass(reflect.TypeOf(activeTableMutex{}), activeTablelockNames)
}
