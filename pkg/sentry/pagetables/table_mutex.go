package pagetables

import (
	"reflect"

	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type tableMutex struct {
	mu sync.Mutex
}

var tableprefixIndex *locking.MutexClass

// lockNames is a list of user-friendly lock names.
// Populated in init.
var tablelockNames []string

// lockNameIndex is used as an index passed to NestedLock and NestedUnlock,
// referring to an index within lockNames.
// Values are specified using the "consts" field of go_template_instance.
type tablelockNameIndex int

// DO NOT REMOVE: The following function automatically replaced with lock index constants.
// LOCK_NAME_INDEX_CONSTANTS
const ()

// Lock locks m.
// +checklocksignore
func (m *tableMutex) Lock() {
	locking.AddGLock(tableprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *tableMutex) NestedLock(i tablelockNameIndex) {
	locking.AddGLock(tableprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *tableMutex) Unlock() {
	locking.DelGLock(tableprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *tableMutex) NestedUnlock(i tablelockNameIndex) {
	locking.DelGLock(tableprefixIndex, int(i))
	m.mu.Unlock()
}

// DO NOT REMOVE: The following function is automatically replaced.
func tableinitLockNames() {}

func init() {
	tableinitLockNames()
	tableprefixIndex = locking.NewMutexClass(reflect.TypeOf(tableMutex{}), tablelockNames)
}
