package kmem

import (
	"reflect"

	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type cowMutex struct {
	mu sync.Mutex
}

var cowprefixIndex *locking.MutexClass

// lockNames is a list of user-friendly lock names.
// Populated in init.
var cowlockNames []string

// lockNameIndex is used as an index passed to NestedLock and NestedUnlock,
// referring to an index within lockNames.
// Values are specified using the "consts" field of go_template_instance.
type cowlockNameIndex int

// DO NOT REMOVE: The following function automatically replaced with lock index constants.
// LOCK_NAME_INDEX_CONSTANTS
const ()

// Lock locks m.
// +checklocksignore
func (m *cowMutex) Lock() {
	locking.AddGLock(cowprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *cowMutex) NestedLock(i cowlockNameIndex) {
	locking.AddGLock(cowprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *cowMutex) Unlock() {
	locking.DelGLock(cowprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *cowMutex) NestedUnlock(i cowlockNameIndex) {
	locking.DelGLock(cowprefixIndex, int(i))
	m.mu.Unlock()
}

// DO NOT REMOVE: The following function is automatically replaced.
func cowinitLockNames() {}

func init() {
	cowinitLockNames()
	cowprefixIndex = locking.NewMutexClass(reflect.TypeOf(cowMutex{}), cowlockNames)
}
