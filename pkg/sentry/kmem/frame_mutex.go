package kmem

import (
	"reflect"

	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type frameMutex struct {
	mu sync.Mutex
}

var frameprefixIndex *locking.MutexClass

// lockNames is a list of user-friendly lock names.
// Populated in init.
var framelockNames []string

// lockNameIndex is used as an index passed to NestedLock and NestedUnlock,
// referring to an index within lockNames.
// Values are specified using the "consts" field of go_template_instance.
type framelockNameIndex int

// DO NOT REMOVE: The following function automatically replaced with lock index constants.
// LOCK_NAME_INDEX_CONSTANTS
const ()

// Lock locks m.
// +checklocksignore
func (m *frameMutex) Lock() {
	locking.AddGLock(frameprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *frameMutex) NestedLock(i framelockNameIndex) {
	locking.AddGLock(frameprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *frameMutex) Unlock() {
	locking.DelGLock(frameprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *frameMutex) NestedUnlock(i framelockNameIndex) {
	locking.DelGLock(frameprefixIndex, int(i))
	m.mu.Unlock()
}

// DO NOT REMOVE: The following function is automatically replaced.
func frameinitLockNames() {}

func init() {
	frameinitLockNames()
	frameprefixIndex = locking.NewMutexClass(reflect.TypeOf(frameMutex{}), framelockNames)
}
