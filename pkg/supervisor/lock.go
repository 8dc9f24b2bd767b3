package supervisor

import (
	"sync/atomic"

	"github.com/forgewarden/warden/pkg/errcode"
)

// CodeLockViolation is returned when the execution lock is contended.
const CodeLockViolation = "execution.lock.violation"

// ExecLock is the process-wide execution lock. Acquisition is
// non-blocking exclusive: contention is an error, never a wait.
type ExecLock struct {
	held atomic.Bool
}

// Acquire takes the lock or fails with execution.lock.violation.
func (l *ExecLock) Acquire() error {
	if !l.held.CompareAndSwap(false, true) {
		return errcode.New(CodeLockViolation)
	}
	return nil
}

// Release frees the lock for the next dispatch.
func (l *ExecLock) Release() {
	l.held.Store(false)
}
