package lock

import (
	"fmt"
	"sync"
)

// MemoryLockManager serves the single-process memory storage driver and tests.
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[int]chan struct{}
}

func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{locks: make(map[int]chan struct{})}
}

func (m *MemoryLockManager) slot(lockID int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[lockID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[lockID] = ch
	}
	return ch
}

func (m *MemoryLockManager) Acquire(lockID int) error {
	m.slot(lockID) <- struct{}{}
	return nil
}

func (m *MemoryLockManager) TryAcquire(lockID int) (bool, error) {
	select {
	case m.slot(lockID) <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (m *MemoryLockManager) Release(lockID int) error {
	select {
	case <-m.slot(lockID):
		return nil
	default:
		return fmt.Errorf("failed to release lock: lock %d is not held", lockID)
	}
}
