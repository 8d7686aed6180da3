package lock

// DistributedLockManager coordinates processes that share one database.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held.
	Acquire(lockID int) error
	// TryAcquire takes the lock only if it is free and reports whether it did.
	TryAcquire(lockID int) (bool, error)
	Release(lockID int) error
}
