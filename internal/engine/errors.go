package engine

import "fmt"

// AlreadyLockedError reports a failed acquire with the current holder
// so a caller can decide to wait or move on.
type AlreadyLockedError struct {
	TaskID    int64
	Holder    string
	ExpiresAt string
}

func (e AlreadyLockedError) Error() string {
	return fmt.Sprintf("task %d already locked by %s until %s", e.TaskID, e.Holder, e.ExpiresAt)
}

// NotHolderError reports an ownership-gated operation attempted by an
// agent that does not hold the lock.
type NotHolderError struct {
	TaskID int64
	Agent  string
	Holder string
}

func (e NotHolderError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("task %d is not locked by %s", e.TaskID, e.Agent)
	}
	return fmt.Sprintf("task %d is locked by %s, not %s", e.TaskID, e.Holder, e.Agent)
}

type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

type UnknownStatusError struct {
	Value string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown status %q", e.Value)
}
