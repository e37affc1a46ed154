package device

import (
	"math"
	"sync"
)

// AttachCounter counts the consumers of a device. Only the 0->1 and 1->0
// transitions report that physical work is needed.
type AttachCounter struct {
	mu    sync.Mutex
	count uint64
}

// IncreaseAttachCount returns skip=true when the device was already
// attached.
func (a *AttachCounter) IncreaseAttachCount() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.count {
	case 0:
		a.count++

		return false, nil
	case math.MaxUint64:
		return false, errAttachCountOverflow
	}

	a.count++

	return true, nil
}

// DecreaseAttachCount returns skip=true while other consumers remain.
func (a *AttachCounter) DecreaseAttachCount() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.count {
	case 0:
		return false, ErrAttachCountUnderflow
	case 1:
		a.count--

		return false, nil
	}

	a.count--

	return true, nil
}

func (a *AttachCounter) AttachCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.count
}
