package device

// SetAttachCount forces the counter for overflow tests.
func SetAttachCount(a *AttachCounter, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count = n
}

func HostPath(sysDev string, cfg GenericConfig) (string, error) {
	return hostPath(sysDev, cfg)
}

var (
	ErrBootDeviceAttached = errBootDeviceAttached
	ErrDuplicateID        = errDuplicateID
	ErrNotBlockDevice     = errNotBlockDevice
)
