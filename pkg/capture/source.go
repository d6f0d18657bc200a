package capture

import "context"

// Provider acquires the underlying audio source. Acquisition failures
// (permission denied, device missing) are fatal to session start and are
// never retried here.
type Provider interface {
	Acquire(ctx context.Context) (Source, error)
}

// Source is one exclusively-owned audio device handle. It outlives the
// capture instances created over it; swapping instances must not re-acquire
// the device.
type Source interface {
	// NewInstance creates a fresh capture instance over the same handle.
	NewInstance() (Instance, error)
	// Release stops all tracks and frees the handle.
	Release() error
}

// Instance accumulates raw audio fragments from the moment Start returns
// until Stop flushes them. A stopped instance is never restarted.
type Instance interface {
	Start() error
	// Stop flushes every fragment buffered since Start, in capture order.
	Stop() ([][]byte, error)
}
