package capture

import (
	"context"
	"errors"
)

// Capture failure taxonomy. Sources map platform faults onto these so the
// session layer never sees backend-specific errors.
var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrAlreadyAcquired   = errors.New("capture already acquired")
)

// Source is the platform audio-capture capability. Open starts delivering
// 16-bit little-endian PCM frames on the returned channel; the channel is
// closed when the source ends or ctx is cancelled. Close is idempotent.
type Source interface {
	Open(ctx context.Context) (<-chan []byte, error)
	Close()
}
