package device

import (
	"context"
	"errors"
	"time"
)

// Device failures fall into two buckets: permission denials, which are
// terminal for the current attempt, and timeouts/unavailability, which
// the user may retry.
var (
	ErrPermissionDenied = errors.New("device permission denied")
	ErrTimeout          = errors.New("device request timed out")
	ErrUnavailable      = errors.New("device unavailable")
	ErrStreamClosed     = errors.New("stream closed")
)

// Position is a one-shot geolocation reading.
type Position struct {
	Lat            float64
	Lng            float64
	AccuracyMeters float64
	ReadAt         time.Time
}

// PositionProvider yields the device's current position. Implementations
// perform a single high-accuracy read; there is no continuous tracking.
type PositionProvider interface {
	CurrentPosition(ctx context.Context) (Position, error)
}

// Facing selects which camera a step opens.
type Facing int

const (
	FacingFront Facing = iota // user-facing, for face matching
	FacingRear                // environment-facing, for classroom/QR
)

func (f Facing) String() string {
	if f == FacingRear {
		return "rear"
	}
	return "front"
}

// Frame is a single captured camera frame, JPEG-encoded.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Stream is a live camera stream. Stop must release the underlying
// tracks; it is safe to call more than once.
type Stream interface {
	// Frame blocks until a frame is available or the context ends.
	// Returns ErrStreamClosed after Stop.
	Frame(ctx context.Context) (Frame, error)
	Stop()
}

// Camera opens a stream with the requested facing mode.
type Camera interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}
