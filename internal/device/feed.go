package device

import (
	"context"
	"sync"
	"time"
)

// Feed adapts externally submitted readings to the device interfaces.
// The HTTP layer pushes positions and frames reported by the client
// into a Feed; verification steps consume them as if they were local
// hardware. One Feed belongs to exactly one verification session.
type Feed struct {
	mu        sync.Mutex
	positions chan Position
	frames    chan Frame
	done      chan struct{}
	closed    bool
	denied    bool
}

// NewFeed creates an input feed with small buffers so a submitter is
// never blocked behind a slow step.
func NewFeed() *Feed {
	return &Feed{
		positions: make(chan Position, 1),
		frames:    make(chan Frame, 4),
		done:      make(chan struct{}),
	}
}

// SubmitPosition delivers a position reading. The latest reading wins
// when the step has not consumed the previous one yet.
func (f *Feed) SubmitPosition(p Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if p.ReadAt.IsZero() {
		p.ReadAt = time.Now()
	}
	select {
	case f.positions <- p:
	default:
		select {
		case <-f.positions:
		default:
		}
		f.positions <- p
	}
}

// SubmitFrame delivers a camera frame. Old frames are dropped when the
// buffer is full; the matcher only ever wants a recent one.
func (f *Feed) SubmitFrame(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if fr.CapturedAt.IsZero() {
		fr.CapturedAt = time.Now()
	}
	select {
	case f.frames <- fr:
	default:
		select {
		case <-f.frames:
		default:
		}
		f.frames <- fr
	}
}

// Deny marks the feed as permission-denied: subsequent device reads
// fail with ErrPermissionDenied. Used when the client reports that the
// browser/OS refused camera or geolocation access.
func (f *Feed) Deny() {
	f.mu.Lock()
	f.denied = true
	f.mu.Unlock()
}

// Close releases the feed. Pending and future reads fail with
// ErrUnavailable or ErrStreamClosed.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

func (f *Feed) state() (closed, denied bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.denied
}

// CurrentPosition implements PositionProvider over submitted readings.
func (f *Feed) CurrentPosition(ctx context.Context) (Position, error) {
	if closed, denied := f.state(); denied {
		return Position{}, ErrPermissionDenied
	} else if closed {
		return Position{}, ErrUnavailable
	}
	select {
	case p := <-f.positions:
		return p, nil
	case <-f.done:
		return Position{}, ErrUnavailable
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Position{}, ErrTimeout
		}
		return Position{}, ctx.Err()
	}
}

// Open implements Camera. The returned stream reads frames submitted
// for this session; facing selection is advisory and echoed back to the
// client through the session status.
func (f *Feed) Open(ctx context.Context, facing Facing) (Stream, error) {
	if closed, denied := f.state(); denied {
		return nil, ErrPermissionDenied
	} else if closed {
		return nil, ErrUnavailable
	}
	return &feedStream{feed: f, done: make(chan struct{})}, nil
}

type feedStream struct {
	feed *Feed
	once sync.Once
	done chan struct{}
}

func (s *feedStream) Frame(ctx context.Context) (Frame, error) {
	select {
	case <-s.done:
		return Frame{}, ErrStreamClosed
	default:
	}
	select {
	case fr := <-s.feed.frames:
		return fr, nil
	case <-s.done:
		return Frame{}, ErrStreamClosed
	case <-s.feed.done:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *feedStream) Stop() {
	s.once.Do(func() { close(s.done) })
}
