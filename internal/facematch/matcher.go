// Package facematch runs the live face matching loop: sample a frame,
// extract a descriptor, compare against the cached reference, repeat
// until the first verified frame.
package facematch

import (
	"context"
	"errors"
	"log"
	"time"

	"attendgate/internal/descriptor"
	"attendgate/internal/device"
	"attendgate/internal/faceclient"
)

// Live feedback shown to the user while the loop runs.
const (
	MsgNoFace   = "No face detected"
	MsgCentered = "Keep your face centered"
	MsgVerified = "Face verified"
)

const (
	// DefaultThreshold is the strict upper bound on match distance.
	DefaultThreshold = 0.55
	// DefaultInterval is the frame sampling period.
	DefaultInterval = 500 * time.Millisecond
)

// ErrNoReference is returned when the matcher is started without a
// resolvable reference descriptor. Callers must block the step and
// direct the user to refresh their cached profile descriptor.
var ErrNoReference = errors.New("no reference descriptor available")

// Engine extracts at most one face descriptor from a captured frame.
type Engine interface {
	DetectFrame(ctx context.Context, frame []byte) (descriptor.Descriptor, bool, error)
}

// FaceEngine adapts the face service client to Engine.
type FaceEngine struct {
	Client *faceclient.Client
}

// DetectFrame runs single-face detection on one frame.
func (e FaceEngine) DetectFrame(ctx context.Context, frame []byte) (descriptor.Descriptor, bool, error) {
	face, err := e.Client.DetectFrame(ctx, frame)
	if err != nil {
		return nil, false, err
	}
	if face == nil {
		return nil, false, nil
	}
	return descriptor.Descriptor(face.Descriptor), true, nil
}

// Result is the outcome of a completed match loop.
type Result struct {
	Verified   bool
	Distance   float64
	Similarity float64
	// Frame is the frame that verified, kept as match evidence.
	Frame []byte
}

// Matcher polls a live camera stream against a reference descriptor
// set. The stream and the polling ticker share one lifetime: both are
// released before Run returns, on every path.
type Matcher struct {
	engine    Engine
	interval  time.Duration
	threshold float64
	feedback  func(msg string)
}

// New creates a matcher. Zero interval/threshold take the defaults;
// feedback may be nil.
func New(engine Engine, interval time.Duration, threshold float64, feedback func(string)) *Matcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{engine: engine, interval: interval, threshold: threshold, feedback: feedback}
}

// Matches reports whether a distance passes the threshold. The bound
// is strict: a distance exactly at the threshold does not verify.
func (m *Matcher) Matches(dist float64) bool {
	return dist < m.threshold
}

// Run polls frames until one verifies or the context ends. The first
// verified frame wins; no majority vote. The stream is stopped before
// returning regardless of outcome.
func (m *Matcher) Run(ctx context.Context, stream device.Stream, refs *descriptor.RefIndex) (Result, error) {
	defer stream.Stop()

	if refs == nil || refs.Len() == 0 {
		return Result{}, ErrNoReference
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		frame, err := stream.Frame(ctx)
		if err != nil {
			return Result{}, err
		}

		probe, found, err := m.engine.DetectFrame(ctx, frame.Data)
		if err != nil {
			// Inference hiccups are transient; keep polling.
			log.Printf("frame detection failed: %v", err)
			m.say(MsgNoFace)
		} else if !found {
			m.say(MsgNoFace)
		} else if dist, ok := refs.NearestDistance(probe); ok && m.Matches(dist) {
			m.say(MsgVerified)
			return Result{
				Verified:   true,
				Distance:   dist,
				Similarity: descriptor.Similarity(dist),
				Frame:      frame.Data,
			}, nil
		} else {
			m.say(MsgCentered)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (m *Matcher) say(msg string) {
	if m.feedback != nil {
		m.feedback(msg)
	}
}
