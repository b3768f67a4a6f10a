package verification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"attendgate/internal/descriptor"
	"attendgate/internal/device"
	"attendgate/internal/directory"
	"attendgate/internal/facematch"
	"attendgate/internal/geo"
	"attendgate/internal/presence"
)

// geoStep reads one device position and checks fence containment.
type geoStep struct {
	provider device.PositionProvider
	fence    *geo.Fence
	timeout  time.Duration
}

func (s *geoStep) Kind() StepKind { return StepGeo }

func (s *geoStep) Run(ctx context.Context) Outcome {
	if s.fence == nil {
		out := success("GPS check skipped: no geofence configured for this department")
		out.Evidence = &Evidence{Reason: "geofence not configured"}
		return out
	}

	readCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pos, err := s.provider.CurrentPosition(readCtx)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrPermissionDenied):
			return failed("Location permission denied. Allow location access and retry.")
		case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return failed("Location request timed out. Retry in a spot with better reception.")
		case ctx.Err() != nil:
			return failed("Location check aborted")
		default:
			return failed(fmt.Sprintf("Location unavailable: %v", err))
		}
	}

	res := geo.Verify(geo.LatLng{Lat: pos.Lat, Lng: pos.Lng}, s.fence)
	if !res.Within {
		return failed(fmt.Sprintf("You are %.0f m from the classroom (allowed %.0f m). Move closer and retry.",
			res.DistanceMeters, fenceRadius(s.fence)))
	}
	out := success("Location verified")
	out.Evidence = &Evidence{Reason: fmt.Sprintf("within geofence, %.0f m from center", res.DistanceMeters)}
	return out
}

func (s *geoStep) Cancel() {}

func fenceRadius(f *geo.Fence) float64 {
	if f.RadiusMeters > 0 {
		return f.RadiusMeters
	}
	return geo.DefaultRadiusMeters
}

// presenceStep confirms classroom presence through one of two
// user-selectable paths: an explicit confirmation over a live rear
// camera view, or a staff-issued rotating code.
type presenceStep struct {
	camera       device.Camera
	codes        *presence.CodeService
	departmentID string

	confirmCh chan struct{}
	codeCh    chan string

	mu     sync.Mutex
	stream device.Stream
}

func newPresenceStep(camera device.Camera, codes *presence.CodeService, departmentID string) *presenceStep {
	return &presenceStep{
		camera:       camera,
		codes:        codes,
		departmentID: departmentID,
		confirmCh:    make(chan struct{}, 1),
		codeCh:       make(chan string, 1),
	}
}

func (s *presenceStep) Kind() StepKind { return StepPresence }

func (s *presenceStep) Run(ctx context.Context) Outcome {
	// The camera backs the visual path only; a denied camera still
	// leaves the code path usable.
	stream, err := s.camera.Open(ctx, device.FacingRear)
	if err != nil {
		log.Printf("classroom camera unavailable, code path only: %v", err)
	} else {
		s.setStream(stream)
		defer func() {
			stream.Stop()
			s.setStream(nil)
		}()
	}

	select {
	case <-s.confirmCh:
		out := success("Classroom presence confirmed")
		out.Evidence = &Evidence{Reason: "classroom presence confirmed by user"}
		return out
	case code := <-s.codeCh:
		ok, msg, err := s.codes.Validate(ctx, s.departmentID, code)
		if err != nil {
			return failed(fmt.Sprintf("Could not validate code: %v", err))
		}
		if !ok {
			return failed(msg)
		}
		out := success(msg)
		out.Evidence = &Evidence{Reason: "classroom code accepted"}
		return out
	case <-ctx.Done():
		return failed("Presence check aborted")
	}
}

// Confirm resolves the camera path; requires the step to be running.
func (s *presenceStep) Confirm() {
	select {
	case s.confirmCh <- struct{}{}:
	default:
	}
}

// SubmitCode resolves the code path with the entered 6-digit code.
func (s *presenceStep) SubmitCode(code string) {
	select {
	case s.codeCh <- code:
	default:
	}
}

func (s *presenceStep) setStream(stream device.Stream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *presenceStep) Cancel() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}

// qrStep validates a scanned rotating QR token in place of the GPS and
// classroom steps.
type qrStep struct {
	tokens       *presence.QRTokenService
	departmentID string
	tokenCh      chan string
}

func newQRStep(tokens *presence.QRTokenService, departmentID string) *qrStep {
	return &qrStep{tokens: tokens, departmentID: departmentID, tokenCh: make(chan string, 1)}
}

func (s *qrStep) Kind() StepKind { return StepQR }

func (s *qrStep) Run(ctx context.Context) Outcome {
	select {
	case token := <-s.tokenCh:
		dept, ok, msg, err := s.tokens.Validate(ctx, token)
		if err != nil {
			return failed(fmt.Sprintf("Could not validate QR code: %v", err))
		}
		if !ok {
			return failed(msg)
		}
		if dept != s.departmentID {
			return failed("QR code belongs to another department")
		}
		out := success(msg)
		out.Evidence = &Evidence{Reason: "rotating QR token accepted"}
		return out
	case <-ctx.Done():
		return failed("QR check aborted")
	}
}

// SubmitToken resolves the step with a scanned token.
func (s *qrStep) SubmitToken(token string) {
	select {
	case s.tokenCh <- token:
	default:
	}
}

func (s *qrStep) Cancel() {}

// Uploader stores a verified frame and returns a reference URL.
type Uploader interface {
	Upload(ctx context.Context, frame []byte) (string, error)
}

// faceStep runs the live face match against the user's cached profile
// descriptor.
type faceStep struct {
	camera     device.Camera
	cache      *descriptor.Cache
	user       directory.User
	newMatcher func(feedback func(string)) *facematch.Matcher
	feedback   func(msg string)
	uploader   Uploader

	mu     sync.Mutex
	stream device.Stream
}

func (s *faceStep) Kind() StepKind { return StepFace }

func (s *faceStep) Run(ctx context.Context) Outcome {
	if s.user.ProfilePhotoURL == "" {
		return Outcome{
			Status:  StatusFailed,
			Blocked: true,
			Message: "No profile photo on file. Upload one before verifying.",
		}
	}

	refs, err := s.cache.Fresh(ctx, descriptor.ProfileKey(s.user.ID),
		descriptor.ProfileFingerprint(s.user.ProfilePhotoURL))
	if err != nil {
		if errors.Is(err, descriptor.ErrNotCached) {
			return Outcome{
				Status:  StatusFailed,
				Blocked: true,
				Message: "Face data not ready. Refresh your cached profile descriptor, then start the scan.",
			}
		}
		return failed(fmt.Sprintf("Could not load face reference: %v", err))
	}

	stream, err := s.camera.Open(ctx, device.FacingFront)
	if err != nil {
		if errors.Is(err, device.ErrPermissionDenied) {
			return failed("Camera permission denied. Allow camera access and retry.")
		}
		return failed(fmt.Sprintf("Camera unavailable: %v", err))
	}
	s.setStream(stream)
	defer s.setStream(nil)

	matcher := s.newMatcher(s.feedback)
	res, err := matcher.Run(ctx, stream, descriptor.NewRefIndex(refs))
	if err != nil {
		if ctx.Err() != nil {
			return failed("Face scan aborted")
		}
		return failed(fmt.Sprintf("Face scan failed: %v", err))
	}

	evidence := &Evidence{Similarity: res.Similarity}
	if s.uploader != nil && len(res.Frame) > 0 {
		ref, err := s.uploader.Upload(ctx, res.Frame)
		if err != nil {
			// Evidence upload is best effort; the match already stands.
			log.Printf("evidence upload failed for user %s: %v", s.user.ID, err)
		} else {
			evidence.FrameRef = ref
		}
	}
	return Outcome{Status: StatusSuccess, Message: facematch.MsgVerified, Evidence: evidence}
}

func (s *faceStep) setStream(stream device.Stream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *faceStep) Cancel() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}
