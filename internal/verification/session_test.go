package verification

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"attendgate/internal/descriptor"
	"attendgate/internal/device"
	"attendgate/internal/directory"
	"attendgate/internal/geo"
	"attendgate/internal/presence"
)

// offsetNorth returns a point roughly meters north of p.
func offsetNorth(p geo.LatLng, meters float64) geo.LatLng {
	return geo.LatLng{Lat: p.Lat + meters/6371000.0*180/math.Pi, Lng: p.Lng}
}

func refDescriptor() descriptor.Descriptor {
	d := make(descriptor.Descriptor, descriptor.Length)
	d[0] = 1
	return d
}

// probeAt returns a descriptor at the given Euclidean distance from
// refDescriptor.
func probeAt(distance float64) descriptor.Descriptor {
	d := make(descriptor.Descriptor, descriptor.Length)
	d[0] = float32(1 - distance)
	return d
}

// fixedEngine always detects the same probe.
type fixedEngine struct {
	probe descriptor.Descriptor
}

func (e *fixedEngine) DetectFrame(_ context.Context, _ []byte) (descriptor.Descriptor, bool, error) {
	return e.probe, true, nil
}

// captureRecorder remembers the submission it received.
type captureRecorder struct {
	mu  sync.Mutex
	sub *Submission
}

func (r *captureRecorder) Submit(_ context.Context, sub Submission) (RecordResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub = &sub
	return RecordResult{Status: "recorded", Confidence: sub.Evidence.Similarity}, nil
}

func (r *captureRecorder) submission() *Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

type fixture struct {
	manager  *Manager
	recorder *captureRecorder
	codes    *presence.CodeService
	codeSt   *presence.MemoryCodeStore
	qr       *presence.QRTokenService
	cache    *descriptor.Cache
	dept     *directory.Department
	user     directory.User
}

type stubExtractor struct {
	faces map[string][]descriptor.Descriptor
}

func (s *stubExtractor) Extract(_ context.Context, url string) ([]descriptor.Descriptor, error) {
	return s.faces[url], nil
}

func newFixture(t *testing.T, probe descriptor.Descriptor) *fixture {
	t.Helper()
	center := geo.LatLng{Lat: 12.34, Lng: 56.78}
	dept := &directory.Department{
		ID:           "d1",
		Name:         "Computer Science",
		Location:     &center,
		RadiusMeters: 50,
		Modes: map[directory.Mode]directory.ModeConfig{
			directory.ModeFull: {Enabled: true},
			directory.ModeQR:   {Enabled: true},
		},
	}
	user := directory.User{ID: "u1", Name: "Ada", DepartmentID: "d1", ProfilePhotoURL: "profile-photo"}

	cache := descriptor.NewCache(descriptor.NewMemoryStore(),
		&stubExtractor{faces: map[string][]descriptor.Descriptor{"profile-photo": {refDescriptor()}}})
	if err := cache.UpdateProfile(context.Background(), user.ID, user.ProfilePhotoURL); err != nil {
		t.Fatal(err)
	}

	codeStore := presence.NewMemoryCodeStore()
	codes := presence.NewCodeService(codeStore, presence.DefaultCodeTTL)
	qr := presence.NewQRTokenService(codeStore, "test-key", "attendgate-test", presence.DefaultQRTokenTTL)
	recorder := &captureRecorder{}

	manager := NewManager(Deps{
		GeoTimeout:     2 * time.Second,
		Codes:          codes,
		QRTokens:       qr,
		Cache:          cache,
		Engine:         &fixedEngine{probe: probe},
		MatchInterval:  time.Millisecond,
		MatchThreshold: 0.55,
		Recorder:       recorder,
	})
	return &fixture{
		manager:  manager,
		recorder: recorder,
		codes:    codes,
		codeSt:   codeStore,
		qr:       qr,
		cache:    cache,
		dept:     dept,
		user:     user,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStep(t *testing.T, s *Session, idx int, status StepStatus) {
	t.Helper()
	waitFor(t, string(status), func() bool {
		v := s.Snapshot()
		return idx < len(v.Steps) && v.Steps[idx].Status == status
	})
}

func TestModeFullEndToEnd(t *testing.T) {
	fx := newFixture(t, probeAt(0.20)) // similarity 0.80
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	v := s.Snapshot()
	if len(v.Steps) != 3 || v.Steps[0].Kind != StepGeo || v.Steps[1].Kind != StepPresence || v.Steps[2].Kind != StepFace {
		t.Fatalf("unexpected step sequence %+v", v.Steps)
	}

	// 30 m from a 50 m fence: GPS passes.
	pos := offsetNorth(*fx.dept.Location, 30)
	s.SubmitPosition(device.Position{Lat: pos.Lat, Lng: pos.Lng})
	waitForStep(t, s, 0, StatusSuccess)
	waitForStep(t, s, 1, StatusActive)

	s.ConfirmPresence()
	waitForStep(t, s, 1, StatusSuccess)
	waitForStep(t, s, 2, StatusActive)

	s.SubmitFrame(device.Frame{Data: []byte("frame")})
	waitFor(t, "completed", func() bool { return s.Snapshot().State == StateCompleted })

	sub := fx.recorder.submission()
	if sub == nil {
		t.Fatal("no attendance submission recorded")
	}
	if sub.StudentID != "u1" || sub.DepartmentID != "d1" || sub.Mode != directory.ModeFull {
		t.Errorf("unexpected submission %+v", sub)
	}
	if math.Abs(sub.Evidence.Similarity-0.80) > 1e-6 {
		t.Errorf("expected similarity 0.80, got %f", sub.Evidence.Similarity)
	}
	if v := s.Snapshot(); v.Record == nil || v.Record.Status != "recorded" {
		t.Errorf("expected record acknowledgement, got %+v", v.Record)
	}
}

func TestModeQREndToEnd(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeQR)
	if err != nil {
		t.Fatal(err)
	}

	v := s.Snapshot()
	if len(v.Steps) != 2 || v.Steps[0].Kind != StepQR || v.Steps[1].Kind != StepFace {
		t.Fatalf("unexpected step sequence %+v", v.Steps)
	}

	token, _, err := fx.qr.Issue(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	s.SubmitQRToken(token)
	waitForStep(t, s, 0, StatusSuccess)
	waitForStep(t, s, 1, StatusActive)

	s.SubmitFrame(device.Frame{Data: []byte("frame")})
	waitFor(t, "completed", func() bool { return s.Snapshot().State == StateCompleted })

	if sub := fx.recorder.submission(); sub == nil || sub.Mode != directory.ModeQR {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestFailedStepNeverAdvances(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatal(err)
	}

	// 80 m from a 50 m fence: GPS fails.
	far := offsetNorth(*fx.dept.Location, 80)
	s.SubmitPosition(device.Position{Lat: far.Lat, Lng: far.Lng})
	waitForStep(t, s, 0, StatusFailed)

	v := s.Snapshot()
	if v.Steps[1].Status != StatusPending {
		t.Errorf("a failed step must not advance; presence step is %s", v.Steps[1].Status)
	}
	if !strings.Contains(v.Steps[0].Message, "80") {
		t.Errorf("failure message should name the distance, got %q", v.Steps[0].Message)
	}

	// Retry from the same step with a good position.
	near := offsetNorth(*fx.dept.Location, 30)
	s.SubmitPosition(device.Position{Lat: near.Lat, Lng: near.Lng})
	waitForStep(t, s, 0, StatusSuccess)
	waitForStep(t, s, 1, StatusActive)
	s.Abandon()
}

func TestExpiredCodeFailsAndCameraPathRecovers(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatal(err)
	}

	pos := offsetNorth(*fx.dept.Location, 10)
	s.SubmitPosition(device.Position{Lat: pos.Lat, Lng: pos.Lng})
	waitForStep(t, s, 1, StatusActive)

	// Staff issued a code whose window has already passed.
	stale := presence.Code{
		DepartmentID: "d1",
		Value:        "123456",
		IssuedAt:     time.Now().UTC().Add(-5 * time.Minute),
		ExpiresAt:    time.Now().UTC().Add(-3 * time.Minute),
	}
	if err := fx.codeSt.SetActive(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	s.SubmitCode("123456")
	waitForStep(t, s, 1, StatusFailed)

	v := s.Snapshot()
	if v.Steps[1].Message != presence.MsgCodeExpired {
		t.Errorf("expected expiry message, got %q", v.Steps[1].Message)
	}
	if v.Steps[2].Status != StatusPending {
		t.Error("face step must not start after a failed code")
	}

	// Switching to the camera path recovers the step.
	s.ConfirmPresence()
	waitForStep(t, s, 1, StatusSuccess)
	s.Abandon()
}

func TestWrongCodeThenValidCode(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatal(err)
	}

	pos := offsetNorth(*fx.dept.Location, 10)
	s.SubmitPosition(device.Position{Lat: pos.Lat, Lng: pos.Lng})
	waitForStep(t, s, 1, StatusActive)

	code, err := fx.codes.Issue(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	wrong := "000000"
	if wrong == code.Value {
		wrong = "000001"
	}
	s.SubmitCode(wrong)
	waitForStep(t, s, 1, StatusFailed)

	s.SubmitCode(code.Value)
	waitForStep(t, s, 1, StatusSuccess)
	s.Abandon()
}

func TestFaceStepBlockedWithoutCachedDescriptor(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	// Invalidate the cached profile descriptor.
	if err := fx.cache.UpdateProfile(context.Background(), fx.user.ID, ""); err != nil {
		t.Fatal(err)
	}

	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeQR)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := fx.qr.Issue(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	s.SubmitQRToken(token)
	waitForStep(t, s, 1, StatusFailed)

	v := s.Snapshot()
	if !v.Steps[1].Blocked {
		t.Error("missing reference descriptor should block, not merely fail")
	}
	if fx.recorder.submission() != nil {
		t.Error("no record may be written for a blocked session")
	}
	s.Abandon()
}

func TestMatchAtThresholdDoesNotVerify(t *testing.T) {
	fx := newFixture(t, probeAt(0.55)) // distance exactly at the threshold
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeQR)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := fx.qr.Issue(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	s.SubmitQRToken(token)
	waitForStep(t, s, 1, StatusActive)

	s.SubmitFrame(device.Frame{Data: []byte("frame")})
	// Give the matcher a few polling cycles; it must keep running.
	time.Sleep(20 * time.Millisecond)
	if v := s.Snapshot(); v.State == StateCompleted {
		t.Error("distance equal to the threshold must not verify")
	}
	s.Abandon()
}

func TestAbandonTearsDown(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatal(err)
	}

	if err := fx.manager.Abandon(s.ID); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate after abandon")
	}
	if state := s.Snapshot().State; state != StateAbandoned {
		t.Errorf("expected abandoned state, got %s", state)
	}
	if fx.recorder.submission() != nil {
		t.Error("abandoned session must not write a record")
	}
	if _, err := fx.manager.Get(s.ID); err != ErrSessionNotFound {
		t.Errorf("abandoned session should be forgotten, got %v", err)
	}
}

func TestCreateRejectsClosedMode(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	fx.dept.Modes[directory.ModeQR] = directory.ModeConfig{Enabled: false}
	if _, err := fx.manager.Create(fx.user, fx.dept, directory.ModeQR); err != ErrModeClosed {
		t.Errorf("expected ErrModeClosed, got %v", err)
	}
}

func TestCreateRejectsUnknownMode(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	if _, err := fx.manager.Create(fx.user, fx.dept, directory.Mode(7)); err == nil {
		t.Error("unknown mode must be rejected")
	}
}

func TestConfiguredDefaultRadiusApplies(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	fx.dept.RadiusMeters = 0 // no per-department radius configured

	manager := NewManager(Deps{
		GeoTimeout:          2 * time.Second,
		DefaultRadiusMeters: 50,
		Codes:               fx.codes,
		QRTokens:            fx.qr,
		Cache:               fx.cache,
		Engine:              &fixedEngine{probe: probeAt(0.20)},
		MatchInterval:       time.Millisecond,
		MatchThreshold:      0.55,
		Recorder:            fx.recorder,
	})
	s, err := manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatal(err)
	}

	// 80 m: inside the package fallback of 100 m, but outside the
	// configured 50 m default.
	far := offsetNorth(*fx.dept.Location, 80)
	s.SubmitPosition(device.Position{Lat: far.Lat, Lng: far.Lng})
	waitForStep(t, s, 0, StatusFailed)

	near := offsetNorth(*fx.dept.Location, 30)
	s.SubmitPosition(device.Position{Lat: near.Lat, Lng: near.Lng})
	waitForStep(t, s, 0, StatusSuccess)
	s.Abandon()
}

func TestSkippedGeoWhenNoFence(t *testing.T) {
	fx := newFixture(t, probeAt(0.20))
	fx.dept.Location = nil

	s, err := fx.manager.Create(fx.user, fx.dept, directory.ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	// No position submitted: the step auto-passes with a notice.
	waitForStep(t, s, 0, StatusSuccess)
	v := s.Snapshot()
	if !strings.Contains(v.Steps[0].Message, "skipped") {
		t.Errorf("expected a skip notice, got %q", v.Steps[0].Message)
	}
	s.Abandon()
}
