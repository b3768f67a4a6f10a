package verification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendgate/internal/descriptor"
	"attendgate/internal/device"
	"attendgate/internal/directory"
	"attendgate/internal/facematch"
	"attendgate/internal/presence"
)

// State is the lifecycle of a verification session.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAbandoned State = "abandoned"
)

// Submission is what a completed session hands to attendance recording.
type Submission struct {
	StudentID    string
	DepartmentID string
	Timestamp    time.Time
	Mode         directory.Mode
	Evidence     Evidence
}

// RecordResult is the recording collaborator's acknowledgement.
type RecordResult struct {
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
}

// Recorder writes the attendance record for a completed verification.
type Recorder interface {
	Submit(ctx context.Context, sub Submission) (RecordResult, error)
}

// Config assembles the collaborators one session needs.
type Config struct {
	User       directory.User
	Department *directory.Department
	Mode       directory.Mode

	Feed *device.Feed

	GeoTimeout          time.Duration
	DefaultRadiusMeters float64
	Codes               *presence.CodeService
	QRTokens            *presence.QRTokenService
	Cache               *descriptor.Cache
	Engine              facematch.Engine
	MatchInterval       time.Duration
	MatchThreshold      float64

	Recorder Recorder
	Uploader Uploader
	Metrics  *Metrics
}

// Session is one attendance verification attempt: an ordered list of
// steps executed strictly in sequence. It exclusively owns its device
// feed for its lifetime and releases it on every exit path.
type Session struct {
	ID           string
	UserID       string
	DepartmentID string
	Mode         directory.Mode
	CreatedAt    time.Time

	feed     *device.Feed
	steps    []Step
	recorder Recorder
	metrics  *Metrics

	retryCh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	state     State
	current   int
	statuses  []StepStatus
	outcomes  []Outcome
	feedback  string
	record    *RecordResult
	recordErr string
}

// NewSession builds the step sequence for the requested mode. Steps do
// not start running until Start.
func NewSession(cfg Config) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       cfg.User.ID,
		DepartmentID: cfg.Department.ID,
		Mode:         cfg.Mode,
		CreatedAt:    time.Now().UTC(),
		feed:         cfg.Feed,
		recorder:     cfg.Recorder,
		metrics:      cfg.Metrics,
		retryCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		state:        StatePending,
	}

	face := &faceStep{
		camera: cfg.Feed,
		cache:  cfg.Cache,
		user:   cfg.User,
		newMatcher: func(feedback func(string)) *facematch.Matcher {
			return facematch.New(cfg.Engine, cfg.MatchInterval, cfg.MatchThreshold, feedback)
		},
		feedback: s.setFeedback,
		uploader: cfg.Uploader,
	}

	switch cfg.Mode {
	case directory.ModeQR:
		s.steps = []Step{
			newQRStep(cfg.QRTokens, cfg.Department.ID),
			face,
		}
	default:
		fence := cfg.Department.Fence()
		if fence != nil && fence.RadiusMeters <= 0 && cfg.DefaultRadiusMeters > 0 {
			fence.RadiusMeters = cfg.DefaultRadiusMeters
		}
		s.steps = []Step{
			&geoStep{provider: cfg.Feed, fence: fence, timeout: cfg.GeoTimeout},
			newPresenceStep(cfg.Feed, cfg.Codes, cfg.Department.ID),
			face,
		}
	}

	s.statuses = make([]StepStatus, len(s.steps))
	s.outcomes = make([]Outcome, len(s.steps))
	for i := range s.statuses {
		s.statuses[i] = StatusPending
	}
	return s
}

// Start launches the step sequence.
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// run drives the steps strictly in order: a step only starts after the
// previous one succeeded, a failed step re-enters itself on retry.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for i := range s.steps {
		s.enterStep(i)
		for {
			out := s.steps[i].Run(ctx)
			if ctx.Err() != nil {
				s.teardown(StateAbandoned)
				return
			}
			s.recordOutcome(i, out)
			s.metrics.stepOutcome(s.steps[i].Kind(), out.Status)
			if out.Status == StatusSuccess {
				break
			}
			// Retries are user-initiated and unbounded.
			select {
			case <-s.retryCh:
				s.reenterStep(i)
			case <-ctx.Done():
				s.teardown(StateAbandoned)
				return
			}
		}
	}
	s.complete(ctx)
}

func (s *Session) complete(ctx context.Context) {
	sub := Submission{
		StudentID:    s.UserID,
		DepartmentID: s.DepartmentID,
		Timestamp:    time.Now().UTC(),
		Mode:         s.Mode,
		Evidence:     s.mergedEvidence(),
	}
	res, err := s.recorder.Submit(ctx, sub)

	s.mu.Lock()
	s.state = StateCompleted
	if err != nil {
		s.recordErr = err.Error()
	} else {
		s.record = &res
	}
	s.mu.Unlock()

	s.metrics.sessionCompleted(s.Mode)
	s.feed.Close()
}

// mergedEvidence prefers the captured frame reference; earlier steps
// contribute an approval reason when no frame exists.
func (s *Session) mergedEvidence() Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	var merged Evidence
	for _, out := range s.outcomes {
		if out.Evidence == nil {
			continue
		}
		if out.Evidence.FrameRef != "" {
			merged.FrameRef = out.Evidence.FrameRef
		}
		if out.Evidence.Similarity > merged.Similarity {
			merged.Similarity = out.Evidence.Similarity
		}
		if merged.Reason == "" && out.Evidence.Reason != "" {
			merged.Reason = out.Evidence.Reason
		}
	}
	return merged
}

// teardown releases every device resource. Called on abandonment; the
// happy path releases through complete.
func (s *Session) teardown(final State) {
	for _, step := range s.steps {
		step.Cancel()
	}
	s.feed.Close()
	s.mu.Lock()
	s.state = final
	s.mu.Unlock()
	if final == StateAbandoned {
		s.metrics.sessionAbandoned(s.Mode)
	}
}

// Abandon cancels the session and synchronously stops all device
// streams. No partial record is written.
func (s *Session) Abandon() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, step := range s.steps {
		step.Cancel()
	}
	s.feed.Close()
}

// Done reports session termination for callers that need to wait.
func (s *Session) Done() <-chan struct{} { return s.done }

// Retry re-enters the current failed step.
func (s *Session) Retry() {
	select {
	case s.retryCh <- struct{}{}:
	default:
	}
}

// SubmitPosition feeds a geolocation reading to the GPS step.
func (s *Session) SubmitPosition(p device.Position) {
	s.feed.SubmitPosition(p)
	s.nudgeIfFailed()
}

// SubmitFrame feeds a camera frame to the active step's stream.
func (s *Session) SubmitFrame(f device.Frame) {
	s.feed.SubmitFrame(f)
	s.nudgeIfFailed()
}

// DenyDevice marks the client's camera/geolocation as permission-denied.
func (s *Session) DenyDevice() {
	s.feed.Deny()
}

// ConfirmPresence resolves the classroom camera path.
func (s *Session) ConfirmPresence() {
	if step, ok := s.currentStep().(*presenceStep); ok {
		step.Confirm()
		s.nudgeIfFailed()
	}
}

// SubmitCode resolves the classroom code path.
func (s *Session) SubmitCode(code string) {
	if step, ok := s.currentStep().(*presenceStep); ok {
		step.SubmitCode(code)
		s.nudgeIfFailed()
	}
}

// SubmitQRToken resolves the rotating QR step.
func (s *Session) SubmitQRToken(token string) {
	if step, ok := s.currentStep().(*qrStep); ok {
		step.SubmitToken(token)
		s.nudgeIfFailed()
	}
}

func (s *Session) currentStep() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 || s.current >= len(s.steps) {
		return nil
	}
	return s.steps[s.current]
}

// nudgeIfFailed turns a fresh input into an implicit retry when the
// current step already failed; the step is waiting for it.
func (s *Session) nudgeIfFailed() {
	s.mu.Lock()
	failedNow := s.current < len(s.statuses) && s.statuses[s.current] == StatusFailed
	s.mu.Unlock()
	if failedNow {
		s.Retry()
	}
}

func (s *Session) enterStep(i int) {
	s.mu.Lock()
	s.state = StateActive
	s.current = i
	s.statuses[i] = StatusActive
	s.feedback = ""
	s.mu.Unlock()
}

func (s *Session) reenterStep(i int) {
	s.mu.Lock()
	s.statuses[i] = StatusActive
	s.mu.Unlock()
}

func (s *Session) recordOutcome(i int, out Outcome) {
	s.mu.Lock()
	s.statuses[i] = out.Status
	s.outcomes[i] = out
	s.mu.Unlock()
}

func (s *Session) setFeedback(msg string) {
	s.mu.Lock()
	s.feedback = msg
	s.mu.Unlock()
}

// StepView is one step's externally visible state.
type StepView struct {
	Kind    StepKind   `json:"kind"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	Blocked bool       `json:"blocked,omitempty"`
}

// View is a point-in-time snapshot of the session.
type View struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	DepartmentID string         `json:"department_id"`
	Mode         directory.Mode `json:"mode"`
	State        State          `json:"state"`
	CurrentStep  int            `json:"current_step"`
	Steps        []StepView     `json:"steps"`
	Feedback     string         `json:"feedback,omitempty"`
	Record       *RecordResult  `json:"record,omitempty"`
	RecordError  string         `json:"record_error,omitempty"`
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := View{
		ID:           s.ID,
		UserID:       s.UserID,
		DepartmentID: s.DepartmentID,
		Mode:         s.Mode,
		State:        s.state,
		CurrentStep:  s.current,
		Feedback:     s.feedback,
		Record:       s.record,
		RecordError:  s.recordErr,
	}
	for i, step := range s.steps {
		view.Steps = append(view.Steps, StepView{
			Kind:    step.Kind(),
			Status:  s.statuses[i],
			Message: s.outcomes[i].Message,
			Blocked: s.outcomes[i].Blocked,
		})
	}
	return view
}
