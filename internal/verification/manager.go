package verification

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"attendgate/internal/descriptor"
	"attendgate/internal/device"
	"attendgate/internal/directory"
	"attendgate/internal/facematch"
	"attendgate/internal/presence"
)

// ErrModeClosed is returned when the department does not accept the
// requested mode right now.
var ErrModeClosed = errors.New("verification mode not open")

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Deps are the collaborators shared by every session.
type Deps struct {
	GeoTimeout time.Duration
	// DefaultRadiusMeters applies to departments whose fence has no
	// radius configured; zero falls back to the geo package default.
	DefaultRadiusMeters float64
	Codes               *presence.CodeService
	QRTokens            *presence.QRTokenService
	Cache               *descriptor.Cache
	Engine              facematch.Engine
	MatchInterval       time.Duration
	MatchThreshold      float64
	Recorder            Recorder
	Uploader            Uploader
	Metrics             *Metrics
}

// Manager creates and tracks live sessions. Sessions are ephemeral:
// one per attendance attempt, removed on abandon and kept only for
// status reads after completion.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

// Create validates the request, builds the step sequence for the mode,
// and starts the session.
func (m *Manager) Create(user directory.User, dept *directory.Department, mode directory.Mode) (*Session, error) {
	if dept == nil {
		return nil, errors.New("department required")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown verification mode %d", mode)
	}
	if !dept.ModeOpen(mode, time.Now()) {
		return nil, ErrModeClosed
	}

	session := NewSession(Config{
		User:                user,
		Department:          dept,
		Mode:                mode,
		Feed:                device.NewFeed(),
		GeoTimeout:          m.deps.GeoTimeout,
		DefaultRadiusMeters: m.deps.DefaultRadiusMeters,
		Codes:               m.deps.Codes,
		QRTokens:            m.deps.QRTokens,
		Cache:               m.deps.Cache,
		Engine:              m.deps.Engine,
		MatchInterval:       m.deps.MatchInterval,
		MatchThreshold:      m.deps.MatchThreshold,
		Recorder:            m.deps.Recorder,
		Uploader:            m.deps.Uploader,
		Metrics:             m.deps.Metrics,
	})

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	session.Start()
	return session, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Abandon tears a session down and forgets it.
func (m *Manager) Abandon(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Abandon()
	return nil
}
