// Package directory reads institution data the verifier parametrizes
// steps from: department geofences, embedded classroom photos, and
// enabled verification modes. The verifier never mutates this data.
package directory

import (
	"fmt"
	"time"

	"attendgate/internal/geo"
)

// Mode selects the verification step sequence.
type Mode int

const (
	// ModeFull runs GPS -> classroom presence -> face match.
	ModeFull Mode = 1
	// ModeQR replaces the first two steps with a rotating QR scan.
	ModeQR Mode = 2
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeFull || m == ModeQR
}

// ClassroomPhoto is one reference photo of a department's classroom.
// Only photos staff explicitly embedded take part in face matching.
type ClassroomPhoto struct {
	URL      string `json:"url"`
	Embedded bool   `json:"embedded"`
}

// ModeConfig is a department's schedule for one verification mode.
type ModeConfig struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"start_time"` // "HH:MM", empty = no bound
	EndTime   string `json:"end_time"`
}

// OpenAt reports whether the mode accepts attempts at the given time.
func (c ModeConfig) OpenAt(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.StartTime == "" && c.EndTime == "" {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	if c.StartTime != "" {
		start, err := parseClock(c.StartTime)
		if err != nil || minutes < start {
			return false
		}
	}
	if c.EndTime != "" {
		end, err := parseClock(c.EndTime)
		if err != nil || minutes > end {
			return false
		}
	}
	return true
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	return h*60 + m, nil
}

// Department carries the verification parameters a department owns.
type Department struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Location        *geo.LatLng         `json:"location,omitempty"`
	RadiusMeters    float64             `json:"radius_meters"`
	ClassroomPhotos []ClassroomPhoto    `json:"classroom_photos"`
	Modes           map[Mode]ModeConfig `json:"modes"`
}

// Fence returns the department's geofence, or nil when GPS checking is
// not configured.
func (d *Department) Fence() *geo.Fence {
	if d == nil || d.Location == nil {
		return nil
	}
	return &geo.Fence{Center: *d.Location, RadiusMeters: d.RadiusMeters}
}

// EmbeddedPhotoURLs returns the staff-approved classroom photo set, in
// stored order. The descriptor fingerprint sorts internally.
func (d *Department) EmbeddedPhotoURLs() []string {
	var urls []string
	for _, p := range d.ClassroomPhotos {
		if p.Embedded {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

// ModeOpen reports whether the department accepts the mode right now.
func (d *Department) ModeOpen(m Mode, now time.Time) bool {
	cfg, ok := d.Modes[m]
	if !ok {
		return false
	}
	return cfg.OpenAt(now)
}

// User is the subset of a user record verification needs.
type User struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DepartmentID    string `json:"department_id"`
	ProfilePhotoURL string `json:"profile_photo_url"`
}
