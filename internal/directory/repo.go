package directory

import (
	"context"
	"database/sql"
	"errors"

	"attendgate/internal/geo"
)

// Repository reads directory data from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetDepartment loads one department with its classroom photos and
// mode schedule. Returns nil when the department does not exist.
func (r *Repository) GetDepartment(ctx context.Context, id string) (*Department, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, location_lat, location_lng, radius_meters
		FROM departments WHERE id = $1
	`, id)
	var (
		dept     Department
		lat, lng sql.NullFloat64
		radius   sql.NullFloat64
	)
	if err := row.Scan(&dept.ID, &dept.Name, &lat, &lng, &radius); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat.Valid && lng.Valid {
		dept.Location = &geo.LatLng{Lat: lat.Float64, Lng: lng.Float64}
	}
	if radius.Valid {
		dept.RadiusMeters = radius.Float64
	}

	photos, err := r.classroomPhotos(ctx, id)
	if err != nil {
		return nil, err
	}
	dept.ClassroomPhotos = photos

	modes, err := r.modeConfigs(ctx, id)
	if err != nil {
		return nil, err
	}
	dept.Modes = modes
	return &dept, nil
}

func (r *Repository) classroomPhotos(ctx context.Context, departmentID string) ([]ClassroomPhoto, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT url, embedded
		FROM classroom_photos
		WHERE department_id = $1
		ORDER BY created_at
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []ClassroomPhoto
	for rows.Next() {
		var p ClassroomPhoto
		if err := rows.Scan(&p.URL, &p.Embedded); err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (r *Repository) modeConfigs(ctx context.Context, departmentID string) (map[Mode]ModeConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mode, enabled, start_time, end_time
		FROM department_modes
		WHERE department_id = $1
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	modes := make(map[Mode]ModeConfig)
	for rows.Next() {
		var (
			mode       int
			cfg        ModeConfig
			start, end sql.NullString
		)
		if err := rows.Scan(&mode, &cfg.Enabled, &start, &end); err != nil {
			return nil, err
		}
		cfg.StartTime = start.String
		cfg.EndTime = end.String
		modes[Mode(mode)] = cfg
	}
	return modes, rows.Err()
}

// GetUser loads the verification-relevant subset of a user record.
// Returns nil when the user does not exist.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, department_id, COALESCE(profile_photo_url, '')
		FROM users WHERE id = $1
	`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.DepartmentID, &u.ProfilePhotoURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
