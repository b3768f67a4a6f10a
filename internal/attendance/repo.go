package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecentRecord returns a record inside the dedup window, if any.
func (r *Repository) RecentRecord(ctx context.Context, studentID, departmentID string, window time.Duration) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, department_id, occurred_at, mode, similarity, evidence_url, reason, status, created_at
		FROM attendance_records
		WHERE student_id = $1 AND department_id = $2 AND occurred_at >= NOW() - ($3 * interval '1 second')
		ORDER BY occurred_at DESC
		LIMIT 1
	`, studentID, departmentID, window.Seconds())
	var rec Record
	if err := scanRecord(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertRecord writes a new record.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.When.IsZero() {
		rec.When = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "confirmed"
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, department_id, occurred_at, mode, similarity, evidence_url, reason, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.DepartmentID, rec.When, rec.Mode, rec.Similarity, rec.EvidenceURL, rec.Reason, rec.Status)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetRecord returns a single record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, department_id, occurred_at, mode, similarity, evidence_url, reason, status, created_at
		FROM attendance_records WHERE id = $1
	`, id)
	var rec Record
	if err := scanRecord(row.Scan, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListRecords returns records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, studentID, departmentID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, student_id, department_id, occurred_at, mode, similarity, evidence_url, reason, status, created_at FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if studentID != "" {
		args = append(args, studentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if departmentID != "" {
		args = append(args, departmentID)
		clauses = append(clauses, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRecord(scan func(...any) error, rec *Record) error {
	var evidence, reason sql.NullString
	if err := scan(&rec.ID, &rec.StudentID, &rec.DepartmentID, &rec.When, &rec.Mode,
		&rec.Similarity, &evidence, &reason, &rec.Status, &rec.CreatedAt); err != nil {
		return err
	}
	rec.EvidenceURL = evidence.String
	rec.Reason = reason.String
	return nil
}

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
