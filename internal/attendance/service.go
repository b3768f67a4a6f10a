package attendance

import (
	"context"
	"errors"
	"time"

	"attendgate/internal/verification"
)

// Record is a persisted attendance record backed by a completed
// verification session.
type Record struct {
	ID           string
	StudentID    string
	DepartmentID string
	When         time.Time
	Mode         int
	Similarity   *float64
	EvidenceURL  string
	Reason       string
	Status       string
	CreatedAt    time.Time
}

// Service records verified attendance with deduplication: a second
// completed verification inside the window returns the first record
// instead of writing another.
type Service struct {
	repo        *Repository
	dedupWindow time.Duration
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, dedupWindow time.Duration) *Service {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Service{repo: repo, dedupWindow: dedupWindow}
}

// Submit implements verification.Recorder. It is only ever called for
// fully verified sessions; partial verifications never reach here.
func (s *Service) Submit(ctx context.Context, sub verification.Submission) (verification.RecordResult, error) {
	if sub.StudentID == "" || sub.DepartmentID == "" {
		return verification.RecordResult{}, errors.New("student and department required")
	}

	if recent, err := s.repo.RecentRecord(ctx, sub.StudentID, sub.DepartmentID, s.dedupWindow); err != nil {
		return verification.RecordResult{}, err
	} else if recent != nil {
		return resultFor(*recent), nil
	}

	rec := Record{
		StudentID:    sub.StudentID,
		DepartmentID: sub.DepartmentID,
		When:         sub.Timestamp,
		Mode:         int(sub.Mode),
		EvidenceURL:  sub.Evidence.FrameRef,
		Reason:       sub.Evidence.Reason,
		Status:       "confirmed",
	}
	if sub.Evidence.Similarity > 0 {
		sim := sub.Evidence.Similarity
		rec.Similarity = &sim
	}

	stored, err := s.repo.InsertRecord(ctx, rec)
	if err != nil {
		return verification.RecordResult{}, err
	}
	return resultFor(stored), nil
}

func resultFor(rec Record) verification.RecordResult {
	res := verification.RecordResult{Status: rec.Status}
	if rec.Similarity != nil {
		res.Confidence = *rec.Similarity
	}
	return res
}
