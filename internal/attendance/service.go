package attendance

import (
	"context"
	"errors"
	"time"

	"qrattend/internal/token"
)

// Validation outcomes. Each maps 1:1 to a stable client-visible message.
var (
	ErrNoSessionAvailable = errors.New("no session available")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrStudentNotFound    = errors.New("student not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotEnrolled        = errors.New("student not enrolled in this course")
	ErrAlreadyRecorded    = errors.New("attendance already recorded")
)

// Record is a committed attendance row. QRCode stores the token
// fingerprint for audit.
type Record struct {
	ID        int       `json:"id"`
	StudentID int       `json:"studentId"`
	SessionID int       `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	QRCode    string    `json:"qrCode"`
}

// Store is the record-store surface the service depends on.
type Store interface {
	GetUser(ctx context.Context, id int) (*User, error)
	GetSession(ctx context.Context, id int) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	EnrollmentsByStudent(ctx context.Context, studentID int) ([]Enrollment, error)
	AttendanceBySession(ctx context.Context, sessionID int) ([]Record, error)
	CreateAttendance(ctx context.Context, rec Record) (Record, error)
}

// overridable for tests
var nowFunc = time.Now

// Service issues attendance tokens and validates presented ones. It is
// stateless between calls; every validation re-reads current store state.
type Service struct {
	store Store
}

// NewService creates a service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// IssueToken produces a fresh token for a student against the session with
// the latest date in the store (ties keep the first seen). Nothing is
// persisted or registered: issuing twice yields two independently valid
// tokens, and expiry is enforced only at validation time.
func (s *Service) IssueToken(ctx context.Context, studentID int) (token.Token, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return token.Token{}, err
	}
	if len(sessions) == 0 {
		return token.Token{}, ErrNoSessionAvailable
	}
	target := sessions[0]
	for _, sess := range sessions[1:] {
		if sess.Date.After(target.Date) {
			target = sess
		}
	}

	issuedAt := nowFunc().UTC().Format(time.RFC3339)
	fp, err := token.Compute(studentID, target.ID, issuedAt)
	if err != nil {
		return token.Token{}, err
	}
	return token.Token{
		StudentID:   studentID,
		SessionID:   target.ID,
		IssuedAt:    issuedAt,
		Fingerprint: fp,
	}, nil
}

// Validate runs the attendance pipeline in strict order, short-circuiting
// on the first failure: fingerprint, expiry, student, session, enrollment,
// duplicate, commit. The duplicate read is advisory under concurrency; the
// unique index on (student_id, session_id) is the final arbiter and a
// violated race also surfaces as ErrAlreadyRecorded.
func (s *Service) Validate(ctx context.Context, tok token.Token) (Record, error) {
	ok, err := token.Verify(tok.StudentID, tok.SessionID, tok.IssuedAt, tok.Fingerprint)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrInvalidToken
	}

	issued, _ := time.Parse(time.RFC3339, tok.IssuedAt)
	if nowFunc().Sub(issued) > token.TTL {
		return Record{}, ErrTokenExpired
	}

	student, err := s.store.GetUser(ctx, tok.StudentID)
	if err != nil {
		return Record{}, err
	}
	if student == nil || student.Role != RoleStudent {
		return Record{}, ErrStudentNotFound
	}

	session, err := s.store.GetSession(ctx, tok.SessionID)
	if err != nil {
		return Record{}, err
	}
	if session == nil {
		return Record{}, ErrSessionNotFound
	}

	enrollments, err := s.store.EnrollmentsByStudent(ctx, tok.StudentID)
	if err != nil {
		return Record{}, err
	}
	enrolled := false
	for _, e := range enrollments {
		if e.CourseID == session.CourseID {
			enrolled = true
			break
		}
	}
	if !enrolled {
		return Record{}, ErrNotEnrolled
	}

	existing, err := s.store.AttendanceBySession(ctx, tok.SessionID)
	if err != nil {
		return Record{}, err
	}
	for _, rec := range existing {
		if rec.StudentID == tok.StudentID {
			return Record{}, ErrAlreadyRecorded
		}
	}

	return s.store.CreateAttendance(ctx, Record{
		StudentID: tok.StudentID,
		SessionID: tok.SessionID,
		Timestamp: nowFunc().UTC(),
		QRCode:    tok.Fingerprint,
	})
}
