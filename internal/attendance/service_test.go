package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrattend/internal/token"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	users       map[int]*User
	sessions    []Session
	enrollments []Enrollment
	records     []Record
	nextID      int

	// when set, CreateAttendance reports a unique-index violation even if
	// the duplicate read saw nothing (simulates a lost race).
	raceDuplicate bool
}

func (f *fakeStore) GetUser(_ context.Context, id int) (*User, error) {
	return f.users[id], nil
}

func (f *fakeStore) GetSession(_ context.Context, id int) (*Session, error) {
	for i := range f.sessions {
		if f.sessions[i].ID == id {
			return &f.sessions[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListSessions(_ context.Context) ([]Session, error) {
	return f.sessions, nil
}

func (f *fakeStore) EnrollmentsByStudent(_ context.Context, studentID int) ([]Enrollment, error) {
	var res []Enrollment
	for _, e := range f.enrollments {
		if e.StudentID == studentID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (f *fakeStore) AttendanceBySession(_ context.Context, sessionID int) ([]Record, error) {
	var res []Record
	for _, r := range f.records {
		if r.SessionID == sessionID {
			res = append(res, r)
		}
	}
	return res, nil
}

func (f *fakeStore) CreateAttendance(_ context.Context, rec Record) (Record, error) {
	if f.raceDuplicate {
		return Record{}, ErrAlreadyRecorded
	}
	for _, existing := range f.records {
		if existing.StudentID == rec.StudentID && existing.SessionID == rec.SessionID {
			return Record{}, ErrAlreadyRecorded
		}
	}
	f.nextID++
	rec.ID = f.nextID
	f.records = append(f.records, rec)
	return rec, nil
}

// newFixture returns a store with student 2 enrolled in course 9, which
// session 5 belongs to.
func newFixture() *fakeStore {
	return &fakeStore{
		users: map[int]*User{
			1: {ID: 1, Name: "Prof. Stone", Role: RoleAdmin},
			2: {ID: 2, Name: "Ada", Role: RoleStudent},
			3: {ID: 3, Name: "Ben", Role: RoleStudent},
		},
		sessions: []Session{
			{ID: 4, CourseID: 9, Date: date(2026, 3, 3)},
			{ID: 5, CourseID: 9, Date: date(2026, 3, 10)},
		},
		enrollments: []Enrollment{
			{ID: 1, StudentID: 2, CourseID: 9},
		},
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func freeze(t *testing.T, at time.Time) {
	t.Helper()
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = time.Now })
}

func TestIssueTokenPicksLatestSession(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	freeze(t, t0)
	svc := NewService(newFixture())

	tok, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if tok.SessionID != 5 {
		t.Errorf("SessionID = %d, want 5 (latest date)", tok.SessionID)
	}
	if tok.StudentID != 2 {
		t.Errorf("StudentID = %d, want 2", tok.StudentID)
	}
	if tok.IssuedAt != t0.Format(time.RFC3339) {
		t.Errorf("IssuedAt = %s, want %s", tok.IssuedAt, t0.Format(time.RFC3339))
	}
	ok, err := token.Verify(tok.StudentID, tok.SessionID, tok.IssuedAt, tok.Fingerprint)
	if err != nil || !ok {
		t.Errorf("issued token does not self-verify: ok=%v err=%v", ok, err)
	}
}

func TestIssueTokenNoSessions(t *testing.T) {
	store := newFixture()
	store.sessions = nil
	svc := NewService(store)

	if _, err := svc.IssueToken(context.Background(), 2); !errors.Is(err, ErrNoSessionAvailable) {
		t.Errorf("IssueToken() error = %v, want ErrNoSessionAvailable", err)
	}
}

func TestIssueTokenHasNoSideEffects(t *testing.T) {
	store := newFixture()
	svc := NewService(store)

	a, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	b, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if len(store.records) != 0 {
		t.Errorf("issuance persisted %d records, want none", len(store.records))
	}
	for _, tok := range []token.Token{a, b} {
		if ok, _ := token.Verify(tok.StudentID, tok.SessionID, tok.IssuedAt, tok.Fingerprint); !ok {
			t.Error("issued token does not self-verify")
		}
	}
}

func issueAt(t *testing.T, svc *Service, studentID int, at time.Time) token.Token {
	t.Helper()
	freeze(t, at)
	tok, err := svc.IssueToken(context.Background(), studentID)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok
}

func TestValidateSuccess(t *testing.T) {
	store := newFixture()
	svc := NewService(store)
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tok := issueAt(t, svc, 2, t0)
	freeze(t, t0.Add(30*time.Second))

	rec, err := svc.Validate(context.Background(), tok)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if rec.StudentID != 2 || rec.SessionID != 5 {
		t.Errorf("record = student %d session %d, want student 2 session 5", rec.StudentID, rec.SessionID)
	}
	if rec.QRCode != tok.Fingerprint {
		t.Errorf("QRCode = %s, want the token fingerprint", rec.QRCode)
	}
	if !rec.Timestamp.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("Timestamp = %v, want validation time, not issuance time", rec.Timestamp)
	}
	if rec.ID == 0 {
		t.Error("record ID not assigned")
	}
}

func TestValidateExpiry(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr error
	}{
		{name: "well within window", elapsed: 30 * time.Second},
		{name: "599s passes", elapsed: 599 * time.Second},
		{name: "exactly 600s passes", elapsed: 600 * time.Second},
		{name: "601s expires", elapsed: 601 * time.Second, wantErr: ErrTokenExpired},
		{name: "700s expires", elapsed: 700 * time.Second, wantErr: ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newFixture())
			tok := issueAt(t, svc, 2, t0)
			freeze(t, t0.Add(tt.elapsed))

			_, err := svc.Validate(context.Background(), tok)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejections(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(store *fakeStore, tok *token.Token)
		wantErr error
	}{
		{
			name:    "garbage fingerprint",
			mutate:  func(_ *fakeStore, tok *token.Token) { tok.Fingerprint = "deadbeef" },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "tampered student id",
			mutate:  func(_ *fakeStore, tok *token.Token) { tok.StudentID = 3 },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "malformed issuedAt",
			mutate:  func(_ *fakeStore, tok *token.Token) { tok.IssuedAt = "not-a-time" },
			wantErr: token.ErrInvalidInput,
		},
		{
			name:    "student missing",
			mutate:  func(store *fakeStore, _ *token.Token) { delete(store.users, 2) },
			wantErr: ErrStudentNotFound,
		},
		{
			name:    "student has admin role",
			mutate:  func(store *fakeStore, _ *token.Token) { store.users[2].Role = RoleAdmin },
			wantErr: ErrStudentNotFound,
		},
		{
			name:    "session missing",
			mutate:  func(store *fakeStore, _ *token.Token) { store.sessions = store.sessions[:1] },
			wantErr: ErrSessionNotFound,
		},
		{
			name:    "not enrolled",
			mutate:  func(store *fakeStore, _ *token.Token) { store.enrollments = nil },
			wantErr: ErrNotEnrolled,
		},
		{
			name: "already recorded",
			mutate: func(store *fakeStore, tok *token.Token) {
				store.records = append(store.records, Record{ID: 99, StudentID: 2, SessionID: 5})
			},
			wantErr: ErrAlreadyRecorded,
		},
		{
			name:    "lost commit race",
			mutate:  func(store *fakeStore, _ *token.Token) { store.raceDuplicate = true },
			wantErr: ErrAlreadyRecorded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFixture()
			svc := NewService(store)
			tok := issueAt(t, svc, 2, t0)
			freeze(t, t0.Add(30*time.Second))
			tt.mutate(store, &tok)

			_, err := svc.Validate(context.Background(), tok)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicateOfIdenticalToken(t *testing.T) {
	store := newFixture()
	svc := NewService(store)
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tok := issueAt(t, svc, 2, t0)
	freeze(t, t0.Add(30*time.Second))

	if _, err := svc.Validate(context.Background(), tok); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}
	// Same fingerprint, same issuedAt, still inside the window.
	if _, err := svc.Validate(context.Background(), tok); !errors.Is(err, ErrAlreadyRecorded) {
		t.Errorf("second Validate() error = %v, want ErrAlreadyRecorded", err)
	}
	if len(store.records) != 1 {
		t.Errorf("store holds %d records, want 1", len(store.records))
	}
}

func TestValidateFreshTokenForCommittedPair(t *testing.T) {
	store := newFixture()
	svc := NewService(store)
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	first := issueAt(t, svc, 2, t0)
	freeze(t, t0.Add(30*time.Second))
	if _, err := svc.Validate(context.Background(), first); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}

	// A freshly issued, otherwise-valid token for the same pair must
	// still be rejected.
	second := issueAt(t, svc, 2, t0.Add(time.Minute))
	freeze(t, t0.Add(2*time.Minute))
	if _, err := svc.Validate(context.Background(), second); !errors.Is(err, ErrAlreadyRecorded) {
		t.Errorf("Validate() error = %v, want ErrAlreadyRecorded", err)
	}
}

func TestValidateOrderShortCircuits(t *testing.T) {
	// An expired token with a bad enrollment must report expiry, not the
	// later check: the pipeline order is observable behavior.
	store := newFixture()
	store.enrollments = nil
	svc := NewService(store)
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tok := issueAt(t, svc, 2, t0)
	freeze(t, t0.Add(700*time.Second))

	if _, err := svc.Validate(context.Background(), tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() error = %v, want ErrTokenExpired (expiry checked before enrollment)", err)
	}
}
