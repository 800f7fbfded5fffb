package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// User roles.
const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// User is an account that can authenticate. Students present QR tokens;
// admins scan them.
type User struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
}

// Course groups sessions and enrollments.
type Course struct {
	ID                      int     `json:"id"`
	CourseCode              string  `json:"courseCode"`
	CourseName              string  `json:"courseName"`
	Lecturer                string  `json:"lecturer"`
	TotalSessions           int     `json:"totalSessions"`
	Semester                string  `json:"semester"`
	MinAttendancePercentage float64 `json:"minAttendancePercentage"`
}

// Session is a single scheduled meeting of a course.
type Session struct {
	ID        int       `json:"id"`
	CourseID  int       `json:"courseId"`
	Date      time.Time `json:"date"`
	StartTime string    `json:"startTime"`
	EndTime   string    `json:"endTime"`
}

// Enrollment authorizes a student to attend a course's sessions.
type Enrollment struct {
	ID        int `json:"id"`
	StudentID int `json:"studentId"`
	CourseID  int `json:"courseId"`
}

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetUser returns a user by id, nil when absent.
func (r *Repository) GetUser(ctx context.Context, id int) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role FROM users WHERE id = $1
	`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail returns a user by email, nil when absent.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role FROM users WHERE email = $1
	`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user and returns it with the generated id.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, u.Name, u.Email, u.PasswordHash, u.Role)
	if err := row.Scan(&u.ID); err != nil {
		return User{}, err
	}
	return u, nil
}

// CreateCourse inserts a course.
func (r *Repository) CreateCourse(ctx context.Context, c Course) (Course, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO courses (course_code, course_name, lecturer, total_sessions, semester, min_attendance_pct)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, c.CourseCode, c.CourseName, c.Lecturer, c.TotalSessions, c.Semester, c.MinAttendancePercentage)
	if err := row.Scan(&c.ID); err != nil {
		return Course{}, err
	}
	return c, nil
}

// GetCourse returns a course by id, nil when absent.
func (r *Repository) GetCourse(ctx context.Context, id int) (*Course, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_code, course_name, lecturer, total_sessions, semester, min_attendance_pct
		FROM courses WHERE id = $1
	`, id)
	var c Course
	if err := row.Scan(&c.ID, &c.CourseCode, &c.CourseName, &c.Lecturer, &c.TotalSessions, &c.Semester, &c.MinAttendancePercentage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListCourses returns all courses ordered by code.
func (r *Repository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_code, course_name, lecturer, total_sessions, semester, min_attendance_pct
		FROM courses ORDER BY course_code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.CourseCode, &c.CourseName, &c.Lecturer, &c.TotalSessions, &c.Semester, &c.MinAttendancePercentage); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CreateSession inserts a class session.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (course_id, session_date, start_time, end_time)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, s.CourseID, s.Date, s.StartTime, s.EndTime)
	if err := row.Scan(&s.ID); err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession returns a session by id, nil when absent.
func (r *Repository) GetSession(ctx context.Context, id int) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, session_date, start_time, end_time FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.CourseID, &s.Date, &s.StartTime, &s.EndTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListSessions returns every session, id-ascending.
func (r *Repository) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, session_date, start_time, end_time FROM sessions ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.CourseID, &s.Date, &s.StartTime, &s.EndTime); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CreateEnrollment inserts an enrollment edge.
func (r *Repository) CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO enrollments (student_id, course_id)
		VALUES ($1, $2)
		RETURNING id
	`, e.StudentID, e.CourseID)
	if err := row.Scan(&e.ID); err != nil {
		return Enrollment{}, err
	}
	return e, nil
}

// EnrollmentsByStudent returns a student's enrollments.
func (r *Repository) EnrollmentsByStudent(ctx context.Context, studentID int) ([]Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, course_id FROM enrollments WHERE student_id = $1
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.StudentID, &e.CourseID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EnrollmentsByCourse returns a course's enrollments.
func (r *Repository) EnrollmentsByCourse(ctx context.Context, courseID int) ([]Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, course_id FROM enrollments WHERE course_id = $1
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.StudentID, &e.CourseID); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AttendanceBySession returns all attendance rows for a session.
func (r *Repository) AttendanceBySession(ctx context.Context, sessionID int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, session_id, recorded_at, qr_code
		FROM attendance WHERE session_id = $1 ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Timestamp, &rec.QRCode); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// GetAttendance returns a single attendance row by id, nil when absent.
func (r *Repository) GetAttendance(ctx context.Context, id int) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, session_id, recorded_at, qr_code FROM attendance WHERE id = $1
	`, id)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Timestamp, &rec.QRCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// CreateAttendance inserts a new attendance row. The unique index on
// (student_id, session_id) makes the insert the final duplicate arbiter:
// a constraint violation comes back as ErrAlreadyRecorded.
func (r *Repository) CreateAttendance(ctx context.Context, rec Record) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (student_id, session_id, recorded_at, qr_code)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, rec.StudentID, rec.SessionID, rec.Timestamp, rec.QRCode)
	if err := row.Scan(&rec.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyRecorded
		}
		return Record{}, err
	}
	return rec, nil
}

// CountAttendance returns how many of a course's sessions a student has
// attended.
func (r *Repository) CountAttendance(ctx context.Context, studentID, courseID int) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM attendance a
		JOIN sessions s ON s.id = a.session_id
		WHERE a.student_id = $1 AND s.course_id = $2
	`, studentID, courseID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CourseAttendanceRow is one line of the per-course export.
type CourseAttendanceRow struct {
	RecordID    int
	StudentID   int
	StudentName string
	SessionID   int
	SessionDate time.Time
	RecordedAt  time.Time
	QRCode      string
}

// AttendanceByCourse returns the flattened attendance listing for a course.
func (r *Repository) AttendanceByCourse(ctx context.Context, courseID int) ([]CourseAttendanceRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.student_id, u.name, a.session_id, s.session_date, a.recorded_at, a.qr_code
		FROM attendance a
		JOIN sessions s ON s.id = a.session_id
		JOIN users u ON u.id = a.student_id
		WHERE s.course_id = $1
		ORDER BY s.session_date, a.recorded_at
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CourseAttendanceRow
	for rows.Next() {
		var row CourseAttendanceRow
		if err := rows.Scan(&row.RecordID, &row.StudentID, &row.StudentName, &row.SessionID, &row.SessionDate, &row.RecordedAt, &row.QRCode); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID int, tok string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, userID, tok, expiresAt)
	return err
}

// RefreshTokenValid reports whether a refresh token is stored, unrevoked
// and unexpired.
func (r *Repository) RefreshTokenValid(ctx context.Context, tok string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE token = $1 AND NOT revoked AND expires_at > NOW()
	`, tok)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, tok string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, tok)
	return err
}
