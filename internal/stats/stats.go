// Package stats derives per-course attendance standings. The worker
// recomputes a student's standing after each committed record and caches
// it in redis; the API reads the cache and falls back to computing from
// the store.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qrattend/internal/attendance"
)

// Standing is a student's attendance position within one course.
type Standing struct {
	StudentID     int     `json:"studentId"`
	CourseID      int     `json:"courseId"`
	Attended      int     `json:"attended"`
	TotalSessions int     `json:"totalSessions"`
	Percentage    float64 `json:"percentage"`
	MeetsMinimum  bool    `json:"meetsMinimum"`
}

// Calculator computes standings from the repository and caches them.
type Calculator struct {
	repo     *attendance.Repository
	rdb      *redis.Client
	cacheTTL time.Duration
}

// NewCalculator wires a calculator. rdb may be nil; caching is then
// skipped entirely.
func NewCalculator(repo *attendance.Repository, rdb *redis.Client, cacheTTL time.Duration) *Calculator {
	return &Calculator{repo: repo, rdb: rdb, cacheTTL: cacheTTL}
}

func cacheKey(courseID, studentID int) string {
	return fmt.Sprintf("stats:course:%d:student:%d", courseID, studentID)
}

// RecomputeForRecord refreshes the cached standing affected by an
// attendance record.
func (c *Calculator) RecomputeForRecord(ctx context.Context, recordID int) (*Standing, error) {
	rec, err := c.repo.GetAttendance(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("attendance record %d not found", recordID)
	}
	sess, err := c.repo.GetSession(ctx, rec.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d not found", rec.SessionID)
	}
	return c.compute(ctx, sess.CourseID, rec.StudentID)
}

// Standing returns the cached standing, computing and re-caching on miss.
func (c *Calculator) Standing(ctx context.Context, courseID, studentID int) (*Standing, error) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, cacheKey(courseID, studentID)).Result()
		if err == nil {
			var st Standing
			if jsonErr := json.Unmarshal([]byte(raw), &st); jsonErr == nil {
				return &st, nil
			}
		}
	}
	return c.compute(ctx, courseID, studentID)
}

func (c *Calculator) compute(ctx context.Context, courseID, studentID int) (*Standing, error) {
	course, err := c.repo.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, fmt.Errorf("course %d not found", courseID)
	}
	attended, err := c.repo.CountAttendance(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}

	st := &Standing{
		StudentID:     studentID,
		CourseID:      courseID,
		Attended:      attended,
		TotalSessions: course.TotalSessions,
	}
	if course.TotalSessions > 0 {
		st.Percentage = float64(attended) / float64(course.TotalSessions) * 100
	}
	st.MeetsMinimum = st.Percentage >= course.MinAttendancePercentage

	if c.rdb != nil {
		if raw, err := json.Marshal(st); err == nil {
			_ = c.rdb.Set(ctx, cacheKey(courseID, studentID), raw, c.cacheTTL).Err()
		}
	}
	return st, nil
}
