// Package session owns exam sessions: passcode-gated admission windows opened
// by a teacher. Window validity is evaluated by the caller through Open so
// extensions and deactivations apply to requests already in flight.
package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrInactive        = errors.New("session is no longer active")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrPasscodeSpace   = errors.New("could not generate a free passcode")
)

// Clock supplies wall-clock time. Tests swap it for a fixed or stepping clock.
type Clock func() time.Time

// Session is one teacher-opened admission window.
type Session struct {
	ID        string    `db:"id" json:"id"`
	Passcode  string    `db:"passcode" json:"passcode"`
	TeacherID string    `db:"teacher_id" json:"teacher_id"`
	LabName   string    `db:"lab_name" json:"lab_name"`
	StartTime time.Time `db:"start_time" json:"start_time"`
	EndTime   time.Time `db:"end_time" json:"end_time"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Open reports whether s admits submissions at now. Both window bounds are inclusive.
func Open(s Session, now time.Time) bool {
	return s.Active && !now.Before(s.StartTime) && !now.After(s.EndTime)
}

// Terminal reports whether s can never admit again: deactivated or past its end.
func (s Session) Terminal(now time.Time) bool {
	return !s.Active || now.After(s.EndTime)
}
