package types

import (
	"fmt"
	"time"
)

// User is a credential holder. ID doubles as the scan payload and as the
// national-id style secondary key.
type User struct {
	ID        int64  `json:"id"`
	DNI       int64  `json:"dni"`
	Name      string `json:"name"`
	Lastname  string `json:"lastname"`
	Role      Role   `json:"role"`
	GroupID   *int64 `json:"group_id,omitempty"`
	GroupName string `json:"group,omitempty"`
	Enabled   bool   `json:"enabled"`
}

type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Restriction denies every gate to the members of GroupID on Date.
type Restriction struct {
	ID      int64 `json:"id"`
	GroupID int64 `json:"group_id"`
	Date    Date  `json:"date"`
}

// Controller is an operator bound to a handheld device. Gate is the only
// field that changes after provisioning.
type Controller struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	DNI      int64  `json:"dni"`
	Gate     Gate   `json:"gate"`
}

// Date is a civil calendar date in YYYY-MM-DD form.
type Date string

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in loc. A nil loc means UTC.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return Date(t.In(loc).Format(dateLayout))
}

// ParseDate validates s and returns it in canonical form. Timestamps such as
// "2024-01-01T00:00:00Z" are truncated to their date part.
func ParseDate(s string) (Date, error) {
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(t.Format(dateLayout)), nil
}

func (d Date) String() string { return string(d) }
