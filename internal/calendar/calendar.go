// Package calendar derives the display dates stored on audit records and
// notifications. Callers depend only on an instant and the Calendar
// interface, so the date systems can be swapped or fixed in tests.
package calendar

import (
	"fmt"
	"time"

	"github.com/hebcal/hdate"
)

const gregorianLayout = "02/01/2006"

// Calendar converts an instant into the two stored date strings.
type Calendar interface {
	// Stamp returns the Hebrew and Gregorian civil dates of t in the
	// deployment locale.
	Stamp(t time.Time) (hebrew string, gregorian string)
}

// Local renders dates in a fixed time zone.
type Local struct {
	loc *time.Location
}

// NewLocal returns a Calendar for the named IANA zone, e.g. "Asia/Jerusalem".
func NewLocal(zone string) (*Local, error) {
	if zone == "" {
		return &Local{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return &Local{loc: loc}, nil
}

// Stamp implements Calendar. Both strings are derived from the same civil
// day of t in the configured zone.
func (c *Local) Stamp(t time.Time) (string, string) {
	local := t.In(c.loc)
	civil := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, time.UTC)
	return hdate.FromTime(civil).String(), local.Format(gregorianLayout)
}

// Location returns the configured zone.
func (c *Local) Location() *time.Location {
	return c.loc
}
