// Package duedate computes task due timestamps from rule actions.
//
// All arithmetic is calendar-day addition in UTC: the anchor's calendar
// date is taken apart and rebuilt at midnight UTC before the offset is
// applied. Epoch-second arithmetic would drift across daylight-saving
// transitions when the anchor carries a zoned timestamp; calendar
// addition always lands on the intended date.
package duedate

import (
	"time"

	"github.com/roach88/taskpilot/internal/field"
	"github.com/roach88/taskpilot/internal/rule"
)

// Calc computes the due timestamp for one task action.
//
// RELATIVE_TO_FIELD reads the anchor field from the snapshot. A missing
// or null anchor yields (nil, nil): the task is unscheduled, which is a
// state, not an error. An anchor that does not parse as a date is an
// error; the caller logs it and leaves the task unscheduled.
//
// FIXED_OFFSET anchors to the triggering event's timestamp.
func Calc(calc rule.DueAtCalculation, snapshot field.Object, occurredAt time.Time) (*time.Time, error) {
	switch calc.Type {
	case rule.DueRelativeToField:
		anchor, ok := snapshot[calc.FieldName]
		if !ok || field.IsNull(anchor) {
			return nil, nil
		}
		anchorTime, err := field.ParseDate(anchor)
		if err != nil {
			return nil, err
		}
		due := AddDays(anchorTime, calc.OffsetDays)
		return &due, nil

	case rule.DueFixedOffset:
		due := AddDays(occurredAt, calc.OffsetDays)
		return &due, nil

	default:
		return nil, nil
	}
}

// AddDays applies calendar-day addition: t's calendar date in UTC,
// rebuilt at midnight, plus days. Negative days move the date earlier.
func AddDays(t time.Time, days int) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
}
