package testutil

import "time"

// FrozenTime returns a now-func pinned to the given instant, for
// deterministic SET_NOW write-backs and due-date calculations.
func FrozenTime(t time.Time) func() time.Time {
	utc := t.UTC()
	return func() time.Time { return utc }
}

// MustTime parses an RFC 3339 timestamp or panics. For test fixtures.
func MustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}
