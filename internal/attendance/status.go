package attendance

import "time"

// deriveStatus computes the status of a record from its time_in and an
// on-time anchor. The threshold is exclusive: arriving exactly at
// anchor+threshold is still PRESENT. An EXCUSED status is an
// administrative override and is never recomputed away.
func deriveStatus(current Status, timeIn *time.Time, anchor time.Time, threshold time.Duration) Status {
	if current == StatusExcused {
		return StatusExcused
	}
	if timeIn == nil {
		if current == "" {
			return StatusPresent
		}
		return current
	}
	if sinceAnchor(*timeIn, anchor) > threshold {
		return StatusLate
	}
	return StatusPresent
}

// sinceAnchor compares time-of-day components only. Stored timestamps can
// carry different calendar dates depending on how the timezone was applied
// at write time, so both sides are normalized onto the anchor's date
// before subtracting.
func sinceAnchor(t, anchor time.Time) time.Duration {
	return onDate(anchor, t).Sub(anchor)
}

// onDate places t's clock reading onto ref's calendar date and location.
func onDate(ref, t time.Time) time.Time {
	t = t.In(ref.Location())
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), ref.Location())
}
