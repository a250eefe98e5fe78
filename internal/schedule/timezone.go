package schedule

import "time"

// Normalizer converts between a creator's wall clock and the scheduler's
// single reference frame. Stored fire times are always reference-frame;
// conversion happens only at the boundary (creation and display).
type Normalizer struct {
	// Ref is the scheduler's reference location. Nil means time.Local.
	Ref *time.Location
}

func (n Normalizer) ref() *time.Location {
	if n.Ref != nil {
		return n.Ref
	}
	return time.Local
}

// ToServer interprets wall as the creator's local wall clock at the given
// UTC offset and returns the same instant in the reference frame.
func (n Normalizer) ToServer(wall time.Time, offsetMinutes int) time.Time {
	zone := time.FixedZone("user", offsetMinutes*60)
	local := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, zone)
	return local.In(n.ref())
}

// ToLocal renders a reference-frame instant in the creator's wall clock.
func (n Normalizer) ToLocal(t time.Time, offsetMinutes int) time.Time {
	return t.In(time.FixedZone("user", offsetMinutes*60))
}

// OffsetMinutes reports the creator's current UTC offset in the given
// location, captured at creation time so later display survives DST shifts.
func OffsetMinutes(at time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	_, secs := at.In(loc).Zone()
	return secs / 60
}
