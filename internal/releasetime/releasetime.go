// Package releasetime packs a box release moment into the 27 significant bits
// the ethbox contract stores, and unpacks it again.
//
// Layout, most significant first: 7 bits year mod 100, 4 bits zero-based month,
// 5 bits day of month, 11 bits minutes since midnight UTC.
package releasetime

import (
	"errors"
	"fmt"
	"time"
)

var ErrOutOfRangeField = errors.New("packed release time field out of range")

const (
	yearShift  = 20
	monthShift = 16
	dayShift   = 11

	yearMask   = 0x7f
	monthMask  = 0x0f
	dayMask    = 0x1f
	minuteMask = 0x07ff

	// MaxPacked is the largest value with only the defined fields set.
	MaxPacked = 1<<27 - 1

	minutesPerDay = 1440
)

// Fields is the unpacked form of a release moment.
type Fields struct {
	YearMod100  int
	Month0      int
	Day         int
	MinuteOfDay int
}

// Decoded is a release moment reconstructed for display.
type Decoded struct {
	Unix     int64
	Readable string
	Time     time.Time
}

// FieldsOf extracts the packed fields of t. With utc set the UTC calendar is
// used, otherwise the wall clock of t's own location.
func FieldsOf(t time.Time, utc bool) Fields {
	if utc {
		t = t.UTC()
	}
	year := t.Year()
	return Fields{
		YearMod100:  year - 100*floorDiv(year, 100),
		Month0:      int(t.Month()) - 1,
		Day:         t.Day(),
		MinuteOfDay: 60*t.Hour() + t.Minute(),
	}
}

// Pack assembles the fields without validating them; each is masked to its width.
func Pack(f Fields) uint32 {
	return uint32(f.YearMod100&yearMask)<<yearShift |
		uint32(f.Month0&monthMask)<<monthShift |
		uint32(f.Day&dayMask)<<dayShift |
		uint32(f.MinuteOfDay&minuteMask)
}

// Unpack splits packed into its fields and rejects values no calendar moment produces.
func Unpack(packed uint32) (Fields, error) {
	if packed > MaxPacked {
		return Fields{}, fmt.Errorf("%w: %#x has bits above the year field", ErrOutOfRangeField, packed)
	}
	f := Fields{
		YearMod100:  int(packed>>yearShift) & yearMask,
		Month0:      int(packed>>monthShift) & monthMask,
		Day:         int(packed>>dayShift) & dayMask,
		MinuteOfDay: int(packed) & minuteMask,
	}
	switch {
	case f.YearMod100 > 99:
		return Fields{}, fmt.Errorf("%w: year %d", ErrOutOfRangeField, f.YearMod100)
	case f.Month0 > 11:
		return Fields{}, fmt.Errorf("%w: month %d", ErrOutOfRangeField, f.Month0)
	case f.Day < 1:
		return Fields{}, fmt.Errorf("%w: day %d", ErrOutOfRangeField, f.Day)
	case f.MinuteOfDay >= minutesPerDay:
		return Fields{}, fmt.Errorf("%w: minute of day %d", ErrOutOfRangeField, f.MinuteOfDay)
	}
	return f, nil
}

// Encode packs moment.
func Encode(moment time.Time, utc bool) uint32 {
	return Pack(FieldsOf(moment, utc))
}

// Decode unpacks packed and rebases it onto a local clock whose offset follows
// the browser convention: minutes to add to local time to reach UTC (UTC+2 is -120).
// The year is assumed to be in the 2000s.
func Decode(packed uint32, localOffsetMinutes int) (Decoded, error) {
	f, err := Unpack(packed)
	if err != nil {
		return Decoded{}, err
	}

	day := f.Day
	minutes := f.MinuteOfDay - localOffsetMinutes
	if minutes >= minutesPerDay {
		minutes -= minutesPerDay
		day++
	} else if minutes < 0 {
		minutes += minutesPerDay
		day--
	}
	hours := minutes / 60
	minutes -= hours * 60

	zone := time.FixedZone("", -localOffsetMinutes*60)
	t := time.Date(2000+f.YearMod100, time.Month(f.Month0+1), day, hours, minutes, 0, 0, zone)

	return Decoded{
		Unix:     t.Unix(),
		Readable: fmt.Sprintf("%s %d %d %02d:%02d", t.Month(), t.Day(), t.Year(), t.Hour(), t.Minute()),
		Time:     t,
	}, nil
}

// LocalOffsetMinutes returns the Decode offset for the zone t is expressed in.
func LocalOffsetMinutes(t time.Time) int {
	_, offset := t.Zone()
	return -offset / 60
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
