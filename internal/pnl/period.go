package pnl

import (
	"fmt"
	"time"
)

// TotalBucket is the single bucket key used by GroupTotal.
const TotalBucket = "TOTAL"

const dayLayout = "2006-01-02"

// Range is a half-open UTC interval [StartAt, EndExclusive).
type Range struct {
	StartAt      time.Time
	EndExclusive time.Time
}

// ResolveRange floors both inputs to UTC midnight and makes the end day inclusive.
// Inputs are expected to be valid and ordered.
func ResolveRange(start, end time.Time) Range {
	return Range{
		StartAt:      floorDay(start),
		EndExclusive: floorDay(end).AddDate(0, 0, 1),
	}
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.StartAt) && t.Before(r.EndExclusive)
}

// LastDay returns the inclusive end day.
func (r Range) LastDay() time.Time {
	return r.EndExclusive.AddDate(0, 0, -1)
}

func (r Range) reportRange() ReportRange {
	return ReportRange{Start: r.StartAt.Format(dayLayout), End: r.LastDay().Format(dayLayout)}
}

func floorDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BucketKey maps an instant to the key of its bucket. Only UTC fields are read.
// It panics on a granularity that Params.Validate would reject.
func BucketKey(t time.Time, group Granularity) string {
	t = t.UTC()
	switch group {
	case GroupDay:
		return t.Format(dayLayout)
	case GroupMonth:
		return t.Format("2006-01")
	case GroupWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GroupQuarter:
		return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	case GroupHalf:
		half := 1
		if t.Month() > time.June {
			half = 2
		}
		return fmt.Sprintf("%04d-H%d", t.Year(), half)
	case GroupYear:
		return fmt.Sprintf("%04d", t.Year())
	case GroupTotal:
		return TotalBucket
	default:
		panic(fmt.Sprintf("pnl: unknown granularity %q", group))
	}
}
