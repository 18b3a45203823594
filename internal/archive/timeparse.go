package archive

import (
	"strconv"
	"strings"
	"time"
)

// Layouts accepted by ParseTime for times without a zone, tried in order.
var localLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime reads a user-supplied timestamp:
//
//	@1700000000.25               seconds since the epoch
//	2024-03-01T12:00:00.5Z       RFC 3339, zone included
//	2024-03-01 12:00:00[.frac]   wall clock time in loc
//
// Malformed input fails with ErrInvalidArgument.
func ParseTime(s string, loc *time.Location) (TimePoint, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "@"); ok {
		return parseEpoch(rest)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return FromTime(t), nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return FromTime(t), nil
		}
	}
	return TimePoint{}, Errorf(ErrInvalidArgument, nil, "unrecognized time %q", s)
}

// parseEpoch splits "secs[.frac]" without going through float64, so nanosecond
// digits survive.
func parseEpoch(s string) (TimePoint, error) {
	whole, frac, _ := strings.Cut(s, ".")
	neg := strings.HasPrefix(whole, "-")
	secs, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || whole == "" || whole == "-" {
		return TimePoint{}, Errorf(ErrInvalidArgument, err, "invalid epoch seconds %q", s)
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	var nanos int64
	if frac != "" {
		n, err := strconv.ParseUint(frac, 10, 32)
		if err != nil {
			return TimePoint{}, Errorf(ErrInvalidArgument, err, "invalid epoch fraction %q", s)
		}
		nanos = int64(n)
		for i := len(frac); i < 9; i++ {
			nanos *= 10
		}
	}
	if neg && nanos > 0 {
		// -1.25 is 1.25s before the epoch: seconds -2, nanoseconds 750000000.
		secs--
		nanos = 1_000_000_000 - nanos
	}
	return TimePoint{Seconds: secs, Nanoseconds: int32(nanos)}, nil
}
