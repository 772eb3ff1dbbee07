package document

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds (year 2286 in seconds).
const epochMillisThreshold = 1e10

// ParseTime reads the timestamp shapes sources send: RFC3339 strings, SQL-style strings, and epoch
// seconds or milliseconds as numbers or numeric strings. ok is false for nil or unrecognized values.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case float64:
		return fromEpoch(t), true
	case int:
		return fromEpoch(float64(t)), true
	case int64:
		return fromEpoch(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), true
		}
		return time.Time{}, false
	default:
		return ParseTime(fmt.Sprint(v))
	}
}

func fromEpoch(f float64) time.Time {
	if math.Abs(f) >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
