package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var errDateEmpty = errors.New("date: empty")
var errDateUnparsed = errors.New("date: unrecognized format")

// dateLayouts are tried in order. UK day-first forms precede anything
// month-first; Go's "2" and "1" accept one or two digits.
var dateLayouts = []string{
	"2006-01-02",
	"2/1/2006",
	"2006/01/02",
	"2-1-2006",
	"2 Jan 2006",
	"2 January 2006",
	"2-Jan-2006",
	"2-Jan-06",
	"2 Jan 06",
	"2/1/06",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2006-01",
	"Jan 2006",
	"January 2006",
}

var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Excel serial day numbers accepted as dates (1995-10-28 .. 2064-04-08).
const (
	excelSerialMin = 35000
	excelSerialMax = 60000
)

// ParseDate coerces a disclosure date to YYYY-MM-DD. Month-only values map
// to the first of the month. Years outside 1990..now+1 are rejected.
func ParseDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errDateEmpty
	}
	t, ok := parseSerial(s)
	if !ok {
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t, ok = parsed, true
				break
			}
		}
	}
	if !ok {
		return "", errDateUnparsed
	}
	if t.Year() < 1990 || t.Year() > now.Year()+1 {
		return "", fmt.Errorf("date: year %d out of range", t.Year())
	}
	return t.Format("2006-01-02"), nil
}

func parseSerial(s string) (time.Time, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < excelSerialMin || f > excelSerialMax {
		return time.Time{}, false
	}
	return excelEpoch.AddDate(0, 0, int(math.Floor(f))), true
}
