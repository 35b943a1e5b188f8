package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDatePattern      = regexp.MustCompile(`\b(\d{4})[-./](\d{1,2})[-./](\d{1,2})\b`)
	numericDatePattern  = regexp.MustCompile(`\b(\d{1,2})([./-])(\d{1,2})[./-](\d{2}|\d{4})\b`)
	dayMonthNamePattern = regexp.MustCompile(`\b(\d{1,2})\s+(\pL+)\.?,?\s+(\d{4})\b`)
	monthNameDayPattern = regexp.MustCompile(`(\pL+)\.?\s+(\d{1,2}),?\s+(\d{4})\b`)
	clockPattern        = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)(?::([0-5]\d))?\b`)
)

// months is keyed by the first three lowercase letters of a month name
var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	"янв": time.January, "фев": time.February, "мар": time.March, "апр": time.April,
	"май": time.May, "мая": time.May, "июн": time.June, "июл": time.July, "авг": time.August,
	"сен": time.September, "окт": time.October, "ноя": time.November, "дек": time.December,
}

// explicitDate finds the first valid printed date in text, with the time of day when
// one is printed as well
func explicitDate(text string, monthFirst bool, loc *time.Location) (time.Time, bool) {
	if text == "" {
		return time.Time{}, false
	}
	day, ok := findDate(text, monthFirst, loc)
	if !ok {
		return time.Time{}, false
	}
	if m := clockPattern.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		sec := 0
		if m[3] != "" {
			sec, _ = strconv.Atoi(m[3])
		}
		day = day.Add(time.Duration(h)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(sec)*time.Second)
	}
	return day, true
}

func findDate(text string, monthFirst bool, loc *time.Location) (time.Time, bool) {
	for _, m := range isoDatePattern.FindAllStringSubmatch(text, -1) {
		if t, ok := makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc); ok {
			return t, true
		}
	}

	for _, m := range numericDatePattern.FindAllStringSubmatch(text, -1) {
		a, sep, b, y := atoi(m[1]), m[2], atoi(m[3]), atoi(m[4])
		if len(m[4]) == 2 {
			y += 2000
		}
		d, mo := a, b
		switch {
		case a > 12:
		case b > 12:
			d, mo = b, a
		case sep != "." && monthFirst:
			d, mo = b, a
		}
		if t, ok := makeDate(y, mo, d, loc); ok {
			return t, true
		}
	}

	for _, m := range dayMonthNamePattern.FindAllStringSubmatch(text, -1) {
		if mo := monthFromName(m[2]); mo != 0 {
			if t, ok := makeDate(atoi(m[3]), int(mo), atoi(m[1]), loc); ok {
				return t, true
			}
		}
	}

	for _, m := range monthNameDayPattern.FindAllStringSubmatch(text, -1) {
		if mo := monthFromName(m[1]); mo != 0 {
			if t, ok := makeDate(atoi(m[3]), int(mo), atoi(m[2]), loc); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// relativeDate resolves phrases such as "yesterday" against the message time
func relativeDate(text string, ref time.Time) (time.Time, bool) {
	lower := strings.ToLower(text)
	switch {
	case lower == "":
		return time.Time{}, false
	case strings.Contains(lower, "day before yesterday"), strings.Contains(lower, "позавчера"):
		return ref.AddDate(0, 0, -2), true
	case strings.Contains(lower, "yesterday"), strings.Contains(lower, "вчера"):
		return ref.AddDate(0, 0, -1), true
	case strings.Contains(lower, "today"), strings.Contains(lower, "сегодня"):
		return ref, true
	}
	return time.Time{}, false
}

func monthFromName(name string) time.Month {
	r := []rune(strings.ToLower(name))
	if len(r) < 3 {
		return 0
	}
	return months[string(r[:3])]
}

func makeDate(y, m, d int, loc *time.Location) (time.Time, bool) {
	if y < 1900 || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
