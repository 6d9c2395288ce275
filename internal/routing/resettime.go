package routing

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxResetDelay bounds relative reset times. Larger offsets are treated
// as unparseable so the next matcher, or the default window, applies.
const maxResetDelay = 30 * 24 * time.Hour

// A matcher extracts a reset instant from a provider error message.
type matcher func(msg string, now time.Time) (time.Time, bool)

// Tried in order; first hit wins.
var matchers = []matcher{
	matchResetsAt,
	matchTryAgainAt,
	matchRetryAfter,
	matchWait,
	matchInAbout,
	matchUsageLimitMinutes,
}

var (
	resetsAtRe   = regexp.MustCompile(`(?i)resets?\s+at\s+(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)`)
	tryAgainAtRe = regexp.MustCompile(`(?i)try\s+again\s+at\s+(\d{1,2}):(\d{2})(?:\s*([ap])\.?m\.?)?`)
	retryAfterRe = regexp.MustCompile(`(?i)retry[\s-]+after:?\s*(\d+)\s*(?:s|secs?|seconds?)?\b`)
	waitRe       = regexp.MustCompile(`(?i)wait\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h)\b`)
	inAboutRe    = regexp.MustCompile(`(?i)\bin\s+~?\s*(\d+)\s*(?:minutes?|mins?)\b`)
	usageMinRe   = regexp.MustCompile(`(?i)usage\s+limit.*?(\d+)\s*(?:minutes?|mins?)\b`)
	genericRe    = regexp.MustCompile(`(?i)rate[\s_-]?limit|usage\s+limit`)
)

// ParseResetTime extracts when a throttle lifts from free-form error
// text. A message that only mentions a rate or usage limit resets one
// hour after now. ok is false when nothing in the text applies.
func ParseResetTime(msg string, now time.Time) (time.Time, bool) {
	for _, m := range matchers {
		if t, ok := m(msg, now); ok {
			return t, true
		}
	}
	if genericRe.MatchString(msg) {
		return now.Add(time.Hour), true
	}
	return time.Time{}, false
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func matchResetsAt(msg string, now time.Time) (time.Time, bool) {
	m := resetsAtRe.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, m[1]); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// "try again at 3:45 PM" is wall-clock time in now's location. A time
// already passed today means tomorrow.
func matchTryAgainAt(msg string, now time.Time) (time.Time, bool) {
	m := tryAgainAtRe.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	switch strings.ToLower(m[3]) {
	case "p":
		if hour < 12 {
			hour += 12
		}
	case "a":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}

func matchRetryAfter(msg string, now time.Time) (time.Time, bool) {
	return afterUnits(retryAfterRe, msg, now, time.Second)
}

func matchWait(msg string, now time.Time) (time.Time, bool) {
	m := waitRe.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}
	unit := time.Minute
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		unit = time.Hour
	}
	return offset(now, m[1], unit)
}

func matchInAbout(msg string, now time.Time) (time.Time, bool) {
	return afterUnits(inAboutRe, msg, now, time.Minute)
}

func matchUsageLimitMinutes(msg string, now time.Time) (time.Time, bool) {
	return afterUnits(usageMinRe, msg, now, time.Minute)
}

func afterUnits(re *regexp.Regexp, msg string, now time.Time, unit time.Duration) (time.Time, bool) {
	m := re.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}
	return offset(now, m[1], unit)
}

// offset returns now + digits*unit, rejecting counts past maxResetDelay.
func offset(now time.Time, digits string, unit time.Duration) (time.Time, bool) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > int64(maxResetDelay/unit) {
		return time.Time{}, false
	}
	return now.Add(time.Duration(n) * unit), true
}
