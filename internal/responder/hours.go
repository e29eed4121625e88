package responder

import (
	"strconv"
	"strings"
	"time"

	"crm-wa/internal/repo"
)

// withinWorkingHours evaluates the tenant's automation window in its own
// timezone. An unparseable timezone falls back to UTC rather than silencing
// the bot. A start hour equal to the end hour means the window is always
// open; an end hour before the start hour wraps past midnight.
func withinWorkingHours(t *repo.Tenant, now time.Time) bool {
	loc := time.UTC
	if t.Timezone != "" {
		if parsed, err := time.LoadLocation(t.Timezone); err == nil {
			loc = parsed
		}
	}
	local := now.In(loc)

	if !workDayAllowed(t.WorkDays, local.Weekday()) {
		return false
	}

	start, end := t.WorkStartHour, t.WorkEndHour
	if start == end {
		return true
	}
	hour := local.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	// Overnight window, e.g. 22 to 6.
	return hour >= start || hour < end
}

// workDayAllowed matches the weekday against the ISO digits in days
// ("12345" is Monday through Friday). Empty means every day.
func workDayAllowed(days string, weekday time.Weekday) bool {
	if strings.TrimSpace(days) == "" {
		return true
	}
	iso := int(weekday)
	if iso == 0 {
		iso = 7 // Sunday
	}
	return strings.Contains(days, strconv.Itoa(iso))
}
