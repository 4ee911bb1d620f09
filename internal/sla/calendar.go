package sla

import "time"

// WeekendCalendar treats every non-weekend day as a business day.
type WeekendCalendar struct{}

func (WeekendCalendar) IsBusinessDay(date time.Time, _ string) bool {
	return !isWeekend(date)
}

// HolidayCalendar excludes weekends plus a per-country holiday set.
// Holiday data is loaded from the external calendar collaborator; the
// map form here lets tests and dev deployments seed it directly.
type HolidayCalendar struct {
	holidays map[string]map[string]bool // country -> "2006-01-02" -> true
}

// NewHolidayCalendar builds a calendar from country-keyed holiday dates.
func NewHolidayCalendar(holidays map[string][]time.Time) *HolidayCalendar {
	c := &HolidayCalendar{holidays: make(map[string]map[string]bool)}
	for country, dates := range holidays {
		set := make(map[string]bool, len(dates))
		for _, d := range dates {
			set[d.Format("2006-01-02")] = true
		}
		c.holidays[country] = set
	}
	return c
}

func (c *HolidayCalendar) IsBusinessDay(date time.Time, country string) bool {
	if isWeekend(date) {
		return false
	}
	if set, ok := c.holidays[country]; ok {
		return !set[date.Format("2006-01-02")]
	}
	return true
}
