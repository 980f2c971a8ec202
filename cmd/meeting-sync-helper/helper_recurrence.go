// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var weekdaysABBRV = []string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}
var recurrenceFreqName = []string{"Daily", "Weekly", "Monthly"}

// zoomRecurrence is the recurrence schema Zoom returns on a recurring
// meeting definition.
type zoomRecurrence struct {
	// Type is the recurrence type: 1 daily, 2 weekly, 3 monthly.
	Type int `json:"type"`

	// RepeatInterval is the interval between occurrences in units of Type.
	RepeatInterval int `json:"repeat_interval"`

	// WeeklyDays is the comma-separated weekday list for weekly meetings,
	// where 1 is Sunday and 7 is Saturday.
	WeeklyDays string `json:"weekly_days,omitempty"`

	// MonthlyDay is the day of the month for monthly meetings.
	MonthlyDay int `json:"monthly_day,omitempty"`

	// MonthlyWeek and MonthlyWeekDay select the nth weekday of the month,
	// as an alternative to MonthlyDay.
	MonthlyWeek    int `json:"monthly_week,omitempty"`
	MonthlyWeekDay int `json:"monthly_week_day,omitempty"`

	// EndTimes is the number of occurrences the pattern repeats for.
	EndTimes int `json:"end_times,omitempty"`

	// EndDateTime is the RFC3339 time the pattern ends at.
	EndDateTime string `json:"end_date_time,omitempty"`
}

// expandOccurrences calculates the concrete occurrence start times of a
// recurring meeting that fall inside [from, to].
func expandOccurrences(startTime time.Time, recurrence zoomRecurrence, from, to time.Time) ([]time.Time, error) {
	rruleString, err := buildRRule(recurrence)
	if err != nil {
		return nil, err
	}

	r, err := rrule.StrToRRule(rruleString)
	if err != nil {
		return nil, fmt.Errorf("parsing recurrence rule %q: %w", rruleString, err)
	}
	r.DTStart(startTime.UTC())

	set := rrule.Set{}
	set.RRule(r)

	return set.Between(from, to, true), nil
}

// buildRRule returns the RRULE string for a meeting recurrence.
func buildRRule(recurrence zoomRecurrence) (string, error) {
	var rule strings.Builder

	if recurrence.Type < 1 || recurrence.Type > 3 {
		return "", fmt.Errorf("invalid recurrence type: %d", recurrence.Type)
	}

	rule.WriteString(fmt.Sprintf("FREQ=%s;", strings.ToUpper(recurrenceFreqName[recurrence.Type-1])))
	rule.WriteString("WKST=SU;")

	if recurrence.RepeatInterval != 0 {
		rule.WriteString(fmt.Sprintf("INTERVAL=%d;", recurrence.RepeatInterval))
	}

	if recurrence.WeeklyDays != "" {
		s, err := parseByDay(recurrence.WeeklyDays)
		if err != nil {
			return "", err
		}
		rule.WriteString(fmt.Sprintf("BYDAY=%s;", s))
	} else if recurrence.MonthlyWeek != 0 && recurrence.MonthlyWeekDay != 0 {
		rule.WriteString(fmt.Sprintf("BYDAY=%d%s;", recurrence.MonthlyWeek, weekdaysABBRV[recurrence.MonthlyWeekDay-1]))
	}

	if recurrence.MonthlyDay != 0 {
		switch recurrence.MonthlyDay {
		case 29:
			rule.WriteString("BYMONTHDAY=28,29;BYSETPOS=-1;") // fall back to the 28th on months with 28 days
		case 30:
			rule.WriteString("BYMONTHDAY=28,29,30;BYSETPOS=-1;")
		case 31:
			rule.WriteString("BYMONTHDAY=28,29,30,31;BYSETPOS=-1;")
		default:
			rule.WriteString(fmt.Sprintf("BYMONTHDAY=%d;", recurrence.MonthlyDay))
		}
	}

	if recurrence.EndDateTime != "" {
		t, err := time.Parse(time.RFC3339, recurrence.EndDateTime)
		if err != nil {
			return "", fmt.Errorf("parsing recurrence end_date_time %s: %w", recurrence.EndDateTime, err)
		}
		rule.WriteString(fmt.Sprintf("UNTIL=%s;", t.UTC().Format("20060102T150405Z")))
	} else if recurrence.EndTimes != 0 {
		rule.WriteString(fmt.Sprintf("COUNT=%d;", recurrence.EndTimes))
	}

	return strings.TrimSuffix(rule.String(), ";"), nil
}

// parseByDay takes a list of weekdays as a string and returns the list of
// abbreviations as a string where 1 is Sunday and 7 is Saturday
// (e.g. "2,3,6" -> "MO,TU,FR").
func parseByDay(days string) (string, error) {
	stringSlice := strings.Split(days, ",")
	var weekdays strings.Builder
	emitted := 0
	for _, item := range stringSlice {
		weekdayNum, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil {
			return "", err
		}
		// A weekday can only be 1-7. Skip numbers that are not in this range.
		if weekdayNum < 1 || weekdayNum > 7 {
			continue
		}
		// The separator tracks emitted entries, not input position, so a
		// skipped leading entry cannot produce ",MO".
		if emitted > 0 {
			weekdays.WriteString(",")
		}
		weekdays.WriteString(weekdaysABBRV[weekdayNum-1])
		emitted++
	}
	return weekdays.String(), nil
}
