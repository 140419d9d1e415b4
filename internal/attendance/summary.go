package attendance

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Summary aggregates approved, closed entries over one calendar month.
type Summary struct {
	Subject          string       `json:"subject"`
	Year             int          `json:"year"`
	Month            int          `json:"month"`
	DaysWorked       int          `json:"days_worked"`
	ExpectedWorkdays int          `json:"expected_workdays"`
	TotalHours       float64      `json:"total_hours"`
	FullAttendance   bool         `json:"is_full_attendance"`
	Days             []DaySummary `json:"details"`
}

// DaySummary is one worked calendar day.
type DaySummary struct {
	Date         string    `json:"work_date"`
	FirstCheckIn time.Time `json:"first_check_in"`
	LastCheckOut time.Time `json:"last_check_out"`
	Hours        float64   `json:"hours_worked"`
}

// MonthlySummary reports attendance for subject in the given UTC month.
func (s *Service) MonthlySummary(ctx context.Context, viewer, subject string, year, month int) (Summary, error) {
	if month < 1 || month > 12 || year < 1970 || year > 9999 {
		return Summary{}, fmt.Errorf("%w: invalid year or month", ErrInvalidInput)
	}
	if viewer != subject {
		if err := s.authz.CanApprove(ctx, viewer, subject); err != nil {
			return Summary{}, err
		}
	}
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	entries, err := s.store.ApprovedEntries(ctx, subject, from, to)
	if err != nil {
		return Summary{}, err
	}
	return summarize(subject, from, to, entries), nil
}

func summarize(subject string, from, to time.Time, entries []TimeEntry) Summary {
	out := Summary{
		Subject:          subject,
		Year:             from.Year(),
		Month:            int(from.Month()),
		ExpectedWorkdays: countWeekdays(from, to),
		Days:             []DaySummary{},
	}
	index := map[string]int{}
	var total float64
	for _, e := range entries {
		if e.OutTime == nil {
			continue
		}
		date := e.InTime.UTC().Format("2006-01-02")
		i, ok := index[date]
		if !ok {
			out.Days = append(out.Days, DaySummary{
				Date:         date,
				FirstCheckIn: e.InTime,
				LastCheckOut: *e.OutTime,
			})
			i = len(out.Days) - 1
			index[date] = i
		}
		day := &out.Days[i]
		if e.InTime.Before(day.FirstCheckIn) {
			day.FirstCheckIn = e.InTime
		}
		if e.OutTime.After(day.LastCheckOut) {
			day.LastCheckOut = *e.OutTime
		}
		day.Hours += e.Hours()
		total += e.Hours()
	}
	for i := range out.Days {
		out.Days[i].Hours = round2(out.Days[i].Hours)
	}
	out.DaysWorked = len(out.Days)
	out.TotalHours = round2(total)
	out.FullAttendance = out.DaysWorked >= out.ExpectedWorkdays
	return out
}

func countWeekdays(from, to time.Time) int {
	n := 0
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
