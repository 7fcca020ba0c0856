package decide

import (
	"fmt"
	"math"
	"sort"
	"time"

	"ooda-engine/internal/domain"
)

// WorkItem is one pending repair competing for crew time.
type WorkItem struct {
	AssetID      string
	ComponentRef string
	RiskScore    float64
	FirstSeen    time.Time
	Hours        float64
}

// Assignment places a work item on a crew's day.
type Assignment struct {
	Item  WorkItem
	Crew  int
	Start time.Time
	End   time.Time
}

// Unplaced is a work item the window could not absorb.
type Unplaced struct {
	Item   WorkItem
	Reason string
}

// Plan is the outcome of one allocation pass.
type Plan struct {
	Assigned    []Assignment
	Unscheduled []Unplaced
}

// Capacity describes the crew resources available inside a window.
type Capacity struct {
	Window      domain.Window
	Crews       int
	HoursPerDay float64
}

func (c Capacity) validate() error {
	if !c.Window.End.After(c.Window.Start) {
		return fmt.Errorf("schedule window end must follow start: %w", domain.ErrValidation)
	}
	if c.Crews < 1 {
		return fmt.Errorf("crews_available must be at least 1: %w", domain.ErrValidation)
	}
	if c.HoursPerDay <= 0 || c.HoursPerDay > 24 {
		return fmt.Errorf("hours_per_day must lie in (0,24]: %w", domain.ErrValidation)
	}
	return nil
}

// SortWorkItems orders items by descending risk; ties go to the earliest finding.
func SortWorkItems(items []WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		if !a.FirstSeen.Equal(b.FirstSeen) {
			return a.FirstSeen.Before(b.FirstSeen)
		}
		if a.AssetID != b.AssetID {
			return a.AssetID < b.AssetID
		}
		return a.ComponentRef < b.ComponentRef
	})
}

// Allocate greedily places items into the earliest free gap of a crew's
// working day. booked schedules hold their crew's clock time wherever they
// overlap the window.
func Allocate(items []WorkItem, capacity Capacity, booked []domain.Schedule) (Plan, error) {
	if err := capacity.validate(); err != nil {
		return Plan{}, err
	}

	busy := make([][]interval, capacity.Crews)
	for _, s := range booked {
		if s.Status != domain.ScheduleScheduled || s.Crew < 1 || s.Crew > capacity.Crews {
			continue
		}
		iv := bookedInterval(s)
		if !iv.end.After(capacity.Window.Start) || !iv.start.Before(capacity.Window.End) {
			continue
		}
		busy[s.Crew-1] = insertInterval(busy[s.Crew-1], iv)
	}

	ordered := append([]WorkItem(nil), items...)
	SortWorkItems(ordered)

	days := dayStarts(capacity.Window)
	var plan Plan
	for _, item := range ordered {
		if item.Hours <= 0 || math.IsNaN(item.Hours) {
			plan.Unscheduled = append(plan.Unscheduled, Unplaced{Item: item, Reason: "task hours must be positive"})
			continue
		}
		if item.Hours > capacity.HoursPerDay {
			plan.Unscheduled = append(plan.Unscheduled, Unplaced{Item: item, Reason: fmt.Sprintf("task needs %.1fh, crews work %.1fh per day", item.Hours, capacity.HoursPerDay)})
			continue
		}

		need := hoursToDuration(item.Hours)
		placed := false
		for _, dayStart := range days {
			shift := interval{start: dayStart, end: dayStart.Add(hoursToDuration(dayCapacity(dayStart, capacity)))}
			for crew := 0; crew < capacity.Crews; crew++ {
				start, ok := firstGap(busy[crew], shift, need)
				if !ok {
					continue
				}
				slot := interval{start: start, end: start.Add(need)}
				busy[crew] = insertInterval(busy[crew], slot)
				plan.Assigned = append(plan.Assigned, Assignment{
					Item:  item,
					Crew:  crew + 1,
					Start: slot.start,
					End:   slot.end,
				})
				placed = true
				break
			}
			if placed {
				break
			}
		}
		if !placed {
			plan.Unscheduled = append(plan.Unscheduled, Unplaced{Item: item, Reason: "no crew capacity left in window"})
		}
	}
	return plan, nil
}

// interval is a half-open [start, end) span of crew time.
type interval struct {
	start time.Time
	end   time.Time
}

func bookedInterval(s domain.Schedule) interval {
	end := s.End
	if !end.After(s.Start) {
		end = s.Start.Add(hoursToDuration(s.Hours))
	}
	return interval{start: s.Start, end: end}
}

// insertInterval keeps spans sorted by start.
func insertInterval(spans []interval, iv interval) []interval {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].start.After(iv.start) })
	spans = append(spans, interval{})
	copy(spans[i+1:], spans[i:])
	spans[i] = iv
	return spans
}

// firstGap returns the earliest start inside shift where need fits between
// the busy spans.
func firstGap(spans []interval, shift interval, need time.Duration) (time.Time, bool) {
	cursor := shift.start
	for _, b := range spans {
		if !b.end.After(cursor) {
			continue
		}
		if !b.start.Before(shift.end) {
			break
		}
		if b.start.Sub(cursor) >= need {
			return cursor, true
		}
		cursor = b.end
	}
	if shift.end.Sub(cursor) >= need {
		return cursor, true
	}
	return time.Time{}, false
}

func dayStarts(w domain.Window) []time.Time {
	var days []time.Time
	for d := w.Start; d.Before(w.End); d = d.Add(24 * time.Hour) {
		days = append(days, d)
	}
	return days
}

// dayCapacity truncates the working day at the window end.
func dayCapacity(dayStart time.Time, c Capacity) float64 {
	remaining := c.Window.End.Sub(dayStart).Hours()
	return math.Min(c.HoursPerDay, remaining)
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
