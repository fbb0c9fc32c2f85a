package availability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jwalitptl/teletherapy-api/internal/model"
)

// SlotMinutes is the length of every bookable slot.
const SlotMinutes = 30

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
	clockLayout = "15:04"
)

var (
	ErrInvalidDate  = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidMonth = errors.New("invalid month, expected YYYY-MM")
	ErrInvalidClock = errors.New("invalid time, expected HH:MM")
)

// CollisionPolicy decides which generated slots an existing booking removes.
type CollisionPolicy string

const (
	// CollisionStart removes only the slot starting exactly when the booking starts.
	CollisionStart CollisionPolicy = "start"
	// CollisionOverlap removes every slot intersecting the booked interval.
	CollisionOverlap CollisionPolicy = "overlap"
)

type Slot struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type BookedSlot struct {
	StartTime string `json:"startTime"`
	Duration  int    `json:"duration"`
}

type DaySlots struct {
	Date        string       `json:"date"`
	Slots       []Slot       `json:"slots"`
	BookedSlots []BookedSlot `json:"bookedSlots"`
}

type DaySummary struct {
	Date           string `json:"date"`
	AvailableSlots int    `json:"availableSlots"`
	HasSlots       bool   `json:"hasSlots"`
}

type MonthSummary struct {
	Month             string       `json:"month"`
	TherapistTimezone string       `json:"therapistTimezone"`
	Dates             []DaySummary `json:"dates"`
}

// span is a half-open interval of minutes since local midnight.
type span struct {
	start int
	end   int
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

type booking struct {
	start    int
	duration int
}

func ParseClock(value string) (int, error) {
	t, err := time.Parse(clockLayout, value)
	if err != nil {
		return 0, ErrInvalidClock
	}
	return t.Hour()*60 + t.Minute(), nil
}

func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ParseDate validates a YYYY-MM-DD string and returns local midnight of that
// day in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, value, loc)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return d, nil
}

func ParseMonth(value string, loc *time.Location) (time.Time, error) {
	m, err := time.ParseInLocation(monthLayout, value, loc)
	if err != nil {
		return time.Time{}, ErrInvalidMonth
	}
	return m, nil
}

// windowSpans returns the active windows for weekday in source order.
func windowSpans(windows []model.WeeklyAvailability, weekday time.Weekday) ([]span, error) {
	var spans []span
	for _, w := range windows {
		if !w.IsActive || w.DayOfWeek != int(weekday) {
			continue
		}
		start, err := ParseClock(w.StartTime)
		if err != nil {
			return nil, fmt.Errorf("window %s start: %w", w.ID, err)
		}
		end, err := ParseClock(w.EndTime)
		if err != nil {
			return nil, fmt.Errorf("window %s end: %w", w.ID, err)
		}
		spans = append(spans, span{start: start, end: end})
	}
	return spans, nil
}

// generateSlots walks each window in SlotMinutes steps. A trailing remainder
// shorter than a slot is dropped. Exact duplicates from overlapping windows
// keep their first position.
func generateSlots(windows []span) []span {
	seen := make(map[span]bool)
	slots := make([]span, 0)
	for _, w := range windows {
		for cursor := w.start; cursor+SlotMinutes <= w.end; cursor += SlotMinutes {
			s := span{start: cursor, end: cursor + SlotMinutes}
			if seen[s] {
				continue
			}
			seen[s] = true
			slots = append(slots, s)
		}
	}
	return slots
}

type dayInput struct {
	windows  []span
	bookings []booking
	blocked  []span
	policy   CollisionPolicy
}

func (in dayInput) taken(s span) bool {
	for _, b := range in.bookings {
		switch in.policy {
		case CollisionOverlap:
			if s.overlaps(span{start: b.start, end: b.start + b.duration}) {
				return true
			}
		default:
			if s.start == b.start {
				return true
			}
		}
	}
	for _, blk := range in.blocked {
		if s.overlaps(blk) {
			return true
		}
	}
	return false
}

func computeSlots(in dayInput) []Slot {
	out := make([]Slot, 0)
	for _, s := range generateSlots(in.windows) {
		if in.taken(s) {
			continue
		}
		out = append(out, Slot{StartTime: FormatClock(s.start), EndTime: FormatClock(s.end)})
	}
	return out
}

func bookedSlots(bookings []booking) []BookedSlot {
	sorted := make([]booking, len(bookings))
	copy(sorted, bookings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	out := make([]BookedSlot, 0, len(sorted))
	for _, b := range sorted {
		out = append(out, BookedSlot{StartTime: FormatClock(b.start), Duration: b.duration})
	}
	return out
}

// bucketBookings groups occupying appointments by local date in loc.
func bucketBookings(apts []*model.Appointment, loc *time.Location) map[string][]booking {
	byDate := make(map[string][]booking)
	for _, apt := range apts {
		if !apt.Status.OccupiesSlot() {
			continue
		}
		local := apt.ScheduledAt.In(loc)
		date := local.Format(dateLayout)
		byDate[date] = append(byDate[date], booking{
			start:    local.Hour()*60 + local.Minute(),
			duration: apt.Duration,
		})
	}
	return byDate
}

// bucketBlocked groups blocked slots by date. Malformed rows are skipped.
func bucketBlocked(blocked []model.BlockedSlot) map[string][]span {
	byDate := make(map[string][]span)
	for _, b := range blocked {
		start, err := ParseClock(b.StartTime)
		if err != nil {
			continue
		}
		end, err := ParseClock(b.EndTime)
		if err != nil {
			continue
		}
		byDate[b.Date] = append(byDate[b.Date], span{start: start, end: end})
	}
	return byDate
}
