package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

type Config struct {
	RespectBlockedSlots bool
	CollisionPolicy     CollisionPolicy
	CacheTTL            time.Duration
}

// schedule is the cached, rarely changing part of a therapist's availability.
type schedule struct {
	therapist *model.Therapist
	windows   []model.WeeklyAvailability
}

type Service struct {
	therapists   repository.TherapistRepository
	appointments repository.AppointmentRepository
	cache        *cache.Cache
	cfg          Config
	metrics      *metrics.Metrics
	logger       *logger.Logger
}

func NewService(
	therapists repository.TherapistRepository,
	appointments repository.AppointmentRepository,
	cfg Config,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	if cfg.CollisionPolicy == "" {
		cfg.CollisionPolicy = CollisionStart
	}
	return &Service{
		therapists:   therapists,
		appointments: appointments,
		cache:        cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		cfg:          cfg,
		metrics:      m,
		logger:       log,
	}
}

// GetAvailableSlots returns the free slots of one local calendar day.
func (s *Service) GetAvailableSlots(ctx context.Context, therapistID, date string) (*DaySlots, error) {
	defer s.observe("slots", time.Now())

	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, apperrors.NewBadRequest(ErrInvalidDate.Error(), err)
	}

	sched, err := s.loadSchedule(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	loc := sched.therapist.Location()
	day, _ := ParseDate(date, loc)

	result := &DaySlots{Date: date, Slots: []Slot{}, BookedSlots: []BookedSlot{}}

	windows, err := windowSpans(sched.windows, day.Weekday())
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	if len(windows) == 0 {
		return result, nil
	}

	apts, err := s.appointments.ListByTherapistInRange(ctx, sched.therapist.ID, day, day.AddDate(0, 0, 1), model.SlotOccupyingStatuses)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	bookings := bucketBookings(apts, loc)[date]

	blocked, err := s.blockedByDate(ctx, sched.therapist.ID, date, date)
	if err != nil {
		return nil, err
	}

	result.Slots = computeSlots(dayInput{
		windows:  windows,
		bookings: bookings,
		blocked:  blocked[date],
		policy:   s.cfg.CollisionPolicy,
	})
	result.BookedSlots = bookedSlots(bookings)
	return result, nil
}

// GetAvailabilitySummary counts free slots for every day of a month. Bookings
// and blocked slots are fetched once for the whole month.
func (s *Service) GetAvailabilitySummary(ctx context.Context, therapistID, month string) (*MonthSummary, error) {
	defer s.observe("summary", time.Now())

	if _, err := time.Parse(monthLayout, month); err != nil {
		return nil, apperrors.NewBadRequest(ErrInvalidMonth.Error(), err)
	}

	sched, err := s.loadSchedule(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	loc := sched.therapist.Location()
	first, _ := ParseMonth(month, loc)
	next := first.AddDate(0, 1, 0)

	byWeekday := make(map[time.Weekday][]span, 7)
	anyWindows := false
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		spans, err := windowSpans(sched.windows, wd)
		if err != nil {
			return nil, apperrors.NewInternal(err)
		}
		byWeekday[wd] = spans
		anyWindows = anyWindows || len(spans) > 0
	}

	var (
		bookings = map[string][]booking{}
		blocked  = map[string][]span{}
	)
	if anyWindows {
		apts, err := s.appointments.ListByTherapistInRange(ctx, sched.therapist.ID, first, next, model.SlotOccupyingStatuses)
		if err != nil {
			return nil, apperrors.NewInternal(err)
		}
		bookings = bucketBookings(apts, loc)

		blocked, err = s.blockedByDate(ctx, sched.therapist.ID,
			first.Format(dateLayout), next.AddDate(0, 0, -1).Format(dateLayout))
		if err != nil {
			return nil, err
		}
	}

	summary := &MonthSummary{
		Month:             month,
		TherapistTimezone: sched.therapist.TimezoneName(),
		Dates:             make([]DaySummary, 0, 31),
	}
	for day := first; day.Before(next); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		slots := computeSlots(dayInput{
			windows:  byWeekday[day.Weekday()],
			bookings: bookings[date],
			blocked:  blocked[date],
			policy:   s.cfg.CollisionPolicy,
		})
		summary.Dates = append(summary.Dates, DaySummary{
			Date:           date,
			AvailableSlots: len(slots),
			HasSlots:       len(slots) > 0,
		})
	}
	return summary, nil
}

// IsSlotOffered reports whether at is the start of a free slot.
func (s *Service) IsSlotOffered(ctx context.Context, therapistID uuid.UUID, at time.Time) (bool, error) {
	sched, err := s.loadSchedule(ctx, therapistID.String())
	if err != nil {
		return false, err
	}
	local := at.In(sched.therapist.Location())
	if local.Second() != 0 || local.Nanosecond() != 0 {
		return false, nil
	}

	day, err := s.GetAvailableSlots(ctx, therapistID.String(), local.Format(dateLayout))
	if err != nil {
		return false, err
	}
	start := local.Format(clockLayout)
	for _, slot := range day.Slots {
		if slot.StartTime == start {
			return true, nil
		}
	}
	return false, nil
}

// loadSchedule caches by the canonical id so invalidate reaches every
// spelling uuid.Parse accepts.
func (s *Service) loadSchedule(ctx context.Context, therapistID string) (*schedule, error) {
	id, err := uuid.Parse(therapistID)
	if err != nil {
		return nil, apperrors.NewNotFound("therapist", err)
	}
	key := id.String()

	if cached, ok := s.cache.Get(key); ok {
		s.metrics.ScheduleCacheHits.WithLabelValues("hit").Inc()
		return cached.(*schedule), nil
	}
	s.metrics.ScheduleCacheHits.WithLabelValues("miss").Inc()

	therapist, err := s.therapists.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("therapist", err)
		}
		return nil, apperrors.NewInternal(err)
	}

	windows, err := s.therapists.ListWeeklyAvailability(ctx, id)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}

	sched := &schedule{therapist: therapist, windows: windows}
	s.cache.SetDefault(key, sched)
	return sched, nil
}

func (s *Service) blockedByDate(ctx context.Context, therapistID uuid.UUID, from, to string) (map[string][]span, error) {
	if !s.cfg.RespectBlockedSlots {
		return map[string][]span{}, nil
	}
	blocked, err := s.therapists.ListBlockedSlots(ctx, therapistID, from, to)
	if err != nil {
		return nil, apperrors.NewInternal(fmt.Errorf("blocked slots: %w", err))
	}
	return bucketBlocked(blocked), nil
}

func (s *Service) invalidate(therapistID uuid.UUID) {
	s.cache.Delete(therapistID.String())
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.AvailabilityLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
