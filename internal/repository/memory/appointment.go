package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
)

// AppointmentStore is an in-process AppointmentRepository.
type AppointmentStore struct {
	mu   sync.RWMutex
	apts map[uuid.UUID]*model.Appointment
}

func NewAppointmentStore() *AppointmentStore {
	return &AppointmentStore{apts: make(map[uuid.UUID]*model.Appointment)}
}

var _ repository.AppointmentRepository = (*AppointmentStore)(nil)

func (s *AppointmentStore) Create(ctx context.Context, apt *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apt.ID == uuid.Nil {
		apt.ID = uuid.New()
	}
	now := time.Now()
	apt.CreatedAt, apt.UpdatedAt = now, now
	cp := *apt
	s.apts[apt.ID] = &cp
	return nil
}

func (s *AppointmentStore) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apt, ok := s.apts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *apt
	return &cp, nil
}

func (s *AppointmentStore) List(ctx context.Context, filters model.AppointmentFilters) ([]*model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*model.Appointment{}
	for _, apt := range s.apts {
		if !matches(apt, filters) {
			continue
		}
		cp := *apt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func matches(apt *model.Appointment, f model.AppointmentFilters) bool {
	if f.TherapistID != nil && apt.TherapistID != *f.TherapistID {
		return false
	}
	if f.UserID != "" && apt.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if apt.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && apt.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !apt.ScheduledAt.Before(*f.To) {
		return false
	}
	return true
}

func (s *AppointmentStore) ListByTherapistInRange(ctx context.Context, therapistID uuid.UUID, from, to time.Time, statuses []model.AppointmentStatus) ([]*model.Appointment, error) {
	return s.List(ctx, model.AppointmentFilters{
		TherapistID: &therapistID,
		Statuses:    statuses,
		From:        &from,
		To:          &to,
	})
}

func (s *AppointmentStore) HasActiveAt(ctx context.Context, therapistID uuid.UUID, at time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, apt := range s.apts {
		if apt.TherapistID == therapistID && apt.ScheduledAt.Equal(at) && apt.Status.OccupiesSlot() {
			return true, nil
		}
	}
	return false, nil
}

func (s *AppointmentStore) UpdateStatus(ctx context.Context, id uuid.UUID, change model.StatusChange) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apt, ok := s.apts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if apt.Status != change.From {
		return nil, repository.ErrConflict
	}

	apt.Status = change.To
	if change.CancelReason != nil {
		apt.CancelReason = change.CancelReason
	}
	if change.CancelledBy != nil {
		apt.CancelledBy = change.CancelledBy
	}
	if change.RefundTier != nil {
		apt.RefundTier = change.RefundTier
	}
	apt.UpdatedAt = time.Now()

	cp := *apt
	return &cp, nil
}
