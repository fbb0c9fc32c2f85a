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

// TherapistStore is an in-process TherapistRepository.
type TherapistStore struct {
	mu         sync.RWMutex
	therapists map[uuid.UUID]*model.Therapist
	windows    map[uuid.UUID][]model.WeeklyAvailability
	blocked    map[uuid.UUID][]model.BlockedSlot
}

func NewTherapistStore() *TherapistStore {
	return &TherapistStore{
		therapists: make(map[uuid.UUID]*model.Therapist),
		windows:    make(map[uuid.UUID][]model.WeeklyAvailability),
		blocked:    make(map[uuid.UUID][]model.BlockedSlot),
	}
}

var _ repository.TherapistRepository = (*TherapistStore)(nil)

// Put inserts or replaces a therapist record.
func (s *TherapistStore) Put(t *model.Therapist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.therapists[t.ID] = &cp
}

func (s *TherapistStore) Get(ctx context.Context, id uuid.UUID) (*model.Therapist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.therapists[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TherapistStore) ListWeeklyAvailability(ctx context.Context, therapistID uuid.UUID) ([]model.WeeklyAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WeeklyAvailability, len(s.windows[therapistID]))
	copy(out, s.windows[therapistID])
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *TherapistStore) ReplaceWeeklyAvailability(ctx context.Context, therapistID uuid.UUID, windows []model.WeeklyAvailability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]model.WeeklyAvailability, len(windows))
	for i := range windows {
		w := &windows[i]
		if w.ID == uuid.Nil {
			w.ID = uuid.New()
		}
		w.TherapistID = therapistID
		w.Position = i
		stored[i] = *w
	}
	s.windows[therapistID] = stored
	return nil
}

func (s *TherapistStore) ListBlockedSlots(ctx context.Context, therapistID uuid.UUID, fromDate, toDate string) ([]model.BlockedSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.BlockedSlot{}
	for _, b := range s.blocked[therapistID] {
		if b.Date >= fromDate && b.Date <= toDate {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (s *TherapistStore) CreateBlockedSlot(ctx context.Context, slot *model.BlockedSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot.ID = uuid.New()
	slot.CreatedAt = time.Now()
	s.blocked[slot.TherapistID] = append(s.blocked[slot.TherapistID], *slot)
	return nil
}

func (s *TherapistStore) DeleteBlockedSlot(ctx context.Context, therapistID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.blocked[therapistID]
	for i, b := range slots {
		if b.ID == id {
			s.blocked[therapistID] = append(slots[:i:i], slots[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}
