package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/teletherapy-api/internal/middleware"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository/memory"
	"github.com/jwalitptl/teletherapy-api/internal/service/appointment"
	"github.com/jwalitptl/teletherapy-api/internal/service/availability"
	"github.com/jwalitptl/teletherapy-api/internal/service/event"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTokens map[string]model.Actor

func (s stubTokens) ParseAccessToken(raw string) (model.Actor, error) {
	if a, ok := s[raw]; ok {
		return a, nil
	}
	return model.Actor{}, errors.New("bad token")
}

type env struct {
	router      *gin.Engine
	therapistID uuid.UUID
	events      *event.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	therapists := memory.NewTherapistStore()
	appointments := memory.NewAppointmentStore()

	th := &model.Therapist{UserID: "therapist-1", Name: "Dr. Okafor", Timezone: "UTC", Status: model.TherapistStatusActive}
	th.ID = uuid.New()
	therapists.Put(th)
	require.NoError(t, therapists.ReplaceWeeklyAvailability(context.Background(), th.ID, []model.WeeklyAvailability{
		{DayOfWeek: int(time.Monday), StartTime: "09:00", EndTime: "12:00", IsActive: true},
	}))

	slots := availability.NewService(therapists, appointments, availability.Config{RespectBlockedSlots: true}, metrics.NewNop(), logger.Nop())
	events := event.NewRecorder()
	svc := appointment.NewService(appointments, therapists, slots, events, logger.Nop())

	authn := middleware.NewAuthMiddleware(stubTokens{
		"user":      {UserID: "user-1", Role: model.RoleUser},
		"stranger":  {UserID: "user-2", Role: model.RoleUser},
		"therapist": {UserID: "therapist-1", Role: model.RoleTherapist, TherapistID: th.ID},
	})

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	NewHandler(svc).RegisterRoutes(r.Group("/api/v1", authn.Authenticate()))
	return &env{router: r, therapistID: th.ID, events: events}
}

func (e *env) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func data[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data
}

// nextMondayAt returns a 09:00 UTC Monday at least a week ahead.
func nextMondayAt(hour, minute int) time.Time {
	d := time.Now().UTC().AddDate(0, 0, 7)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, time.UTC)
}

func (e *env) book(t *testing.T, at time.Time) *model.Appointment {
	t.Helper()
	body := fmt.Sprintf(`{"therapist_id":%q,"scheduled_at":%q}`, e.therapistID, at.Format(time.RFC3339))
	w := e.do(http.MethodPost, "/api/v1/appointments", "user", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return data[*model.Appointment](t, w)
}

func TestCreateAppointment(t *testing.T) {
	e := newEnv(t)
	at := nextMondayAt(9, 30)

	apt := e.book(t, at)
	assert.Equal(t, model.AppointmentStatusPending, apt.Status)
	assert.Equal(t, appointment.DefaultDuration, apt.Duration)
	assert.True(t, at.Equal(apt.ScheduledAt))
	require.Len(t, e.events.Events(), 1)

	body := fmt.Sprintf(`{"therapist_id":%q,"scheduled_at":%q}`, e.therapistID, at.Format(time.RFC3339))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/appointments", "user", body).Code, "double booking")
	w := e.do(http.MethodPost, "/api/v1/appointments", "therapist", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "role not permitted")

	offGrid := fmt.Sprintf(`{"therapist_id":%q,"scheduled_at":%q}`, e.therapistID, nextMondayAt(9, 15).Format(time.RFC3339))
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/appointments", "user", offGrid).Code)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/appointments", "user", `{"therapist_id":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/v1/appointments", "user", `{`).Code)
}

func TestGetAndListAppointments(t *testing.T) {
	e := newEnv(t)
	first := e.book(t, nextMondayAt(9, 0))
	e.book(t, nextMondayAt(10, 0))

	w := e.do(http.MethodGet, "/api/v1/appointments/"+first.ID.String(), "therapist", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.ID, data[*model.Appointment](t, w).ID)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/v1/appointments/"+first.ID.String(), "stranger", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/appointments/"+uuid.NewString(), "user", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/appointments/nope", "user", "").Code)

	w = e.do(http.MethodGet, "/api/v1/appointments?status=PENDING&limit=1", "user", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data[[]*model.Appointment](t, w), 1)

	w = e.do(http.MethodGet, "/api/v1/appointments", "stranger", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, data[[]*model.Appointment](t, w))

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/appointments?status=BOGUS", "user", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/appointments?from=yesterday", "user", "").Code)
}

func TestUpdateAppointmentStatus(t *testing.T) {
	e := newEnv(t)
	apt := e.book(t, nextMondayAt(11, 0))
	path := "/api/v1/appointments/" + apt.ID.String() + "/status"

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPatch, path, "user", `{"status":"CONFIRMED"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPatch, path, "therapist", `{"status":"PENDING"}`).Code)

	w := e.do(http.MethodPatch, path, "therapist", `{"status":"CONFIRMED"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.AppointmentStatusConfirmed, data[*model.Appointment](t, w).Status)

	w = e.do(http.MethodPatch, path, "user", `{"status":"CANCELLED","reason":"travel"}`)
	require.Equal(t, http.StatusOK, w.Code)
	cancelled := data[*model.Appointment](t, w)
	assert.Equal(t, model.AppointmentStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.RefundTier)
	assert.Equal(t, model.RefundTierFull, *cancelled.RefundTier)
}
