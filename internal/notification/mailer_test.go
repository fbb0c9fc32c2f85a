package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository/memory"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/messaging"
)

type captureSender struct {
	sent []*gomail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m...)
	return nil
}

type topicRecorder struct {
	topics []string
}

func (r *topicRecorder) Subscribe(_ context.Context, topic string, _ messaging.Handler) error {
	r.topics = append(r.topics, topic)
	return nil
}

func setup(t *testing.T, email string) (*Mailer, *captureSender, *model.Therapist) {
	t.Helper()
	therapists := memory.NewTherapistStore()
	therapist := &model.Therapist{
		Base:     model.Base{ID: uuid.New()},
		UserID:   "therapist-1",
		Name:     "Dr. Rivera",
		Email:    email,
		Timezone: "America/New_York",
	}
	therapists.Put(therapist)

	sender := &captureSender{}
	return NewMailer(therapists, sender, "no-reply@teletherapy.local", logger.Nop()), sender, therapist
}

func message(t *testing.T, eventType string, evt model.AppointmentEvent) messaging.Message {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return messaging.Message{ID: uuid.New(), Type: eventType, Payload: payload}
}

func body(t *testing.T, m *gomail.Message) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestCreatedEventEmailsTherapist(t *testing.T) {
	mailer, sender, therapist := setup(t, "rivera@example.com")

	evt := model.AppointmentEvent{
		AppointmentID: uuid.New(),
		TherapistID:   therapist.ID,
		UserID:        "user-1",
		ScheduledAt:   time.Date(2024, 2, 5, 15, 0, 0, 0, time.UTC),
		Duration:      30,
		Status:        model.AppointmentStatusPending,
		Actor:         model.RoleUser,
	}
	require.NoError(t, mailer.HandleAppointmentEvent(context.Background(), message(t, model.EventAppointmentCreated, evt)))

	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, []string{"New appointment request"}, m.GetHeader("Subject"))
	assert.Contains(t, m.GetHeader("To")[0], "rivera@example.com")

	text := body(t, m)
	assert.Contains(t, text, "10:00")
	assert.Contains(t, text, "America/New_York")
	assert.Contains(t, text, evt.AppointmentID.String())
}

func TestStatusChangeByTherapistIsNotEmailed(t *testing.T) {
	mailer, sender, therapist := setup(t, "rivera@example.com")

	evt := model.AppointmentEvent{
		AppointmentID: uuid.New(),
		TherapistID:   therapist.ID,
		Status:        model.AppointmentStatusConfirmed,
		Actor:         model.RoleTherapist,
	}
	require.NoError(t, mailer.HandleAppointmentEvent(context.Background(), message(t, model.EventAppointmentStatusChanged, evt)))
	assert.Empty(t, sender.sent)

	evt.Status = model.AppointmentStatusCancelled
	evt.Actor = model.RoleUser
	evt.Reason = "travel"
	require.NoError(t, mailer.HandleAppointmentEvent(context.Background(), message(t, model.EventAppointmentStatusChanged, evt)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"Appointment cancelled"}, sender.sent[0].GetHeader("Subject"))
	assert.Contains(t, body(t, sender.sent[0]), "travel")
}

func TestSkipsWithoutRecipient(t *testing.T) {
	mailer, sender, therapist := setup(t, "")

	evt := model.AppointmentEvent{TherapistID: therapist.ID, Actor: model.RoleUser}
	require.NoError(t, mailer.HandleAppointmentEvent(context.Background(), message(t, model.EventAppointmentCreated, evt)))

	evt.TherapistID = uuid.New()
	require.NoError(t, mailer.HandleAppointmentEvent(context.Background(), message(t, model.EventAppointmentCreated, evt)))
	assert.Empty(t, sender.sent)
}

func TestSendFailureIsReturned(t *testing.T) {
	mailer, sender, therapist := setup(t, "rivera@example.com")
	sender.err = errors.New("smtp unavailable")

	evt := model.AppointmentEvent{TherapistID: therapist.ID, Actor: model.RoleUser}
	assert.Error(t, mailer.HandleAppointmentEvent(context.Background(), message(t, model.EventAppointmentCreated, evt)))

	err := mailer.HandleAppointmentEvent(context.Background(), messaging.Message{Type: model.EventAppointmentCreated, Payload: []byte("{")})
	assert.Error(t, err)
}

func TestSubscribeRegistersAppointmentTopics(t *testing.T) {
	mailer, _, _ := setup(t, "rivera@example.com")
	rec := &topicRecorder{}
	require.NoError(t, mailer.Subscribe(context.Background(), rec))
	assert.Equal(t, []string{model.EventAppointmentCreated, model.EventAppointmentStatusChanged}, rec.topics)
}
