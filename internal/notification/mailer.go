package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/messaging"
)

// Sender delivers composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type TherapistReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Therapist, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler messaging.Handler) error
}

// Mailer e-mails therapists about bookings made against their schedule.
type Mailer struct {
	therapists TherapistReader
	sender     Sender
	from       string
	logger     *logger.Logger
}

func NewMailer(therapists TherapistReader, sender Sender, from string, log *logger.Logger) *Mailer {
	return &Mailer{therapists: therapists, sender: sender, from: from, logger: log}
}

func NewDialer(host string, port int, user, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, user, password)
}

// Subscribe registers the mailer for appointment events.
func (m *Mailer) Subscribe(ctx context.Context, sub Subscriber) error {
	for _, topic := range []string{model.EventAppointmentCreated, model.EventAppointmentStatusChanged} {
		if err := sub.Subscribe(ctx, topic, m.HandleAppointmentEvent); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailer) HandleAppointmentEvent(ctx context.Context, msg messaging.Message) error {
	var evt model.AppointmentEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("failed to decode appointment event: %w", err)
	}

	// Therapists are not told about changes they made themselves.
	if msg.Type == model.EventAppointmentStatusChanged && evt.Actor == model.RoleTherapist {
		return nil
	}

	therapist, err := m.therapists.Get(ctx, evt.TherapistID)
	if errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn("appointment event for unknown therapist", "therapist_id", evt.TherapistID.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load therapist: %w", err)
	}
	if strings.TrimSpace(therapist.Email) == "" {
		m.logger.Debug("therapist has no email, skipping notification", "therapist_id", therapist.ID.String())
		return nil
	}

	subject, headline := describe(msg.Type, evt)
	local := evt.ScheduledAt.In(therapist.Location())
	body, err := renderAppointment(appointmentData{
		TherapistName: therapist.Name,
		Headline:      headline,
		Date:          local.Format("Monday, January 2, 2006"),
		Time:          local.Format("15:04"),
		Timezone:      therapist.TimezoneName(),
		Duration:      evt.Duration,
		Status:        string(evt.Status),
		Reason:        evt.Reason,
		AppointmentID: evt.AppointmentID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to render appointment email: %w", err)
	}

	mail := gomail.NewMessage()
	mail.SetHeader("From", m.from)
	mail.SetAddressHeader("To", therapist.Email, therapist.Name)
	mail.SetHeader("Subject", subject)
	mail.SetBody("text/html", body)

	if err := m.sender.DialAndSend(mail); err != nil {
		return fmt.Errorf("failed to send appointment email: %w", err)
	}

	m.logger.Info("appointment email sent",
		"event_type", msg.Type,
		"appointment_id", evt.AppointmentID.String(),
		"therapist_id", therapist.ID.String())
	return nil
}

func describe(eventType string, evt model.AppointmentEvent) (subject, headline string) {
	if eventType == model.EventAppointmentCreated {
		return "New appointment request", "A client has booked a session with you."
	}
	switch evt.Status {
	case model.AppointmentStatusCancelled:
		return "Appointment cancelled", "A session on your schedule was cancelled."
	case model.AppointmentStatusConfirmed:
		return "Appointment confirmed", "A session on your schedule is confirmed."
	default:
		return "Appointment updated", fmt.Sprintf("A session on your schedule moved to %s.", evt.Status)
	}
}
