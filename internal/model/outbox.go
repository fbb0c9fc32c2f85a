package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusRetry     OutboxStatus = "RETRY"
	OutboxStatusProcessed OutboxStatus = "PROCESSED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// Event types written to the outbox.
const (
	EventAppointmentCreated       = "appointment.created"
	EventAppointmentStatusChanged = "appointment.status_changed"
	EventCallCreated              = "call.created"
	EventCallStatusChanged        = "call.status_changed"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       OutboxStatus    `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
}

// AppointmentEvent is the payload of appointment outbox events.
type AppointmentEvent struct {
	AppointmentID uuid.UUID         `json:"appointment_id"`
	TherapistID   uuid.UUID         `json:"therapist_id"`
	UserID        string            `json:"user_id"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	Duration      int               `json:"duration"`
	From          AppointmentStatus `json:"from,omitempty"`
	Status        AppointmentStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	RefundTier    RefundTier        `json:"refund_tier,omitempty"`
	Actor         Role              `json:"actor"`
}

// CallEvent is the payload of call outbox events.
type CallEvent struct {
	CallID     string     `json:"call_id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Status     CallStatus `json:"status"`
	Actor      Role       `json:"actor"`
}
