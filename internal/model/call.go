package model

import (
	"errors"
	"fmt"
	"time"
)

type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusCancelled CallStatus = "cancelled"
)

// CallStatuses lists every call status value.
var CallStatuses = []CallStatus{
	CallStatusPending,
	CallStatusRinging,
	CallStatusAccepted,
	CallStatusDeclined,
	CallStatusEnded,
	CallStatusMissed,
	CallStatusCancelled,
}

// IncomingCallStatuses are the statuses shown on a receiver's incoming-call screen.
var IncomingCallStatuses = []CallStatus{CallStatusPending, CallStatusRinging}

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusPending:   {CallStatusRinging, CallStatusDeclined, CallStatusCancelled, CallStatusMissed},
	CallStatusRinging:   {CallStatusAccepted, CallStatusDeclined, CallStatusCancelled, CallStatusMissed},
	CallStatusAccepted:  {CallStatusEnded},
	CallStatusDeclined:  {},
	CallStatusEnded:     {},
	CallStatusMissed:    {},
	CallStatusCancelled: {},
}

// ErrInvalidTransition is returned when a call cannot move to the requested status.
var ErrInvalidTransition = errors.New("invalid call status transition")

func (s CallStatus) Valid() bool {
	_, ok := callTransitions[s]
	return ok
}

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusDeclined, CallStatusEnded, CallStatusMissed, CallStatusCancelled:
		return true
	case CallStatusPending, CallStatusRinging, CallStatusAccepted:
		return false
	default:
		panic(fmt.Sprintf("unhandled call status %q", s))
	}
}

// IsIncoming reports whether the call should still be presented to the receiver.
func (s CallStatus) IsIncoming() bool {
	return s == CallStatusPending || s == CallStatusRinging
}

func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type CallType string

const (
	CallTypeInstant   CallType = "instant"
	CallTypeScheduled CallType = "scheduled"
)

func (t CallType) Valid() bool {
	switch t {
	case CallTypeInstant, CallTypeScheduled:
		return true
	default:
		return false
	}
}

type MediaState struct {
	VideoEnabled bool `json:"videoEnabled" firestore:"videoEnabled"`
	AudioEnabled bool `json:"audioEnabled" firestore:"audioEnabled"`
}

// CallDocument is the shared record both parties observe for one call attempt.
type CallDocument struct {
	ID             string     `json:"id" firestore:"id"`
	CallerID       string     `json:"callerId" firestore:"callerId"`
	CallerName     string     `json:"callerName" firestore:"callerName"`
	CallerAvatar   string     `json:"callerAvatar,omitempty" firestore:"callerAvatar"`
	CallerRole     Role       `json:"callerRole" firestore:"callerRole"`
	ReceiverID     string     `json:"receiverId" firestore:"receiverId"`
	ReceiverName   string     `json:"receiverName" firestore:"receiverName"`
	ReceiverAvatar string     `json:"receiverAvatar,omitempty" firestore:"receiverAvatar"`
	ReceiverRole   Role       `json:"receiverRole" firestore:"receiverRole"`
	TherapistID    string     `json:"therapistId,omitempty" firestore:"therapistId"`
	AppointmentID  string     `json:"appointmentId,omitempty" firestore:"appointmentId"`
	ChannelName    string     `json:"channelName" firestore:"channelName"`
	Status         CallStatus `json:"status" firestore:"status"`
	Type           CallType   `json:"type" firestore:"type"`
	CreatedAt      time.Time  `json:"createdAt" firestore:"createdAt"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty" firestore:"answeredAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty" firestore:"endedAt"`
	CallerMedia    MediaState `json:"callerMedia" firestore:"callerMedia"`
	ReceiverMedia  MediaState `json:"receiverMedia" firestore:"receiverMedia"`
	// Revision counts committed updates; stores bump it on every write.
	Revision int64 `json:"revision" firestore:"revision"`
}

// Transition moves the call to next, stamping answeredAt/endedAt.
func (c *CallDocument) Transition(next CallStatus, at time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	at = at.UTC()
	if next == CallStatusAccepted {
		c.AnsweredAt = &at
	}
	if next.IsTerminal() {
		c.EndedAt = &at
	}
	return nil
}

// PartyRole reports which side of the call userID is on.
func (c *CallDocument) PartyRole(userID string) (CallParty, bool) {
	switch userID {
	case c.CallerID:
		return PartyCaller, true
	case c.ReceiverID:
		return PartyReceiver, true
	default:
		return "", false
	}
}

// Peer returns the user id of the other participant.
func (c *CallDocument) Peer(userID string) string {
	if userID == c.CallerID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *CallDocument) Clone() *CallDocument {
	if c == nil {
		return nil
	}
	out := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

type CallParty string

const (
	PartyCaller   CallParty = "caller"
	PartyReceiver CallParty = "receiver"
)

// CallChangeKind mirrors document-store query change kinds.
type CallChangeKind string

const (
	CallChangeAdded    CallChangeKind = "added"
	CallChangeModified CallChangeKind = "modified"
	CallChangeRemoved  CallChangeKind = "removed"
)

// CallChange is one entry of an incoming-calls query stream. Removed means the
// call left the query; Call then carries its latest snapshot.
type CallChange struct {
	Kind CallChangeKind `json:"kind"`
	Call *CallDocument  `json:"call"`
}

type CreateCallRequest struct {
	ReceiverID     string   `json:"receiver_id" binding:"required"`
	ReceiverName   string   `json:"receiver_name" binding:"required"`
	ReceiverAvatar string   `json:"receiver_avatar" binding:"omitempty,url"`
	ReceiverRole   Role     `json:"receiver_role" binding:"required,oneof=user therapist"`
	CallerName     string   `json:"caller_name"`
	CallerAvatar   string   `json:"caller_avatar" binding:"omitempty,url"`
	TherapistID    string   `json:"therapist_id"`
	AppointmentID  string   `json:"appointment_id"`
	Type           CallType `json:"type" binding:"omitempty,oneof=instant scheduled"`
}

type UpdateMediaRequest struct {
	VideoEnabled *bool `json:"video_enabled" binding:"required"`
	AudioEnabled *bool `json:"audio_enabled" binding:"required"`
}
