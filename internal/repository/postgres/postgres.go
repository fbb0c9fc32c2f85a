package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/security"
)

type therapistRepository struct {
	BaseRepository
}

type appointmentRepository struct {
	db    *sqlx.DB
	notes *security.FieldCipher
}

type outboxRepository struct {
	db *sqlx.DB
}

func NewTherapistRepository(db *sqlx.DB) repository.TherapistRepository {
	return &therapistRepository{NewBaseRepository(db)}
}

// NewAppointmentRepository stores notes sealed with notes; nil keeps them in
// plain text.
func NewAppointmentRepository(db *sqlx.DB, notes *security.FieldCipher) repository.AppointmentRepository {
	return &appointmentRepository{db: db, notes: notes}
}

func NewOutboxRepository(db *sqlx.DB) repository.OutboxRepository {
	return &outboxRepository{db: db}
}
