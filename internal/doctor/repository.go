package doctor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrDoctorNotFound = errors.New("doctor not found")

// Repository reads doctor profiles and per-date schedule overrides.
type Repository interface {
	// GetProfile loads the doctor plus the sessions, extensions, leaves and
	// breaks relevant to date.
	GetProfile(ctx context.Context, clinicID uuid.UUID, name string, date time.Time) (*Profile, error)

	// InsertBreak records a clinician-scheduled break for a date.
	InsertBreak(ctx context.Context, brk Break) error
}
